package storage

import "os"

// openOSFile opens a database file for the page file to use as its
// StorageFile backing. *os.File already satisfies StorageFile's
// ReadAt/WriteAt/Sync/Close/Stat signature set directly, so no adapter
// type is needed (the teacher wraps os.File identically in OpenPager).
func openOSFile(path string, readOnly bool) (StorageFile, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, err
	}
	return f, nil
}
