//go:build windows

package storage

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

func unsafeSlice(addr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

// windowsMappedWindow mirrors unixMappedWindow using the Win32 file
// mapping APIs exposed by golang.org/x/sys/windows, following the same
// per-platform split the teacher already uses for filelock_windows.go.
type windowsMappedWindow struct {
	file       *os.File
	mapHandle  windows.Handle
	addr       uintptr
	size       int64
}

func newMappedWindow(backing StorageFile) (mappedWindow, error) {
	f, ok := backing.(*os.File)
	if !ok {
		return newBufferedWindow(backing), nil
	}
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	w := &windowsMappedWindow{file: f}
	if info.Size() > 0 {
		if err := w.mapSize(info.Size()); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *windowsMappedWindow) unmapCurrent() error {
	if w.addr != 0 {
		if err := windows.UnmapViewOfFile(w.addr); err != nil {
			return err
		}
		w.addr = 0
	}
	if w.mapHandle != 0 {
		windows.CloseHandle(w.mapHandle)
		w.mapHandle = 0
	}
	return nil
}

func (w *windowsMappedWindow) mapSize(size int64) error {
	if err := w.unmapCurrent(); err != nil {
		return fmt.Errorf("mmap: unmap: %w", err)
	}
	h, err := windows.CreateFileMapping(windows.Handle(w.file.Fd()), nil, windows.PAGE_READWRITE, uint32(size>>32), uint32(size), nil)
	if err != nil {
		return fmt.Errorf("mmap: CreateFileMapping: %w", err)
	}
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(h)
		return fmt.Errorf("mmap: MapViewOfFile: %w", err)
	}
	w.mapHandle = h
	w.addr = addr
	w.size = size
	return nil
}

func (w *windowsMappedWindow) growTo(totalPages int, pageSize int) error {
	want := int64(totalPages) * int64(pageSize)
	if w.size >= want {
		return nil
	}
	if err := w.file.Truncate(want); err != nil {
		return fmt.Errorf("mmap: truncate: %w", err)
	}
	return w.mapSize(want)
}

func (w *windowsMappedWindow) writePage(pageID uint32, pageSize int, data []byte) error {
	off := int64(pageID) * int64(pageSize)
	if off+int64(pageSize) > w.size {
		return fmt.Errorf("mmap: page %d is outside the mapped window (grow the file first)", pageID)
	}
	dst := unsafeSlice(w.addr+uintptr(off), pageSize)
	copy(dst, data)
	return windows.FlushViewOfFile(w.addr+uintptr(off), uintptr(pageSize))
}

func (w *windowsMappedWindow) close() error {
	return w.unmapCurrent()
}
