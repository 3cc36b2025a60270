package storage

// bufferedWindow is the mappedWindow used for backings that cannot be
// memory-mapped (in-memory databases backed by MemFile, and the js/wasm
// build where no real mmap syscall exists). It satisfies the same
// interface via plain WriteAt+Sync so PageFile's logic above it never
// needs to know the difference.
type bufferedWindow struct {
	backing StorageFile
}

func newBufferedWindow(backing StorageFile) *bufferedWindow {
	return &bufferedWindow{backing: backing}
}

func (b *bufferedWindow) writePage(pageID uint32, pageSize int, data []byte) error {
	if _, err := b.backing.WriteAt(data, int64(pageID)*int64(pageSize)); err != nil {
		return err
	}
	return b.backing.Sync()
}

func (b *bufferedWindow) growTo(totalPages int, pageSize int) error {
	want := int64(totalPages) * int64(pageSize)
	info, err := b.backing.Stat()
	if err != nil {
		return err
	}
	if info.Size() >= want {
		return nil
	}
	pad := make([]byte, want-info.Size())
	_, err = b.backing.WriteAt(pad, info.Size())
	return err
}

func (b *bufferedWindow) close() error { return nil }
