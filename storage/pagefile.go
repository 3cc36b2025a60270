package storage

import (
	"fmt"

	"github.com/blitedb/blite/blerr"
)

// File header (page 0), spec.md §3/§9: magic, version, page size and the
// root pointers a fresh open needs before anything else can be read.
// Grounded on the teacher's storage/pager.go flushMeta/loadMetaPage,
// generalized from a single ad hoc meta page holding collection/index
// definitions to a fixed-format header holding only root page ids; the
// collection catalog and dictionary content themselves now live in their
// own page chains (see catalog.go, dictionary.go) instead of page 0.
var fileHeaderMagic = [8]byte{'B', 'L', 'I', 'T', 'E', '1', 0, 0}

const fileHeaderVersion = 1

// FileHeader layout within page 0, after the common PageHeader
// (spec.md §9):
//
//	[0:8]   magic "BLITE1\0\0"
//	[8:10]  version uint16
//	[10:12] pageSize uint16 (truncated; pages never exceed 64 KiB)
//	[12:16] flags uint32
//	[16:20] rootCatalogPageId uint32
//	[20:24] dictionaryRootPageId uint32
//	[24:28] firstFreeSpaceMapPageId uint32
//	[28:36] walHeadLsn uint64
//	[36:44] walTailLsn uint64
//	[44:52] lastTxId uint64
//	[52:56] totalPages uint32
const fileHeaderLayoutSize = 56

// FileHeader is the parsed form of page 0's body.
type FileHeader struct {
	Version                uint16
	PageSize               uint16
	Flags                  uint32
	CatalogRootPageID      uint32
	DictionaryRootPageID   uint32
	FreeSpaceMapRootPageID uint32
	WalHeadLSN             uint64
	WalTailLSN             uint64
	LastTxID               uint64
	TotalPages             uint32
}

func encodeFileHeader(p *Page, h FileHeader) {
	body := p.Data[PageHeaderSize:]
	copy(body[0:8], fileHeaderMagic[:])
	putU16(body[8:10], h.Version)
	putU16(body[10:12], h.PageSize)
	putU32(body[12:16], h.Flags)
	putU32(body[16:20], h.CatalogRootPageID)
	putU32(body[20:24], h.DictionaryRootPageID)
	putU32(body[24:28], h.FreeSpaceMapRootPageID)
	putU64(body[28:36], h.WalHeadLSN)
	putU64(body[36:44], h.WalTailLSN)
	putU64(body[44:52], h.LastTxID)
	putU32(body[52:56], h.TotalPages)
}

func decodeFileHeader(p *Page) (FileHeader, error) {
	body := p.Data[PageHeaderSize:]
	for i, want := range fileHeaderMagic {
		if body[i] != want {
			return FileHeader{}, fmt.Errorf("pagefile: %w", blerr.IncompatibleFile)
		}
	}
	var h FileHeader
	h.Version = getU16(body[8:10])
	if h.Version != fileHeaderVersion {
		return FileHeader{}, fmt.Errorf("pagefile: version %d: %w", h.Version, blerr.IncompatibleFile)
	}
	h.PageSize = getU16(body[10:12])
	h.Flags = getU32(body[12:16])
	h.CatalogRootPageID = getU32(body[16:20])
	h.DictionaryRootPageID = getU32(body[20:24])
	h.FreeSpaceMapRootPageID = getU32(body[24:28])
	h.WalHeadLSN = getU64(body[28:36])
	h.WalTailLSN = getU64(body[36:44])
	h.LastTxID = getU64(body[44:52])
	h.TotalPages = getU32(body[52:56])
	return h, nil
}

// PageFile owns the on-disk (or in-memory) file of fixed-size pages: a
// memory-mapped write window for the common write path, plus positional
// reads that bypass the mapping for callers who explicitly want to read
// around an uncommitted mapped write. Grounded on the teacher's
// storage/pager.go (ReadPage/WritePage/AllocatePage/totalPages), but the
// teacher mapped nothing — it read/wrote through plain os.File calls
// guarded by a single RWMutex. PageFile instead opens a real OS mapping
// (see pagefile_mmap_*.go) sized to the file, growing it as the file
// grows, per spec.md's requirement for a mapped write window distinct
// from async positional reads.
type PageFile struct {
	pageSize int
	backing  StorageFile
	mapping  mappedWindow // platform-specific; see pagefile_mmap_*.go
	lock     *fileLock
	cache    *lruCache

	header FileHeader
}

// mappedWindow abstracts the platform-specific memory mapping so
// PageFile's logic stays platform-independent; pagefile_mmap_unix.go,
// _windows.go and _js.go each provide one implementation.
type mappedWindow interface {
	// writePage copies data into the mapping at the page's offset and
	// flushes that window to the backing store. Returns an error if the
	// mapping does not yet cover the offset (caller must grow first).
	writePage(pageID uint32, pageSize int, data []byte) error
	// growTo ensures the mapping covers at least totalPages*pageSize
	// bytes, remapping if necessary.
	growTo(totalPages int, pageSize int) error
	close() error
}

// OpenPageFile opens path (or creates it if absent) with the given page
// size, acquiring an OS-level exclusive lock unless readOnly is set.
func OpenPageFile(path string, cfg Config, readOnly bool) (*PageFile, error) {
	var backing StorageFile
	var lock *fileLock
	var err error

	if path == "" {
		backing = NewMemFile()
	} else {
		if !readOnly {
			lock, err = lockFile(path)
			if err != nil {
				return nil, err
			}
		}
		backing, err = openOSFile(path, readOnly)
		if err != nil {
			if lock != nil {
				lock.unlock()
			}
			return nil, err
		}
	}

	pf := &PageFile{
		pageSize: cfg.PageSize,
		backing:  backing,
		lock:     lock,
		cache:    newLRUCache(256),
	}

	info, statErr := backing.Stat()
	if statErr != nil {
		pf.Close()
		return nil, fmt.Errorf("pagefile: stat: %w", statErr)
	}

	mapping, err := newMappedWindow(backing)
	if err != nil {
		pf.Close()
		return nil, fmt.Errorf("pagefile: mmap: %w", err)
	}
	pf.mapping = mapping

	if info.Size() == 0 {
		if err := pf.initializeFresh(cfg); err != nil {
			pf.Close()
			return nil, err
		}
	} else {
		if err := pf.loadHeader(); err != nil {
			pf.Close()
			return nil, err
		}
	}

	return pf, nil
}

func (pf *PageFile) initializeFresh(cfg Config) error {
	pf.header = FileHeader{
		Version:    fileHeaderVersion,
		PageSize:   uint16(cfg.PageSize),
		TotalPages: 1,
	}
	if err := pf.mapping.growTo(1, pf.pageSize); err != nil {
		return err
	}
	return pf.flushHeader()
}

func (pf *PageFile) loadHeader() error {
	buf := make([]byte, pf.pageSize)
	if _, err := pf.backing.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("pagefile: read header page: %w", err)
	}
	p := &Page{Data: buf}
	h, err := decodeFileHeader(p)
	if err != nil {
		return err
	}
	pf.header = h
	if h.PageSize != 0 {
		pf.pageSize = int(h.PageSize)
	}
	return pf.mapping.growTo(int(h.TotalPages), pf.pageSize)
}

func (pf *PageFile) flushHeader() error {
	p := NewPage(pf.pageSize, PageTypeFileHeader, 0)
	encodeFileHeader(p, pf.header)
	p.Seal()
	return pf.writePageImmediate(0, p)
}

// Header returns a copy of the current file header.
func (pf *PageFile) Header() FileHeader { return pf.header }

// SetCatalogRoot, SetDictionaryRoot and SetFreeSpaceMapRoot update the
// header's root pointers and flush page 0. The CollectionCatalog sets
// its root when its chain is first created; the StorageEngine updates
// the dictionary and free-space roots whenever they differ from the
// header (InternFieldName and Close).
func (pf *PageFile) SetCatalogRoot(id uint32) error {
	pf.header.CatalogRootPageID = id
	return pf.flushHeader()
}
func (pf *PageFile) SetDictionaryRoot(id uint32) error {
	pf.header.DictionaryRootPageID = id
	return pf.flushHeader()
}
func (pf *PageFile) SetFreeSpaceMapRoot(id uint32) error {
	pf.header.FreeSpaceMapRootPageID = id
	return pf.flushHeader()
}

// PageSize returns the database's fixed page size.
func (pf *PageFile) PageSize() int { return pf.pageSize }

// TotalPages returns the current page count (including page 0).
func (pf *PageFile) TotalPages() uint32 { return pf.header.TotalPages }

// AllocatePageID grows the file by one page and returns the new page's
// id, bumping TotalPages in the header. The free-space map is consulted
// first by higher layers (see freespace.go); this method is the
// fallback "grow the file" path.
func (pf *PageFile) AllocatePageID() (uint32, error) {
	id := pf.header.TotalPages
	pf.header.TotalPages++
	if err := pf.mapping.growTo(int(pf.header.TotalPages), pf.pageSize); err != nil {
		pf.header.TotalPages--
		return 0, err
	}
	if err := pf.flushHeader(); err != nil {
		pf.header.TotalPages--
		return 0, err
	}
	return id, nil
}

// ReadPagePositional reads a page directly from the backing store,
// bypassing the mapped window and the cache. Callers must have already
// flushed any mapped write to this page they need to observe: the
// mapped window and positional reads are not coherent with each other
// until writePageImmediate's flush completes (spec.md §3 hazard note).
func (pf *PageFile) ReadPagePositional(pageID uint32) (*Page, error) {
	buf := make([]byte, pf.pageSize)
	if _, err := pf.backing.ReadAt(buf, int64(pageID)*int64(pf.pageSize)); err != nil {
		return nil, fmt.Errorf("pagefile: read page %d: %w", pageID, err)
	}
	return &Page{Data: buf}, nil
}

// ReadPageCached reads a page, consulting the LRU cache first.
func (pf *PageFile) ReadPageCached(pageID uint32) (*Page, error) {
	if data, ok := pf.cache.get(pageID); ok {
		return &Page{Data: data}, nil
	}
	p, err := pf.ReadPagePositional(pageID)
	if err != nil {
		return nil, err
	}
	pf.cache.put(pageID, p.Data)
	return p, nil
}

// writePageImmediate writes a page through the mapped window and flushes
// it synchronously, then invalidates any cached copy. This is the only
// path that mutates page bytes in the backing store; the transaction
// manager's commit and the checkpointer both funnel through it (the WAL
// writes only its own file).
func (pf *PageFile) writePageImmediate(pageID uint32, p *Page) error {
	if err := pf.mapping.writePage(pageID, pf.pageSize, p.Data); err != nil {
		return fmt.Errorf("pagefile: write page %d: %w", pageID, err)
	}
	pf.cache.invalidate(pageID)
	return nil
}

// WritePageImmediate is the exported form used by the checkpointer to
// drain WAL content into the page file.
func (pf *PageFile) WritePageImmediate(pageID uint32, p *Page) error {
	return pf.writePageImmediate(pageID, p)
}

// InvalidateCache drops a set of page ids from the cache, called after a
// transaction commits so the next cache hit cannot observe pre-commit
// bytes (spec.md §5).
func (pf *PageFile) InvalidateCache(pageIDs []uint32) {
	pf.cache.invalidateMany(pageIDs)
}

// CacheStats exposes the page cache's hit rate for diagnostics.
func (pf *PageFile) CacheStats() (hits, misses uint64, size, capacity int) {
	return pf.cache.stats()
}

// Close unmaps, closes the backing file and releases the OS lock. The
// header is not flushed here; every header change is flushed when made.
func (pf *PageFile) Close() error {
	var firstErr error
	if pf.mapping != nil {
		if err := pf.mapping.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if pf.backing != nil {
		if err := pf.backing.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if pf.lock != nil {
		if err := pf.lock.unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
