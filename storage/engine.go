package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/blitedb/blite/blerr"
)

// StorageEngine is BLite's top-level storage kernel facade: it owns the
// PageFile, WalLog, WalIndex, Dictionary, FreeSpaceMap,
// CollectionCatalog and TransactionManager for one open database
// (spec.md §4.9 Ownership). A DocumentStore or BTreeIndex borrows a
// StorageEngine for the lifetime of its operations rather than owning
// any of these resources itself.
//
// Grounded on the teacher's OpenPager/OpenPagerReadOnly/OpenPagerMemory
// and on the deleted api/db.go's DB.Open/OpenReadOnly/OpenMemory
// lifecycle shape (kept as the inspiration for this facade's
// constructors after the SQL layer beneath the original api package was
// removed).
type StorageEngine struct {
	cfg      Config
	path     string
	readOnly bool

	pf       *PageFile
	wal      *WalLog
	catalog  *CollectionCatalog
	dict     *Dictionary
	freeMap  *FreeSpaceMap
	txmgr    *TransactionManager
	checkpt  *Checkpointer
}

// Open opens (creating if absent) the database file at path.
func Open(path string, cfg Config) (*StorageEngine, error) {
	return open(path, cfg, false)
}

// OpenReadOnly opens an existing database file without taking the
// exclusive OS lock and rejects every write.
func OpenReadOnly(path string, cfg Config) (*StorageEngine, error) {
	return open(path, cfg, true)
}

// OpenMemory opens a throwaway in-memory database, useful for tests and
// ephemeral caches; its pages live only in memory and it needs no OS
// file lock, but its WAL is still written to a temporary file (see
// memWalPlaceholder).
func OpenMemory(cfg Config) (*StorageEngine, error) {
	return open("", cfg, false)
}

func open(path string, cfg Config, readOnly bool) (*StorageEngine, error) {
	cfg = cfg.normalize()

	pf, err := OpenPageFile(path, cfg, readOnly)
	if err != nil {
		return nil, fmt.Errorf("engine: open page file: %w", err)
	}

	walPath := path
	var wal *WalLog
	if path == "" {
		wal, err = OpenWalLog(memWalPlaceholder(), cfg.WalFsyncPolicy, cfg.Logger)
	} else {
		wal, err = OpenWalLog(walPath, cfg.WalFsyncPolicy, cfg.Logger)
	}
	if err != nil {
		pf.Close()
		return nil, fmt.Errorf("engine: open wal: %w", err)
	}

	h := pf.Header()
	catalog, err := OpenCollectionCatalog(pf, h.CatalogRootPageID)
	if err != nil {
		pf.Close()
		wal.Close()
		return nil, fmt.Errorf("engine: open catalog: %w", err)
	}
	dict, err := OpenDictionary(pf, h.DictionaryRootPageID)
	if err != nil {
		pf.Close()
		wal.Close()
		return nil, fmt.Errorf("engine: open dictionary: %w", err)
	}
	freeMap := OpenFreeSpaceMap(pf, h.FreeSpaceMapRootPageID)

	txmgr := NewTransactionManager(pf, wal, cfg.Logger)
	checkpt := NewCheckpointer(pf, wal, cfg.Logger)

	e := &StorageEngine{
		cfg:      cfg,
		path:     path,
		readOnly: readOnly,
		pf:       pf,
		wal:      wal,
		catalog:  catalog,
		dict:     dict,
		freeMap:  freeMap,
		txmgr:    txmgr,
		checkpt:  checkpt,
	}
	return e, nil
}

// memWalPlaceholder gives an in-memory engine's WalLog a distinct, never
// collided temp-file-style path. BLite's WalLog always backs onto a real
// os.File (OpenWalLog does not accept a StorageFile), so a fully
// in-memory database still pays for a WAL file on disk; spec.md's
// in-memory-engine supplemental feature trades this for crash-recovery
// parity with the persistent engine rather than building a second,
// untested WAL code path purely for the memory case.
func memWalPlaceholder() string {
	f, err := os.CreateTemp("", "blite-mem-*.wal")
	if err != nil {
		panic(fmt.Sprintf("engine: cannot create in-memory wal backing file: %v", err))
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return name
}

// Catalog, Dictionary and FreeSpaceMap expose the shared collaborators a
// DocumentStore or BTreeIndex needs.
func (e *StorageEngine) Catalog() *CollectionCatalog { return e.catalog }
func (e *StorageEngine) Dictionary() *Dictionary     { return e.dict }
func (e *StorageEngine) FreeSpaceMap() *FreeSpaceMap { return e.freeMap }
func (e *StorageEngine) PageFile() *PageFile         { return e.pf }
func (e *StorageEngine) PageSize() int               { return e.pf.PageSize() }
func (e *StorageEngine) MaxInlineRecordSize() int    { return e.cfg.MaxInlineRecordSize }
func (e *StorageEngine) ReadOnly() bool               { return e.readOnly }

// BeginTransaction starts a new Active transaction. readOnly
// transactions are rejected from writing at the Transaction.WritePage
// level but still participate in snapshot reads.
func (e *StorageEngine) BeginTransaction() (*Transaction, error) {
	return e.txmgr.Begin(e.readOnly), nil
}

// ReadPage is the facade's read path (spec.md §4.4 readPage(pageId,
// txId?, buf)): with a non-nil tx it goes through Transaction.ReadPage
// so a reader sees its own uncommitted writes and nothing anyone else's
// in-flight transaction has written; with a nil tx it reads the page
// file's last-committed image directly, for callers that have no
// transaction open (e.g. the CollectionCatalog/Dictionary bootstrap
// paths, which are not subject to document/index MVCC visibility).
func (e *StorageEngine) ReadPage(tx *Transaction, pageID uint32) (*Page, error) {
	if tx != nil {
		return tx.ReadPage(pageID)
	}
	return e.pf.ReadPageCached(pageID)
}

// ReadPageAsync is spec.md §4.4's readPage(pageId, txId?, mem) async
// variant. BLite has no background prefetcher to suspend on, so this
// resolves synchronously but still honors ctx cancellation the way a
// real async read would at its one suspension point.
func (e *StorageEngine) ReadPageAsync(ctx context.Context, tx *Transaction, pageID uint32) (*Page, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("engine: read page %d: %w", pageID, blerr.Cancelled)
	default:
	}
	return e.ReadPage(tx, pageID)
}

// WritePage is the facade's transactional write path (spec.md §4.4
// writePage(pageId, txId, bytes)): it buffers the after-image into tx's
// private write set, invisible to any other reader until tx.Commit
// appends it to the WAL and flushes it to the page file. Unlike
// ReadPage, tx is mandatory here — there is no "immediate" fallback,
// since that is WritePageImmediate's job, not this one's.
func (e *StorageEngine) WritePage(tx *Transaction, p *Page) error {
	if tx == nil {
		return fmt.Errorf("engine: write page %d: %w", p.PageID(), blerr.InvalidState)
	}
	return tx.WritePage(p)
}

// WritePageImmediate is spec.md §4.4's writePageImmediate(pageId,
// bytes): it bypasses the WAL and transaction machinery entirely,
// reserved for internal rebuild paths (header root-pointer updates,
// catalog/dictionary/free-space bootstrap) that do not participate in
// MVCC visibility. document.Store and index.BTreeIndex must never call
// this directly — they always go through WritePage with a real
// transaction.
func (e *StorageEngine) WritePageImmediate(pageID uint32, p *Page) error {
	if e.readOnly {
		return blerr.ReadOnly
	}
	return e.pf.WritePageImmediate(pageID, p)
}

// AllocatePage reuses a freed page if one is recorded, else grows the
// file (spec.md §4.1).
func (e *StorageEngine) AllocatePage(ptype PageType) (*Page, error) {
	if e.readOnly {
		return nil, blerr.ReadOnly
	}
	id, reused, err := e.freeMap.Allocate()
	if err != nil {
		return nil, err
	}
	if !reused {
		id, err = e.pf.AllocatePageID()
		if err != nil {
			return nil, err
		}
	}
	return NewPage(e.pf.PageSize(), ptype, id), nil
}

// DeallocatePage returns a page to the free-space map for reuse.
func (e *StorageEngine) DeallocatePage(pageID uint32) error {
	if e.readOnly {
		return blerr.ReadOnly
	}
	return e.freeMap.Deallocate(pageID)
}

// ForceCheckpoint drains the WAL into the page file immediately,
// regardless of its current size, serialized against in-flight commits
// via the transaction manager's commit latch (spec.md §4.7 lock order).
func (e *StorageEngine) ForceCheckpoint() error {
	if e.readOnly {
		return blerr.ReadOnly
	}
	e.txmgr.commitLatch.Lock()
	defer e.txmgr.commitLatch.Unlock()
	return e.checkpt.Run()
}

// MaybeCheckpoint runs a checkpoint if the WAL has grown past the
// configured threshold.
func (e *StorageEngine) MaybeCheckpoint() error {
	if e.readOnly {
		return nil
	}
	info, err := os.Stat(e.wal.path)
	if err != nil {
		// In-memory or otherwise unstattable WAL backing: skip the
		// size-triggered path, callers can still ForceCheckpoint.
		return nil
	}
	if !e.checkpt.ShouldRun(info.Size(), e.cfg.CheckpointThresholdBytes) {
		return nil
	}
	return e.ForceCheckpoint()
}

// InternFieldName is a thin pass-through to the Dictionary, persisting
// the root pointer on first use.
func (e *StorageEngine) InternFieldName(name string) (uint16, error) {
	id, err := e.dict.Intern(name)
	if err != nil {
		return 0, err
	}
	if e.pf.Header().DictionaryRootPageID != e.dict.RootPageID() {
		if err := e.pf.SetDictionaryRoot(e.dict.RootPageID()); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// GetOrCreateCollection wraps the catalog's GetOrCreate, rejecting the
// call on a read-only engine.
func (e *StorageEngine) GetOrCreateCollection(name string, keyType Tag) (CollectionMetadata, error) {
	if e.readOnly {
		return CollectionMetadata{}, blerr.ReadOnly
	}
	return e.catalog.GetOrCreate(name, keyType)
}

// syncFreeSpaceRoot persists the free-space map's root pointer if it
// changed (e.g. its first-ever Deallocate call allocated a root page).
// Called by Close.
func (e *StorageEngine) syncFreeSpaceRoot() error {
	if e.pf.Header().FreeSpaceMapRootPageID != e.freeMap.RootPageID() {
		return e.pf.SetFreeSpaceMapRoot(e.freeMap.RootPageID())
	}
	return nil
}

// Close persists the free-space map's root pointer, closes the WAL and
// the page file, releasing the OS lock. The dictionary's root pointer
// is persisted by InternFieldName, not here.
func (e *StorageEngine) Close() error {
	if !e.readOnly {
		if err := e.syncFreeSpaceRoot(); err != nil {
			return err
		}
	}
	var firstErr error
	if err := e.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.pf.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
