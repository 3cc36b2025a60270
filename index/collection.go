package index

import (
	"errors"
	"fmt"

	"github.com/blitedb/blite/blerr"
	"github.com/blitedb/blite/concurrency"
	"github.com/blitedb/blite/document"
	"github.com/blitedb/blite/storage"
)

// IndexPatch describes one secondary-index entry that must move when a
// document's Location changes: Remove OldKey -> old Location, Insert
// NewKey -> new Location.
type IndexPatch struct {
	Index  *BTreeIndex
	OldKey Key
	NewKey Key
}

// Collection pairs a document.Store with the secondary indexes and the
// concurrency.LockManager guarding the sequence of moving a record and
// then patching every index that points at it. document.Store cannot
// hold a *concurrency.LockManager itself — concurrency imports document
// for its Location-keyed lock table, so the dependency only closes
// safely at this layer, one level up. Grounded on the teacher's
// api/db.go and engine/executor.go, which drive lockMgr.AcquireRecord/
// ReleaseRecord around a record update and lockMgr.IndexMu around the
// index-structure maintenance that follows it.
type Collection struct {
	Name  string
	Store *document.Store
	Locks *concurrency.LockManager
}

// NewCollection pairs store with locks under name. locks may be nil, in
// which case UpdateDocument/DeleteDocument perform no locking — useful
// for a single-goroutine caller that doesn't need the lock manager's
// bookkeeping overhead.
func NewCollection(name string, store *document.Store, locks *concurrency.LockManager) *Collection {
	return &Collection{Name: name, Store: store, Locks: locks}
}

// UpdateDocument replaces the record at loc with data within tx, then
// applies patches against every secondary index that indexed the old
// Location. If the update relocates the record (a size change that no
// longer fits in place), every patch and the underlying Store.Update run
// under the same AcquireRecord(loc)/IndexMu sequence the teacher's
// executor drives around its own "move a record, then patch indexes"
// path, so a concurrent reader of loc's old or new Location never
// observes the record moved without its indexes updated to match.
func (c *Collection) UpdateDocument(tx *storage.Transaction, loc document.Location, data []byte, patches []IndexPatch) (document.Location, error) {
	if c.Locks != nil {
		if err := c.Locks.AcquireRecord(c.Name, loc); err != nil {
			return document.Location{}, fmt.Errorf("index: update %s: %w", c.Name, err)
		}
		defer c.Locks.ReleaseRecord(c.Name, loc)
	}

	newLoc, err := c.Store.Update(tx, loc, data)
	if err != nil {
		return document.Location{}, err
	}
	if newLoc == loc || len(patches) == 0 {
		return newLoc, nil
	}

	if c.Locks != nil {
		c.Locks.IndexMu.Lock()
		defer c.Locks.IndexMu.Unlock()
	}
	for _, p := range patches {
		if err := p.Index.Remove(tx, p.OldKey, loc); err != nil && !errors.Is(err, blerr.NotFound) {
			return document.Location{}, fmt.Errorf("index: repatch %s: %w", c.Name, err)
		}
		if err := p.Index.Insert(tx, p.NewKey, newLoc); err != nil {
			return document.Location{}, fmt.Errorf("index: repatch %s: %w", c.Name, err)
		}
	}
	return newLoc, nil
}

// DeleteDocument tombstones the record at loc within tx, then removes it
// from every secondary index in patches, under the same lock sequence as
// UpdateDocument.
func (c *Collection) DeleteDocument(tx *storage.Transaction, loc document.Location, patches []IndexPatch) error {
	if c.Locks != nil {
		if err := c.Locks.AcquireRecord(c.Name, loc); err != nil {
			return fmt.Errorf("index: delete %s: %w", c.Name, err)
		}
		defer c.Locks.ReleaseRecord(c.Name, loc)
	}

	if err := c.Store.Delete(tx, loc); err != nil {
		return err
	}
	if len(patches) == 0 {
		return nil
	}

	if c.Locks != nil {
		c.Locks.IndexMu.Lock()
		defer c.Locks.IndexMu.Unlock()
	}
	for _, p := range patches {
		if err := p.Index.Remove(tx, p.OldKey, loc); err != nil && !errors.Is(err, blerr.NotFound) {
			return fmt.Errorf("index: deindex %s: %w", c.Name, err)
		}
	}
	return nil
}
