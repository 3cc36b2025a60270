package index

import (
	"fmt"

	"github.com/blitedb/blite/blerr"
	"github.com/blitedb/blite/document"
	"github.com/blitedb/blite/storage"
)

// Cursor walks an index's leaves in order, forward or backward, without
// materializing every entry up front the way RangeScan/AllEntries do.
// The teacher's index has no cursor type at all — its callers always
// drain RangeScan's full result slice. This is new functionality,
// grounded on the teacher's own leaf-chain walking loops
// (index/btree.go RangeScan/AllEntries), restructured into a
// step-at-a-time API that tracks a current leaf and offset instead of
// making a single eager pass. A Cursor is bound to one
// *storage.Transaction for its whole life, per spec.md §4.5's
// createCursor(txId): it walks that transaction's snapshot consistently
// from the first page read to the last.
type Cursor struct {
	bt  *BTreeIndex
	tx  *storage.Transaction
	dir Direction

	pageID  uint32
	prev    uint32
	next    uint32
	entries []entry
	pos     int // index into entries; out of [0,len) means not positioned on an entry
}

// CreateCursor returns a new Cursor, bound to tx, positioned before the
// first entry (Forward) or after the last entry (Backward); call
// MoveNext/MovePrev once before reading Key/Location.
func (bt *BTreeIndex) CreateCursor(tx *storage.Transaction, dir Direction) (*Cursor, error) {
	c := &Cursor{bt: bt, tx: tx, dir: dir}
	var err error
	if dir == Forward {
		err = c.loadPage(bt.findLeftmostLeaf)
		c.pos = -1
	} else {
		err = c.loadPage(bt.findRightmostLeaf)
		c.pos = len(c.entries)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cursor) loadPage(find func(*storage.Transaction) (*storage.Page, error)) error {
	p, err := find(c.tx)
	if err != nil {
		return err
	}
	c.setPage(p)
	return nil
}

func (c *Cursor) setPage(p *storage.Page) {
	c.pageID = p.PageID()
	c.prev, c.next = readLeafSiblings(p)
	c.entries = readLeafEntries(p)
}

// MoveToFirst repositions the cursor onto the index's first entry.
func (c *Cursor) MoveToFirst() error {
	p, err := c.bt.findLeftmostLeaf(c.tx)
	if err != nil {
		return err
	}
	c.setPage(p)
	c.pos = 0
	if len(c.entries) == 0 {
		return c.advancePage()
	}
	return nil
}

// MoveToLast repositions the cursor onto the index's last entry.
func (c *Cursor) MoveToLast() error {
	p, err := c.bt.findRightmostLeaf(c.tx)
	if err != nil {
		return err
	}
	c.setPage(p)
	c.pos = len(c.entries) - 1
	if c.pos < 0 {
		return c.retreatPage()
	}
	return nil
}

// Seek repositions the cursor onto the first entry with key >= target.
func (c *Cursor) Seek(target Key) error {
	p, err := c.bt.findLeaf(c.tx, target)
	if err != nil {
		return err
	}
	c.setPage(p)
	c.pos = 0
	for c.pos < len(c.entries) && Compare(c.entries[c.pos].Key, target) < 0 {
		c.pos++
	}
	if c.pos == len(c.entries) {
		return c.advancePage()
	}
	return nil
}

// MoveNext advances the cursor one entry forward, crossing leaf
// boundaries as needed. Returns blerr.InvalidState once past-the-end.
func (c *Cursor) MoveNext() error {
	c.pos++
	if c.pos < len(c.entries) {
		return nil
	}
	return c.advancePage()
}

// MovePrev retreats the cursor one entry, crossing leaf boundaries as
// needed. Returns blerr.InvalidState once before-the-start.
func (c *Cursor) MovePrev() error {
	c.pos--
	if c.pos >= 0 {
		return nil
	}
	return c.retreatPage()
}

func (c *Cursor) advancePage() error {
	if c.next == 0 {
		c.pos = len(c.entries)
		return fmt.Errorf("index: cursor: %w", blerr.InvalidState)
	}
	p, err := c.bt.readPage(c.tx, c.next)
	if err != nil {
		return err
	}
	c.setPage(p)
	c.pos = 0
	if len(c.entries) == 0 {
		return c.advancePage()
	}
	return nil
}

func (c *Cursor) retreatPage() error {
	if c.prev == 0 {
		c.pos = -1
		return fmt.Errorf("index: cursor: %w", blerr.InvalidState)
	}
	p, err := c.bt.readPage(c.tx, c.prev)
	if err != nil {
		return err
	}
	c.setPage(p)
	c.pos = len(c.entries) - 1
	if c.pos < 0 {
		return c.retreatPage()
	}
	return nil
}

// Key returns the entry the cursor is currently positioned on.
func (c *Cursor) Key() (Key, error) {
	if c.pos < 0 || c.pos >= len(c.entries) {
		return nil, fmt.Errorf("index: cursor: %w", blerr.InvalidState)
	}
	return c.entries[c.pos].Key, nil
}

// Location returns the Location the cursor is currently positioned on.
func (c *Cursor) Location() (document.Location, error) {
	if c.pos < 0 || c.pos >= len(c.entries) {
		return document.Location{}, fmt.Errorf("index: cursor: %w", blerr.InvalidState)
	}
	return c.entries[c.pos].Loc, nil
}
