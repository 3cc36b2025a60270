package index

import (
	"path/filepath"
	"testing"

	"github.com/blitedb/blite/document"
	"github.com/blitedb/blite/storage"
)

func tempEngine(t *testing.T) *storage.StorageEngine {
	t.Helper()
	e, err := storage.OpenMemory(storage.DefaultConfig())
	if err != nil {
		t.Fatalf("open memory engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func beginTx(t *testing.T, e *storage.StorageEngine) *storage.Transaction {
	t.Helper()
	tx, err := e.BeginTransaction()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	return tx
}

func commitTx(t *testing.T, tx *storage.Transaction) {
	t.Helper()
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// btInsert runs one Insert in its own committed transaction, for tests
// that don't care about batching several mutations into one commit.
func btInsert(t *testing.T, e *storage.StorageEngine, bt *BTreeIndex, key Key, loc document.Location) {
	t.Helper()
	tx := beginTx(t, e)
	if err := bt.Insert(tx, key, loc); err != nil {
		t.Fatalf("insert: %v", err)
	}
	commitTx(t, tx)
}

func btRemove(t *testing.T, e *storage.StorageEngine, bt *BTreeIndex, key Key, loc document.Location) error {
	t.Helper()
	tx := beginTx(t, e)
	err := bt.Remove(tx, key, loc)
	commitTx(t, tx)
	return err
}

func TestBTreeInsertLookup(t *testing.T) {
	e := tempEngine(t)
	tx := beginTx(t, e)
	bt, err := CreateBTreeIndex(e, tx, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	commitTx(t, tx)

	btInsert(t, e, bt, OfString("oracle"), document.Location{PageID: 1, SlotIndex: 0})
	btInsert(t, e, bt, OfString("oracle"), document.Location{PageID: 4, SlotIndex: 0})
	btInsert(t, e, bt, OfString("mysql"), document.Location{PageID: 2, SlotIndex: 0})

	tx2 := beginTx(t, e)
	defer commitTx(t, tx2)

	locs, err := bt.Lookup(tx2, OfString("oracle"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(locs) != 2 {
		t.Errorf("expected 2 locations for oracle, got %d", len(locs))
	}

	locs, err = bt.Lookup(tx2, OfString("mysql"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(locs) != 1 {
		t.Errorf("expected 1 location for mysql, got %d", len(locs))
	}

	locs, err = bt.Lookup(tx2, OfString("postgres"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(locs) != 0 {
		t.Errorf("expected 0 locations for postgres, got %d", len(locs))
	}
}

func TestBTreeUniqueRejectsDuplicate(t *testing.T) {
	e := tempEngine(t)
	tx := beginTx(t, e)
	bt, err := CreateBTreeIndex(e, tx, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	commitTx(t, tx)

	btInsert(t, e, bt, OfString("a"), document.Location{PageID: 1})

	tx2 := beginTx(t, e)
	defer commitTx(t, tx2)
	if err := bt.Insert(tx2, OfString("a"), document.Location{PageID: 2}); err == nil {
		t.Fatal("expected duplicate key error on unique index")
	}
}

func TestBTreeRemove(t *testing.T) {
	e := tempEngine(t)
	tx := beginTx(t, e)
	bt, _ := CreateBTreeIndex(e, tx, false)
	commitTx(t, tx)

	btInsert(t, e, bt, OfString("oracle"), document.Location{PageID: 1})
	btInsert(t, e, bt, OfString("oracle"), document.Location{PageID: 4})

	if err := btRemove(t, e, bt, OfString("oracle"), document.Location{PageID: 1}); err != nil {
		t.Fatalf("remove: %v", err)
	}

	tx2 := beginTx(t, e)
	locs, _ := bt.Lookup(tx2, OfString("oracle"))
	commitTx(t, tx2)
	if len(locs) != 1 || locs[0].PageID != 4 {
		t.Errorf("expected [{4}], got %v", locs)
	}

	if err := btRemove(t, e, bt, OfString("oracle"), document.Location{PageID: 4}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	tx3 := beginTx(t, e)
	locs, _ = bt.Lookup(tx3, OfString("oracle"))
	commitTx(t, tx3)
	if len(locs) != 0 {
		t.Errorf("expected empty after removing all, got %v", locs)
	}
}

func TestBTreeRemoveNonExistent(t *testing.T) {
	e := tempEngine(t)
	tx := beginTx(t, e)
	bt, _ := CreateBTreeIndex(e, tx, false)
	commitTx(t, tx)
	btInsert(t, e, bt, OfString("oracle"), document.Location{PageID: 1})

	if err := btRemove(t, e, bt, OfString("oracle"), document.Location{PageID: 999}); err == nil {
		t.Error("expected not-found error removing a location never inserted")
	}
	if err := btRemove(t, e, bt, OfString("nonexistent"), document.Location{PageID: 1}); err == nil {
		t.Error("expected not-found error removing from an absent key")
	}
}

func TestBTreeRangeScan(t *testing.T) {
	e := tempEngine(t)
	tx := beginTx(t, e)
	bt, _ := CreateBTreeIndex(e, tx, false)
	commitTx(t, tx)
	for i := int64(1); i <= 7; i += 2 {
		btInsert(t, e, bt, OfInt64(i), document.Location{PageID: uint32(i)})
	}

	tx2 := beginTx(t, e)
	defer commitTx(t, tx2)

	locs, err := bt.RangeScan(tx2, OfInt64(2), OfInt64(6), Forward)
	if err != nil {
		t.Fatalf("range scan: %v", err)
	}
	if len(locs) != 2 {
		t.Errorf("expected 2 locations in [2,6], got %d: %v", len(locs), locs)
	}

	locs, err = bt.RangeScan(tx2, OfInt64(2), OfInt64(6), Backward)
	if err != nil {
		t.Fatalf("range scan backward: %v", err)
	}
	if len(locs) != 2 {
		t.Errorf("expected 2 locations scanning backward, got %d", len(locs))
	}
	if locs[0].PageID != 5 || locs[1].PageID != 3 {
		t.Errorf("expected backward order [5,3], got %v", locs)
	}
}

func TestBTreeGreaterLessBetween(t *testing.T) {
	e := tempEngine(t)
	tx := beginTx(t, e)
	bt, _ := CreateBTreeIndex(e, tx, false)
	commitTx(t, tx)
	for i := int64(0); i < 5; i++ {
		btInsert(t, e, bt, OfInt64(i), document.Location{PageID: uint32(i) + 1})
	}

	tx2 := beginTx(t, e)
	defer commitTx(t, tx2)

	locs, _ := bt.GreaterThan(tx2, OfInt64(2))
	if len(locs) != 2 {
		t.Errorf("expected 2 entries > 2, got %d", len(locs))
	}
	locs, _ = bt.LessThan(tx2, OfInt64(2))
	if len(locs) != 2 {
		t.Errorf("expected 2 entries < 2, got %d", len(locs))
	}
	locs, _ = bt.Between(tx2, OfInt64(1), OfInt64(3))
	if len(locs) != 3 {
		t.Errorf("expected 3 entries in [1,3], got %d", len(locs))
	}
}

func TestBTreeIn(t *testing.T) {
	e := tempEngine(t)
	tx := beginTx(t, e)
	bt, _ := CreateBTreeIndex(e, tx, false)
	commitTx(t, tx)
	btInsert(t, e, bt, OfString("a"), document.Location{PageID: 1})
	btInsert(t, e, bt, OfString("b"), document.Location{PageID: 2})
	btInsert(t, e, bt, OfString("c"), document.Location{PageID: 3})

	tx2 := beginTx(t, e)
	defer commitTx(t, tx2)
	locs, err := bt.In(tx2, []Key{OfString("a"), OfString("c"), OfString("missing")})
	if err != nil {
		t.Fatalf("in: %v", err)
	}
	if len(locs) != 2 {
		t.Errorf("expected 2 locations, got %d", len(locs))
	}
}

func TestBTreeAllEntries(t *testing.T) {
	e := tempEngine(t)
	tx := beginTx(t, e)
	bt, _ := CreateBTreeIndex(e, tx, false)
	commitTx(t, tx)
	btInsert(t, e, bt, OfString("oracle"), document.Location{PageID: 1})
	btInsert(t, e, bt, OfString("mysql"), document.Location{PageID: 2})

	tx2 := beginTx(t, e)
	defer commitTx(t, tx2)
	entries, err := bt.AllEntries(tx2)
	if err != nil {
		t.Fatalf("all entries: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}
}

func TestBTreePersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.blite")

	e, err := storage.Open(path, storage.DefaultConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tx := beginTx(t, e)
	bt, err := CreateBTreeIndex(e, tx, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := bt.Insert(tx, OfString("oracle"), document.Location{PageID: 1}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := bt.Insert(tx, OfString("mysql"), document.Location{PageID: 2}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := bt.Insert(tx, OfString("oracle"), document.Location{PageID: 3}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	commitTx(t, tx)
	rootID := bt.RootPageID
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	e2, err := storage.Open(path, storage.DefaultConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	bt2 := OpenBTreeIndex(e2, rootID, false)
	tx2 := beginTx(t, e2)
	defer commitTx(t, tx2)
	locs, err := bt2.Lookup(tx2, OfString("oracle"))
	if err != nil {
		t.Fatalf("lookup after reopen: %v", err)
	}
	if len(locs) != 2 {
		t.Errorf("expected 2 oracle locations after reopen, got %d", len(locs))
	}
	locs, _ = bt2.Lookup(tx2, OfString("mysql"))
	if len(locs) != 1 {
		t.Errorf("expected 1 mysql location after reopen, got %d", len(locs))
	}
}

func TestBTreeSplitManyEntries(t *testing.T) {
	// At the minimum page size a leaf holds 239 17-byte OfInt64 entries,
	// so 300 inserts force a leaf split.
	cfg := storage.DefaultConfig()
	cfg.PageSize = storage.MinPageSize
	e, err := storage.OpenMemory(cfg)
	if err != nil {
		t.Fatalf("open memory engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	tx := beginTx(t, e)
	bt, _ := CreateBTreeIndex(e, tx, false)
	commitTx(t, tx)

	const n = 300
	for i := int64(0); i < n; i++ {
		btInsert(t, e, bt, OfInt64(i), document.Location{PageID: uint32(i) + 1})
	}

	tx2 := beginTx(t, e)
	defer commitTx(t, tx2)
	for i := int64(0); i < n; i++ {
		locs, err := bt.Lookup(tx2, OfInt64(i))
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if len(locs) != 1 || locs[0].PageID != uint32(i)+1 {
			t.Errorf("lookup(%d): expected [{%d}], got %v", i, i+1, locs)
		}
	}
}
