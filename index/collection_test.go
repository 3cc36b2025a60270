package index

import (
	"testing"

	"github.com/blitedb/blite/concurrency"
	"github.com/blitedb/blite/document"
	"github.com/blitedb/blite/storage"
)

func testCollectionEngine(t *testing.T) *storage.StorageEngine {
	t.Helper()
	e, err := storage.OpenMemory(storage.DefaultConfig())
	if err != nil {
		t.Fatalf("open memory engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestCollectionUpdateDocumentRepatchesOnMove(t *testing.T) {
	e := testCollectionEngine(t)
	meta, err := e.GetOrCreateCollection("people", storage.TagString)
	if err != nil {
		t.Fatalf("get or create collection: %v", err)
	}
	store := document.OpenStore(e, "people", meta.PrimaryRootPageID)

	tx := must(t, e)
	bt, err := CreateBTreeIndex(e, tx, false)
	if err != nil {
		t.Fatalf("create index: %v", err)
	}
	loc, err := store.Insert(tx, []byte("short"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	oldKey := OfString("short")
	if err := bt.Insert(tx, oldKey, loc); err != nil {
		t.Fatalf("index insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	locks := concurrency.NewLockManager(concurrency.LockPolicyFail)
	coll := NewCollection("people", store, locks)

	bigger := pseudoRandomCollectionBytes(3 * e.PageSize())
	newKey := OfString("big")

	tx2 := must(t, e)
	newLoc, err := coll.UpdateDocument(tx2, loc, bigger, []IndexPatch{{Index: bt, OldKey: oldKey, NewKey: newKey}})
	if err != nil {
		t.Fatalf("update document: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if newLoc == loc {
		t.Fatal("expected the oversized update to relocate the record")
	}

	tx3 := must(t, e)
	defer tx3.Commit()

	oldHits, err := bt.Lookup(tx3, oldKey)
	if err != nil {
		t.Fatalf("lookup old key: %v", err)
	}
	if len(oldHits) != 0 {
		t.Errorf("expected the old key to be removed from the index, found %v", oldHits)
	}
	newHits, err := bt.Lookup(tx3, newKey)
	if err != nil {
		t.Fatalf("lookup new key: %v", err)
	}
	if len(newHits) != 1 || newHits[0] != newLoc {
		t.Errorf("expected the new key to map to %+v, got %v", newLoc, newHits)
	}
}

func TestCollectionUpdateDocumentInPlaceSkipsRepatch(t *testing.T) {
	e := testCollectionEngine(t)
	meta, err := e.GetOrCreateCollection("people", storage.TagString)
	if err != nil {
		t.Fatalf("get or create collection: %v", err)
	}
	store := document.OpenStore(e, "people", meta.PrimaryRootPageID)

	tx := must(t, e)
	bt, err := CreateBTreeIndex(e, tx, false)
	if err != nil {
		t.Fatalf("create index: %v", err)
	}
	loc, err := store.Insert(tx, []byte("aaaaaaaaaa"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	key := OfString("aaaaaaaaaa")
	if err := bt.Insert(tx, key, loc); err != nil {
		t.Fatalf("index insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	coll := NewCollection("people", store, concurrency.NewLockManager(concurrency.LockPolicyFail))

	tx2 := must(t, e)
	newLoc, err := coll.UpdateDocument(tx2, loc, []byte("bbbbbbbbbb"), []IndexPatch{{Index: bt, OldKey: key, NewKey: OfString("bbbbbbbbbb")}})
	if err != nil {
		t.Fatalf("update document: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if newLoc != loc {
		t.Fatalf("expected an in-place update to keep location %+v, got %+v", loc, newLoc)
	}

	tx3 := must(t, e)
	defer tx3.Commit()
	hits, err := bt.Lookup(tx3, key)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("expected an in-place update to leave the original index entry untouched, found %v", hits)
	}
}

func TestCollectionDeleteDocumentDeindexes(t *testing.T) {
	e := testCollectionEngine(t)
	meta, err := e.GetOrCreateCollection("people", storage.TagString)
	if err != nil {
		t.Fatalf("get or create collection: %v", err)
	}
	store := document.OpenStore(e, "people", meta.PrimaryRootPageID)

	tx := must(t, e)
	bt, err := CreateBTreeIndex(e, tx, false)
	if err != nil {
		t.Fatalf("create index: %v", err)
	}
	loc, err := store.Insert(tx, []byte("gone"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	key := OfString("gone")
	if err := bt.Insert(tx, key, loc); err != nil {
		t.Fatalf("index insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	coll := NewCollection("people", store, concurrency.NewLockManager(concurrency.LockPolicyFail))

	tx2 := must(t, e)
	if err := coll.DeleteDocument(tx2, loc, []IndexPatch{{Index: bt, OldKey: key}}); err != nil {
		t.Fatalf("delete document: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx3 := must(t, e)
	defer tx3.Commit()
	hits, err := bt.Lookup(tx3, key)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected the index entry to be removed after delete, found %v", hits)
	}
}

func TestCollectionNilLockManagerSkipsLocking(t *testing.T) {
	e := testCollectionEngine(t)
	meta, err := e.GetOrCreateCollection("people", storage.TagString)
	if err != nil {
		t.Fatalf("get or create collection: %v", err)
	}
	store := document.OpenStore(e, "people", meta.PrimaryRootPageID)
	coll := NewCollection("people", store, nil)

	tx := must(t, e)
	loc, err := store.Insert(tx, []byte("x"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2 := must(t, e)
	if _, err := coll.UpdateDocument(tx2, loc, []byte("y"), nil); err != nil {
		t.Fatalf("update with nil lock manager: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func must(t *testing.T, e *storage.StorageEngine) *storage.Transaction {
	t.Helper()
	tx, err := e.BeginTransaction()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	return tx
}

func pseudoRandomCollectionBytes(n int) []byte {
	b := make([]byte, n)
	x := uint32(7)
	for i := range b {
		x = x*1664525 + 1013904223
		b[i] = byte(x >> 24)
	}
	return b
}
