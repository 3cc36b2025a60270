package document

import (
	"testing"

	"github.com/blitedb/blite/storage"
)

func testEngine(t *testing.T, pageSize int) *storage.StorageEngine {
	t.Helper()
	cfg := storage.DefaultConfig()
	if pageSize > 0 {
		cfg.PageSize = pageSize
	}
	e, err := storage.OpenMemory(cfg)
	if err != nil {
		t.Fatalf("open memory engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func testStore(t *testing.T, e *storage.StorageEngine, collection string) *Store {
	t.Helper()
	meta, err := e.GetOrCreateCollection(collection, storage.TagString)
	if err != nil {
		t.Fatalf("get or create collection: %v", err)
	}
	return OpenStore(e, collection, meta.PrimaryRootPageID)
}

// begin starts a transaction for one call in a test; commit closes it
// out. Every Store operation below runs in its own transaction, the way
// a real caller (which may also need to patch secondary indexes in the
// same transaction) drives it.
func begin(t *testing.T, e *storage.StorageEngine) *storage.Transaction {
	t.Helper()
	tx, err := e.BeginTransaction()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	return tx
}

func commit(t *testing.T, tx *storage.Transaction) {
	t.Helper()
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// pseudoRandomBytes generates incompressible-ish content so snappy can't
// shrink it below the inline threshold, to force overflow-chain tests to
// actually exercise the chain.
func pseudoRandomBytes(n int) []byte {
	b := make([]byte, n)
	x := uint32(1)
	for i := range b {
		x = x*1664525 + 1013904223
		b[i] = byte(x >> 24)
	}
	return b
}

func TestStoreInsertRead(t *testing.T) {
	e := testEngine(t, 0)
	s := testStore(t, e, "docs")

	tx := begin(t, e)
	loc, err := s.Insert(tx, []byte("hello world"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	commit(t, tx)

	tx2 := begin(t, e)
	got, err := s.Read(tx2, loc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	commit(t, tx2)
	if string(got) != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", got)
	}
}

func TestStoreReadMissingReturnsNotFound(t *testing.T) {
	e := testEngine(t, 0)
	s := testStore(t, e, "docs")

	tx := begin(t, e)
	defer commit(t, tx)
	if _, err := s.Read(tx, Location{PageID: 999, SlotIndex: 0}); err == nil {
		t.Fatal("expected an error reading a nonexistent location")
	}
}

func TestStoreUpdateInPlaceSameLength(t *testing.T) {
	e := testEngine(t, 0)
	s := testStore(t, e, "docs")

	tx := begin(t, e)
	loc, err := s.Insert(tx, []byte("aaaaaaaaaa"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	commit(t, tx)

	tx2 := begin(t, e)
	newLoc, err := s.Update(tx2, loc, []byte("bbbbbbbbbb"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	commit(t, tx2)
	if newLoc != loc {
		t.Errorf("expected in-place update to keep location %+v, got %+v", loc, newLoc)
	}

	tx3 := begin(t, e)
	got, err := s.Read(tx3, newLoc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	commit(t, tx3)
	if string(got) != "bbbbbbbbbb" {
		t.Errorf("expected updated bytes, got %q", got)
	}
}

func TestStoreUpdateMovesOnSizeChange(t *testing.T) {
	e := testEngine(t, 0)
	s := testStore(t, e, "docs")

	tx := begin(t, e)
	loc, err := s.Insert(tx, []byte("short"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	commit(t, tx)

	bigger := pseudoRandomBytes(1000)
	tx2 := begin(t, e)
	newLoc, err := s.Update(tx2, loc, bigger)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	commit(t, tx2)
	if newLoc == loc {
		t.Error("expected a size-changing update to move to a new location")
	}

	tx3 := begin(t, e)
	got, err := s.Read(tx3, newLoc)
	if err != nil {
		t.Fatalf("read after move: %v", err)
	}
	if len(got) != len(bigger) {
		t.Errorf("expected %d bytes after move, got %d", len(bigger), len(got))
	}
	if _, err := s.Read(tx3, loc); err == nil {
		t.Error("expected the old location to be freed (tombstoned) after a moving update")
	}
	commit(t, tx3)
}

func TestStoreDeleteTombstones(t *testing.T) {
	e := testEngine(t, 0)
	s := testStore(t, e, "docs")

	tx := begin(t, e)
	loc, err := s.Insert(tx, []byte("to be deleted"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	commit(t, tx)

	tx2 := begin(t, e)
	if err := s.Delete(tx2, loc); err != nil {
		t.Fatalf("delete: %v", err)
	}
	commit(t, tx2)

	tx3 := begin(t, e)
	if _, err := s.Read(tx3, loc); err == nil {
		t.Error("expected read of a deleted location to fail")
	}
	commit(t, tx3)

	tx4 := begin(t, e)
	defer commit(t, tx4)
	if err := s.Delete(tx4, loc); err == nil {
		t.Error("expected deleting an already-deleted location to fail")
	}
}

func TestStoreOverflowChain(t *testing.T) {
	e := testEngine(t, storage.MinPageSize)
	s := testStore(t, e, "docs")

	big := pseudoRandomBytes(3 * storage.MinPageSize)
	tx := begin(t, e)
	loc, err := s.Insert(tx, big)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	commit(t, tx)

	tx2 := begin(t, e)
	got, err := s.Read(tx2, loc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	commit(t, tx2)
	if len(got) != len(big) {
		t.Fatalf("expected %d bytes back, got %d", len(big), len(got))
	}
	for i := range big {
		if got[i] != big[i] {
			t.Fatalf("overflow round-trip mismatch at byte %d", i)
		}
	}

	tx3 := begin(t, e)
	if err := s.Delete(tx3, loc); err != nil {
		t.Fatalf("delete overflowing record: %v", err)
	}
	commit(t, tx3)

	tx4 := begin(t, e)
	defer commit(t, tx4)
	if _, err := s.Read(tx4, loc); err == nil {
		t.Error("expected read after deleting an overflowing record to fail")
	}
}

func TestStoreScan(t *testing.T) {
	e := testEngine(t, 0)
	s := testStore(t, e, "docs")

	want := map[Location][]byte{}
	for i := 0; i < 20; i++ {
		tx := begin(t, e)
		loc, err := s.Insert(tx, []byte{byte(i)})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		commit(t, tx)
		want[loc] = []byte{byte(i)}
	}
	// delete a few, they must be skipped by Scan.
	var deleted int
	for loc := range want {
		if deleted >= 3 {
			break
		}
		tx := begin(t, e)
		if err := s.Delete(tx, loc); err != nil {
			t.Fatalf("delete: %v", err)
		}
		commit(t, tx)
		delete(want, loc)
		deleted++
	}

	seen := map[Location][]byte{}
	txScan := begin(t, e)
	err := s.Scan(txScan, func(loc Location, data []byte) (bool, error) {
		cp := make([]byte, len(data))
		copy(cp, data)
		seen[loc] = cp
		return true, nil
	})
	commit(t, txScan)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(seen) != len(want) {
		t.Fatalf("expected %d live records, scanned %d", len(want), len(seen))
	}
	for loc, data := range want {
		got, ok := seen[loc]
		if !ok {
			t.Errorf("expected to see %+v in scan", loc)
			continue
		}
		if string(got) != string(data) {
			t.Errorf("location %+v: expected %v, got %v", loc, data, got)
		}
	}
}

func TestStoreScanStopsEarly(t *testing.T) {
	e := testEngine(t, 0)
	s := testStore(t, e, "docs")
	for i := 0; i < 10; i++ {
		tx := begin(t, e)
		if _, err := s.Insert(tx, []byte{byte(i)}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		commit(t, tx)
	}

	var count int
	tx := begin(t, e)
	err := s.Scan(tx, func(loc Location, data []byte) (bool, error) {
		count++
		return count < 3, nil
	})
	commit(t, tx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 3 {
		t.Errorf("expected scan to stop after 3 records, visited %d", count)
	}
}

func TestStoreVacuumReclaimsTombstonesAndReindexes(t *testing.T) {
	e := testEngine(t, 0)
	s := testStore(t, e, "docs")

	var locs []Location
	for i := 0; i < 30; i++ {
		tx := begin(t, e)
		loc, err := s.Insert(tx, []byte{byte(i)})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		commit(t, tx)
		locs = append(locs, loc)
	}

	// Tombstone every third record.
	tombstoned := map[Location]bool{}
	for i, loc := range locs {
		if i%3 == 0 {
			tx := begin(t, e)
			if err := s.Delete(tx, loc); err != nil {
				t.Fatalf("delete: %v", err)
			}
			commit(t, tx)
			tombstoned[loc] = true
		}
	}

	reindexed := map[Location]Location{}
	txVacuum := begin(t, e)
	n, err := s.Vacuum(txVacuum, func(old, new Location) error {
		reindexed[old] = new
		return nil
	})
	if err != nil {
		t.Fatalf("vacuum: %v", err)
	}
	commit(t, txVacuum)
	if n != len(tombstoned) {
		t.Errorf("expected %d tombstones reclaimed, got %d", len(tombstoned), n)
	}

	txRead := begin(t, e)
	defer commit(t, txRead)
	for i, loc := range locs {
		if i%3 == 0 {
			continue
		}
		newLoc, ok := reindexed[loc]
		if !ok {
			t.Errorf("expected live record %+v to be reindexed", loc)
			continue
		}
		got, err := s.Read(txRead, newLoc)
		if err != nil {
			t.Fatalf("read relocated record: %v", err)
		}
		if len(got) != 1 || got[0] != byte(i) {
			t.Errorf("expected relocated record to still hold byte %d, got %v", i, got)
		}
	}
}

func TestStoreVacuumNoOpWithoutTombstones(t *testing.T) {
	e := testEngine(t, 0)
	s := testStore(t, e, "docs")
	for i := 0; i < 5; i++ {
		tx := begin(t, e)
		if _, err := s.Insert(tx, []byte{byte(i)}); err != nil {
			t.Fatalf("insert: %v", err)
		}
		commit(t, tx)
	}
	tx := begin(t, e)
	n, err := s.Vacuum(tx, nil)
	commit(t, tx)
	if err != nil {
		t.Fatalf("vacuum: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no-op vacuum to reclaim 0 tombstones, got %d", n)
	}
}
