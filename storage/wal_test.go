package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/blitedb/blite/blerr"
)

func tempWALPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.blite")
}

func TestWalLogCreateAndClose(t *testing.T) {
	dbPath := tempWALPath(t)
	walPath := dbPath + ".wal"

	wal, err := OpenWalLog(dbPath, FsyncAlways, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if wal.NextLSN() != 1 {
		t.Errorf("expected next LSN 1 on a fresh log, got %d", wal.NextLSN())
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(walPath); os.IsNotExist(err) {
		t.Error("wal file should exist")
	}
}

func TestWalLogCommitPublishesToIndex(t *testing.T) {
	dbPath := tempWALPath(t)
	wal, err := OpenWalLog(dbPath, FsyncAlways, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer wal.Close()

	pageData := bytes.Repeat([]byte{0xAB}, 64)
	if _, err := wal.LogPageWrite(1, pageData); err != nil {
		t.Fatalf("log page write: %v", err)
	}
	if _, err := wal.LogPageWrite(2, pageData); err != nil {
		t.Fatalf("log page write: %v", err)
	}

	// Before commit, nothing is visible in the index yet.
	if _, ok := wal.Index().latest(1); ok {
		t.Error("uncommitted write should not be visible in the index")
	}

	lsn, err := wal.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	e, ok := wal.Index().latest(1)
	if !ok {
		t.Fatal("expected page 1 to be indexed after commit")
	}
	if e.lsn != lsn {
		t.Errorf("expected indexed lsn %d, got %d", lsn, e.lsn)
	}
	got, err := wal.ReadAt(e.offset, e.length)
	if err != nil {
		t.Fatalf("read at: %v", err)
	}
	if !bytes.Equal(got, pageData) {
		t.Errorf("expected round-tripped page data to match, got %x", got)
	}
}

func TestWalLogDiscardPending(t *testing.T) {
	dbPath := tempWALPath(t)
	wal, err := OpenWalLog(dbPath, FsyncAlways, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer wal.Close()

	pageData := make([]byte, 16)
	wal.LogPageWrite(1, pageData)
	wal.DiscardPending()

	if _, err := wal.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok := wal.Index().latest(1); ok {
		t.Error("discarded write should never become visible, even after a later commit")
	}
}

func TestWalLogReplaysCommittedWritesOnReopen(t *testing.T) {
	dbPath := tempWALPath(t)

	wal, err := OpenWalLog(dbPath, FsyncAlways, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pageData := bytes.Repeat([]byte{0x11}, 32)
	wal.LogPageWrite(7, pageData)
	lsn, err := wal.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	wal.Close()

	wal2, err := OpenWalLog(dbPath, FsyncAlways, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer wal2.Close()

	if wal2.CommitLSN() != lsn {
		t.Errorf("expected commit lsn %d after reopen, got %d", lsn, wal2.CommitLSN())
	}
	e, ok := wal2.Index().latest(7)
	if !ok {
		t.Fatal("expected page 7's committed write to survive reopen")
	}
	got, err := wal2.ReadAt(e.offset, e.length)
	if err != nil {
		t.Fatalf("read at: %v", err)
	}
	if !bytes.Equal(got, pageData) {
		t.Errorf("replayed data mismatch: got %x", got)
	}
	if wal2.NextLSN() <= lsn {
		t.Errorf("expected next lsn to advance past %d, got %d", lsn, wal2.NextLSN())
	}
}

func TestWalLogFindAsOfRespectsSnapshot(t *testing.T) {
	dbPath := tempWALPath(t)
	wal, err := OpenWalLog(dbPath, FsyncAlways, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer wal.Close()

	wal.LogPageWrite(1, []byte("v1"))
	lsn1, _ := wal.Commit()

	wal.LogPageWrite(1, []byte("v2"))
	lsn2, _ := wal.Commit()

	e, ok := wal.Index().findAsOf(1, lsn1)
	if !ok {
		t.Fatal("expected a visible write as of the first commit's lsn")
	}
	got, _ := wal.ReadAt(e.offset, e.length)
	if string(got) != "v1" {
		t.Errorf("snapshot at lsn1 should see v1, got %q", got)
	}

	e2, ok := wal.Index().findAsOf(1, lsn2)
	if !ok {
		t.Fatal("expected a visible write as of the second commit's lsn")
	}
	got2, _ := wal.ReadAt(e2.offset, e2.length)
	if string(got2) != "v2" {
		t.Errorf("snapshot at lsn2 should see v2, got %q", got2)
	}
}

func TestWalLogResetClearsIndexAndTruncatesFile(t *testing.T) {
	dbPath := tempWALPath(t)
	wal, err := OpenWalLog(dbPath, FsyncAlways, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer wal.Close()

	wal.LogPageWrite(1, []byte("hello"))
	wal.Commit()

	if err := wal.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, ok := wal.Index().latest(1); ok {
		t.Error("index should be empty after reset")
	}
	if wal.CommitLSN() != 0 {
		t.Errorf("expected commit lsn reset to 0, got %d", wal.CommitLSN())
	}

	info, err := os.Stat(dbPath + ".wal")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != walHeaderSize {
		t.Errorf("expected wal file truncated to header size %d, got %d", walHeaderSize, info.Size())
	}

	// The log keeps working after reset.
	wal.LogPageWrite(9, []byte("again"))
	if _, err := wal.Commit(); err != nil {
		t.Fatalf("commit after reset: %v", err)
	}
	if _, ok := wal.Index().latest(9); !ok {
		t.Error("expected a write logged after reset to become visible")
	}
}

func TestWalLogMidLogCorruptionFailsReopen(t *testing.T) {
	dbPath := tempWALPath(t)
	walPath := dbPath + ".wal"

	wal, err := OpenWalLog(dbPath, FsyncAlways, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	wal.LogPageWrite(1, []byte("TEST"))
	if _, err := wal.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// A second record so the corrupted first record is not the physical
	// tail of the file — this is mid-log corruption, not a torn tail.
	wal.LogPageWrite(2, []byte("more"))
	if _, err := wal.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	wal.Close()

	// Corrupt one byte inside the first record's data region. Every byte
	// the record claims is still physically present; only its content
	// changed, so its CRC will fail without a short read.
	f, err := os.OpenFile(walPath, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("open wal file: %v", err)
	}
	corruptOffset := int64(walHeaderSize + walRecordHeaderSize + 1)
	if _, err := f.WriteAt([]byte{0xFF}, corruptOffset); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	f.Close()

	_, err = OpenWalLog(dbPath, FsyncAlways, zerolog.Nop())
	if err == nil {
		t.Fatal("expected mid-log corruption to fail reopen")
	}
	if !errors.Is(err, blerr.WalCorrupt) {
		t.Errorf("expected blerr.WalCorrupt, got %v", err)
	}
}

func TestWalLogTrueTornTailDiscardedOnReopen(t *testing.T) {
	dbPath := tempWALPath(t)
	walPath := dbPath + ".wal"

	wal, err := OpenWalLog(dbPath, FsyncAlways, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	wal.LogPageWrite(1, []byte("TEST"))
	if _, err := wal.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	wal.LogPageWrite(2, []byte("more"))
	if _, err := wal.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	wal.Close()

	// Cut the last 3 bytes, inside the second commit's marker record: nothing
	// follows the cut, so this is a genuine torn tail from a crash
	// mid-append, and should be silently discarded rather than failing
	// the reopen.
	info, err := os.Stat(walPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(walPath, info.Size()-3); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	wal2, err := OpenWalLog(dbPath, FsyncAlways, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen after torn tail: %v", err)
	}
	defer wal2.Close()

	if _, ok := wal2.Index().latest(1); !ok {
		t.Error("expected the first, intact commit to survive a torn tail")
	}
	if _, ok := wal2.Index().latest(2); ok {
		t.Error("torn tail record should be discarded, not replayed")
	}
}
