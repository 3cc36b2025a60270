// Package blerr defines the sentinel error values BLite's storage kernel
// surfaces at its public boundary. Structural and fatal conditions wrap
// one of these with context via fmt.Errorf("...: %w", ...); callers use
// errors.Is to distinguish an expected outcome (DuplicateKey, NotFound)
// from a condition that should abort the surrounding operation.
package blerr

import "errors"

var (
	// IncompatibleFile is returned when a database file's magic, version
	// or page size does not match what the opener expects. Fatal at open.
	IncompatibleFile = errors.New("blite: incompatible database file")

	// WalCorrupt is returned when the WAL contains a non-tail CRC
	// mismatch or an internally inconsistent record. Fatal at open; a
	// truncated tail record is not this error — it is silently dropped
	// and reported only as a diagnostic.
	WalCorrupt = errors.New("blite: write-ahead log is corrupt")

	// PageCorrupt is returned when a page outside of the B-tree violates
	// a structural invariant, such as an overflow chain that ends before
	// the length its stub records. Checksums of pages outside of the
	// B-tree are not verified on read.
	PageCorrupt = errors.New("blite: page is corrupt")

	// IndexCorrupt is returned when a B-tree traversal lands on a page
	// whose type is not BTreeInternal/BTreeLeaf, or whose checksum fails.
	IndexCorrupt = errors.New("blite: index is corrupt")

	// DuplicateKey is returned by BTreeIndex.Insert against a unique
	// index when the key already exists. The surrounding transaction is
	// NOT aborted by this error — the caller decides.
	DuplicateKey = errors.New("blite: duplicate key")

	// NotFound is returned when a read targets a deallocated page, a
	// missing slot, or a key absent from an index.
	NotFound = errors.New("blite: not found")

	// OutOfSpace is returned when page allocation fails because the
	// file has reached a configured hard cap.
	OutOfSpace = errors.New("blite: out of space")

	// TransactionAborted is returned when a commit fails (e.g. a WAL
	// write error); the transaction is rolled back automatically and
	// all its writes are discarded.
	TransactionAborted = errors.New("blite: transaction aborted")

	// Cancelled is returned when a cancellation signal fires at an
	// async suspension point.
	Cancelled = errors.New("blite: operation cancelled")

	// ReadOnly is returned when a write is attempted against a database
	// opened with StorageEngine.OpenReadOnly.
	ReadOnly = errors.New("blite: database is read-only")

	// InvalidState is returned when an operation is not allowed in the
	// current state: Cursor.Key/Location/MoveNext/MovePrev when the
	// cursor is positioned past-the-end or before-the-start, a write,
	// commit or rollback on a transaction that is no longer Active, and
	// StorageEngine.WritePage called without a transaction.
	InvalidState = errors.New("blite: invalid state")
)
