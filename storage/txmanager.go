package storage

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/blitedb/blite/blerr"
	"github.com/rs/zerolog"
)

// TxState is a transaction's lifecycle state (spec.md §5).
type TxState int

const (
	TxActive TxState = iota
	TxCommitted
	TxRolledBack
)

// Transaction is one unit of work against the StorageEngine. Grounded on
// the teacher's Pager.BeginTx/CommitTx/RollbackTx, but fundamentally
// redesigned: the teacher allows exactly one in-flight transaction
// (`p.inTx bool` guards a single undo log), serializing all writers.
// spec.md requires many concurrently Active transactions, each with its
// own private write buffer, read-your-own-writes visibility, and a
// snapshot of every other transaction's state as of its own start —
// only the final Commit step is serialized, via the manager's single
// commit latch.
type Transaction struct {
	id          uint64
	snapshotLSN uint64
	state       TxState
	readOnly    bool

	mu      sync.Mutex
	writes  map[uint32]*Page // pageId -> after-image, private until commit
	touched []uint32         // insertion-ordered keys of writes, for deterministic WAL append order

	mgr *TransactionManager
}

// ID returns the transaction's identifier, monotonically increasing
// across the database's lifetime.
func (tx *Transaction) ID() uint64 { return tx.id }

// State returns the transaction's current lifecycle state.
func (tx *Transaction) State() TxState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// ReadPage resolves a page for this transaction: its own uncommitted
// write first (read-your-own-writes), then the WAL index as of its
// snapshot LSN (another transaction's committed write that happened
// before this one began), then the page file itself.
func (tx *Transaction) ReadPage(pageID uint32) (*Page, error) {
	tx.mu.Lock()
	if p, ok := tx.writes[pageID]; ok {
		tx.mu.Unlock()
		return &Page{Data: append([]byte(nil), p.Data...)}, nil
	}
	tx.mu.Unlock()

	if entry, ok := tx.mgr.wal.Index().findAsOf(pageID, tx.snapshotLSN); ok {
		data, err := tx.mgr.wal.ReadAt(entry.offset, entry.length)
		if err != nil {
			return nil, err
		}
		return &Page{Data: data}, nil
	}

	return tx.mgr.pf.ReadPageCached(pageID)
}

// WritePage buffers an after-image privately; it is not visible to any
// other transaction, nor durable, until Commit succeeds.
func (tx *Transaction) WritePage(p *Page) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != TxActive {
		return fmt.Errorf("tx %d: %w", tx.id, blerr.InvalidState)
	}
	if tx.readOnly {
		return fmt.Errorf("tx %d: %w", tx.id, blerr.ReadOnly)
	}
	if _, exists := tx.writes[p.PageID()]; !exists {
		tx.touched = append(tx.touched, p.PageID())
	}
	stored := &Page{Data: append([]byte(nil), p.Data...)}
	tx.writes[p.PageID()] = stored
	return nil
}

// Commit appends every buffered write to the WAL followed by a commit
// marker under the manager's exclusive commit latch, invalidates the
// page cache for every touched page, and marks the transaction
// Committed. A WAL write failure aborts the transaction (its buffered
// writes are discarded, matching TransactionAborted semantics) rather
// than leaving a half-applied commit.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	if tx.state != TxActive {
		tx.mu.Unlock()
		return fmt.Errorf("tx %d: %w", tx.id, blerr.InvalidState)
	}
	touched := append([]uint32(nil), tx.touched...)
	writes := make(map[uint32]*Page, len(touched))
	for k, v := range tx.writes {
		writes[k] = v
	}
	tx.mu.Unlock()

	if len(touched) == 0 {
		tx.mu.Lock()
		tx.state = TxCommitted
		tx.mu.Unlock()
		tx.mgr.finish(tx)
		return nil
	}

	tx.mgr.commitLatch.Lock()
	defer tx.mgr.commitLatch.Unlock()

	for _, pageID := range touched {
		if _, err := tx.mgr.wal.LogPageWrite(pageID, writes[pageID].Data); err != nil {
			tx.mgr.wal.DiscardPending()
			tx.mu.Lock()
			tx.state = TxRolledBack
			tx.mu.Unlock()
			tx.mgr.finish(tx)
			return fmt.Errorf("tx %d commit: %w", tx.id, blerr.TransactionAborted)
		}
	}
	if _, err := tx.mgr.wal.Commit(); err != nil {
		tx.mgr.wal.DiscardPending()
		tx.mu.Lock()
		tx.state = TxRolledBack
		tx.mu.Unlock()
		tx.mgr.finish(tx)
		return fmt.Errorf("tx %d commit: %w", tx.id, blerr.TransactionAborted)
	}

	for _, pageID := range touched {
		if err := tx.mgr.pf.writePageImmediate(pageID, writes[pageID]); err != nil {
			tx.mgr.logger.Warn().Err(err).Uint32("pageId", pageID).Msg("txmanager: deferred mapped-window write failed after wal commit")
		}
	}
	tx.mgr.pf.InvalidateCache(touched)

	tx.mu.Lock()
	tx.state = TxCommitted
	tx.mu.Unlock()
	tx.mgr.finish(tx)
	return nil
}

// Rollback discards every buffered write without touching the WAL or
// the page file.
func (tx *Transaction) Rollback() error {
	tx.mu.Lock()
	if tx.state != TxActive {
		tx.mu.Unlock()
		return fmt.Errorf("tx %d: %w", tx.id, blerr.InvalidState)
	}
	tx.state = TxRolledBack
	tx.writes = nil
	tx.touched = nil
	tx.mu.Unlock()
	tx.mgr.finish(tx)
	return nil
}

// TransactionManager tracks every Active transaction and serializes
// commits through a single exclusive latch, per spec.md §5's lock order
// (WAL index -> catalog -> dictionary -> freespace -> mapped window).
// Grounded on the teacher's Pager transaction fields, generalized from
// "one transaction at a time" to a registry of concurrently Active
// transactions plus the commit latch that makes their WAL appends
// appear atomic and totally ordered.
type TransactionManager struct {
	pf     *PageFile
	wal    *WalLog
	logger zerolog.Logger

	commitLatch sync.Mutex

	mu       sync.Mutex
	nextTxID uint64
	active   map[uint64]*Transaction
}

func NewTransactionManager(pf *PageFile, wal *WalLog, logger zerolog.Logger) *TransactionManager {
	return &TransactionManager{
		pf:       pf,
		wal:      wal,
		logger:   logger,
		nextTxID: 1,
		active:   make(map[uint64]*Transaction),
	}
}

// Begin starts a new Active transaction whose snapshot is the WAL's
// current commit LSN: it sees every write committed before this call
// and none committed after, until it reads its own buffered writes.
func (m *TransactionManager) Begin(readOnly bool) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := atomic.AddUint64(&m.nextTxID, 1) - 1
	tx := &Transaction{
		id:          id,
		snapshotLSN: m.wal.CommitLSN(),
		state:       TxActive,
		readOnly:    readOnly,
		writes:      make(map[uint32]*Page),
		mgr:         m,
	}
	m.active[id] = tx
	return tx
}

// ActiveCount reports how many transactions are currently Active. It is
// informational: the checkpointer does not consult it, since a
// checkpoint only ever drains already-committed writes into the page
// file before truncating.
func (m *TransactionManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ActiveSnapshotLSNs returns the snapshot LSN of every Active
// transaction, sorted ascending; the checkpointer never needs to keep
// WAL content older than the oldest one, but since BLite always drains
// the WAL fully before truncating, this is exposed for diagnostics
// rather than a partial-truncation decision.
func (m *TransactionManager) ActiveSnapshotLSNs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	lsns := make([]uint64, 0, len(m.active))
	for _, tx := range m.active {
		lsns = append(lsns, tx.snapshotLSN)
	}
	sort.Slice(lsns, func(i, j int) bool { return lsns[i] < lsns[j] })
	return lsns
}

func (m *TransactionManager) finish(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, tx.id)
}
