// Package mvcc provides the isolation-level vocabulary and transaction
// bookkeeping docstore's transaction manager builds on: snapshot identity
// and active/aborted transaction tracking for optimistic concurrency
// control.
//
// The teacher's mvcc package additionally carried a linked-list Version
// chain per key and a background GarbageCollector over it — a classic
// MVCC multi-version store. docstore's DIDX (internal/didx) already is
// the "current version" index the spec calls for, and LOG is the
// historical record; there is no second version chain to garbage
// collect, so that machinery has no home here and was dropped (see
// DESIGN.md).
package mvcc

import "sync"

// IsolationLevel selects how a transaction's reads behave relative to
// concurrent writers.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "ReadUncommitted"
	case ReadCommitted:
		return "ReadCommitted"
	case RepeatableRead:
		return "RepeatableRead"
	case Serializable:
		return "Serializable"
	default:
		return "Unknown"
	}
}

// Snapshot is the "version vector" the spec calls for (§4.4): a cheap,
// immutable record of which transactions were active or aborted at the
// moment this transaction began, used only to decide visibility for
// isolation levels stronger than ReadCommitted. docstore's planner reads
// directly against DIDX's live state (overlaid by the transaction's own
// write set) rather than against a per-document version chain, so a
// Snapshot's job is bookkeeping for OCC, not per-row visibility.
type Snapshot struct {
	TxnID          uint64
	MaxTxnID       uint64
	ActiveTxns     []uint64
	AbortedTxns    []uint64
	IsolationLevel IsolationLevel
}

// SnapshotManager allocates transaction ids and tracks which are active
// or aborted, so a new Snapshot can record what was in flight when it
// began.
type SnapshotManager struct {
	mu         sync.Mutex
	nextTxnID  uint64
	activeTxns map[uint64]bool
	abortedTxns map[uint64]bool
}

// NewSnapshotManager returns a ready-to-use SnapshotManager.
func NewSnapshotManager() *SnapshotManager {
	return &SnapshotManager{
		activeTxns:  make(map[uint64]bool),
		abortedTxns: make(map[uint64]bool),
	}
}

// Begin allocates a new transaction id and returns a Snapshot capturing
// the current active/aborted sets at the given isolation level.
func (sm *SnapshotManager) Begin(level IsolationLevel) *Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.nextTxnID++
	txnID := sm.nextTxnID

	active := make([]uint64, 0, len(sm.activeTxns))
	for id := range sm.activeTxns {
		active = append(active, id)
	}
	aborted := make([]uint64, 0, len(sm.abortedTxns))
	for id := range sm.abortedTxns {
		aborted = append(aborted, id)
	}

	sm.activeTxns[txnID] = true

	return &Snapshot{
		TxnID:          txnID,
		MaxTxnID:       txnID,
		ActiveTxns:     active,
		AbortedTxns:    aborted,
		IsolationLevel: level,
	}
}

// Commit marks a transaction id as no longer active (implicitly committed).
func (sm *SnapshotManager) Commit(txnID uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.activeTxns, txnID)
}

// Abort marks a transaction id as aborted.
func (sm *SnapshotManager) Abort(txnID uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.abortedTxns[txnID] = true
	delete(sm.activeTxns, txnID)
}

// ActiveCount returns the number of currently active transactions.
func (sm *SnapshotManager) ActiveCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.activeTxns)
}
