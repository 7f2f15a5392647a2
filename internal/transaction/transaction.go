// Package transaction implements docstore's transaction manager (TXM):
// snapshot isolation for reads and optimistic concurrency control for
// commits, scoped to a single collection (spec §4.4).
//
// The teacher's internal/transaction package shipped only a test file —
// manager.go itself was never present in the retrieved source — so this
// package is written from scratch against that test's API shape
// (Begin/Write/Commit/Rollback/Read, Transaction.ID/Status/WriteSet/
// IsolationLevel, StatusActive/Committed/Aborted, GetActiveTransactionCount),
// but retargets every payload from the teacher's raw byte-slice WAL writes
// to docstore's document model, and wires commit through logstore+didx+
// sidx instead of the teacher's generic wal.WAL.
package transaction

import (
	"sync"

	"github.com/bunbase/docstore/internal/document"
	"github.com/bunbase/docstore/internal/sidx"
	"github.com/bunbase/docstore/mvcc"
)

// Status is a transaction's position in the state machine from spec §4.4.
type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// WriteKind identifies what a staged write does to a document.
type WriteKind int

const (
	WriteInsert WriteKind = iota
	WriteUpdate
	WriteDelete
)

// Write is one entry of a transaction's write set: `id -> {kind, new_doc?,
// read_version?, sidx_deltas}` (spec §4.4).
type Write struct {
	Kind           WriteKind
	Doc            *document.Document // nil for WriteDelete
	ReadVersion    int64
	HasReadVersion bool
	Deltas         map[string][]sidx.Delta // index name -> deltas derived from this write
}

// readCacheEntry pins one id's first-observed value for the lifetime of a
// RepeatableRead/Serializable transaction (spec §4.4 Invariant 4: a
// transaction that reads the same document twice sees the same value,
// even if another transaction commits a change to it in between).
type readCacheEntry struct {
	doc   *document.Document
	found bool
}

// Transaction is the object begin() returns: a snapshot handle plus an
// accumulating write set. The exported fields mirror the shape the
// original transaction package's test suite expected.
type Transaction struct {
	ID             uint64
	Status         Status
	IsolationLevel mvcc.IsolationLevel
	Snapshot       *mvcc.Snapshot
	WriteSet       map[string]*Write

	// CommittedBatch is the encoded commit batch Commit produced for this
	// transaction (logstore.EncodeBatch of the records it appended), for a
	// replicated deployment to hand to its consensus layer after a
	// successful local commit (spec §4.7's APPLY is the follower side of
	// this). Empty for a read-only commit or before Commit has run.
	CommittedBatch []byte

	readSet map[string]*readCacheEntry

	mu sync.Mutex
}

// stage records or replaces the write-set entry for id. Re-staging the
// same id within one transaction (e.g. two updates to the same document)
// simply overwrites the entry — the write set holds the final state, not
// a log of intermediate ones.
func (t *Transaction) stage(id string, w *Write) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.WriteSet[id] = w
}

// readCache/cacheRead implement the repeatable-read pin: Manager.Read
// consults these instead of re-resolving DIDX/LOG once an id has been
// observed outside the write set.
func (t *Transaction) readCache(id string) (*readCacheEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.readSet[id]
	return e, ok
}

func (t *Transaction) cacheRead(id string, doc *document.Document, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readSet[id] = &readCacheEntry{doc: doc, found: found}
}

// WriteIDs returns every id currently staged in this transaction's write
// set, and whether that staged write is a delete — used by a
// transaction-aware Find to overlay DIDX's committed id set with this
// transaction's own not-yet-committed writes (read-your-own-writes).
func (t *Transaction) WriteIDs() map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]bool, len(t.WriteSet))
	for id, w := range t.WriteSet {
		out[id] = w.Kind == WriteDelete
	}
	return out
}
