package transaction

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bunbase/docstore/internal/didx"
	"github.com/bunbase/docstore/internal/document"
	"github.com/bunbase/docstore/internal/logstore"
	"github.com/bunbase/docstore/internal/recovery"
	"github.com/bunbase/docstore/internal/sidx"
	"github.com/bunbase/docstore/internal/util"
	"github.com/bunbase/docstore/mvcc"
)

// Manager is the transaction manager for a single collection: it owns
// that collection's commit lock and coordinates writes to LOG, DIDX, and
// every SIDX definition (spec §4.4).
type Manager struct {
	snapshotMgr *mvcc.SnapshotManager
	log         *logstore.Log
	index       *didx.Index
	secondary   map[string]sidx.Index // index name -> structure

	commitMu sync.Mutex // serializes commits within this collection (spec §5)

	mu     sync.Mutex
	active map[uint64]*Transaction
	closed bool
}

// NewTransactionManager builds a Manager over one collection's already-
// open LOG, DIDX, and SIDX set.
func NewTransactionManager(sm *mvcc.SnapshotManager, log *logstore.Log, index *didx.Index, secondary map[string]sidx.Index) *Manager {
	if secondary == nil {
		secondary = make(map[string]sidx.Index)
	}
	return &Manager{
		snapshotMgr: sm,
		log:         log,
		index:       index,
		secondary:   secondary,
		active:      make(map[uint64]*Transaction),
	}
}

// Begin starts a new transaction at the given isolation level, capturing
// a snapshot handle (spec §4.4: "a cheap immutable reference to DIDX's
// state at begin time").
func (m *Manager) Begin(level mvcc.IsolationLevel) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, util.ErrDatabaseClosed
	}

	snap := m.snapshotMgr.Begin(level)
	txn := &Transaction{
		ID:             snap.TxnID,
		Status:         StatusActive,
		IsolationLevel: level,
		Snapshot:       snap,
		WriteSet:       make(map[string]*Write),
		readSet:        make(map[string]*readCacheEntry),
	}
	m.active[txn.ID] = txn
	return txn, nil
}

func (m *Manager) mustBeActive(txn *Transaction) error {
	if txn.Status != StatusActive {
		return util.ErrNoActiveTransaction
	}
	return nil
}

// Write stages an insert or update of doc under id. readVersion/hasRead
// records the version the caller observed before modifying the document
// (omit for a blind insert into a fresh id); it becomes the OCC check at
// commit time. deltas are the SIDX insertions/removals this write implies,
// keyed by index name.
func (m *Manager) Write(txn *Transaction, id string, doc *document.Document, kind WriteKind, readVersion int64, hasReadVersion bool, deltas map[string][]sidx.Delta) error {
	if err := m.mustBeActive(txn); err != nil {
		return err
	}
	txn.stage(id, &Write{
		Kind:           kind,
		Doc:            doc,
		ReadVersion:    readVersion,
		HasReadVersion: hasReadVersion,
		Deltas:         deltas,
	})
	return nil
}

// Delete stages a tombstone for id.
func (m *Manager) Delete(txn *Transaction, id string, readVersion int64, hasReadVersion bool, deltas map[string][]sidx.Delta) error {
	if err := m.mustBeActive(txn); err != nil {
		return err
	}
	txn.stage(id, &Write{
		Kind:           WriteDelete,
		ReadVersion:    readVersion,
		HasReadVersion: hasReadVersion,
		Deltas:         deltas,
	})
	return nil
}

// Read resolves id against the transaction's own write set first (read-
// your-own-writes), then — at RepeatableRead/Serializable — against
// whatever this transaction already observed for id, then falls back to
// DIDX + LOG for the current committed state (ReadCommitted's behavior,
// and RepeatableRead/Serializable's behavior the first time id is read).
// The bool result is false if the document does not exist (either never
// inserted, or deleted within this transaction or before it).
func (m *Manager) Read(txn *Transaction, id string) (*document.Document, bool, error) {
	if err := m.mustBeActive(txn); err != nil {
		return nil, false, err
	}

	txn.mu.Lock()
	w, staged := txn.WriteSet[id]
	txn.mu.Unlock()
	if staged {
		if w.Kind == WriteDelete {
			return nil, false, nil
		}
		return w.Doc, true, nil
	}

	pinned := txn.IsolationLevel >= mvcc.RepeatableRead
	if pinned {
		if cached, ok := txn.readCache(id); ok {
			return cached.doc, cached.found, nil
		}
	}

	entry, ok := m.index.Get(id)
	if !ok {
		if pinned {
			txn.cacheRead(id, nil, false)
		}
		return nil, false, nil
	}
	rec, err := m.log.ReadAt(entry.Offset)
	if err != nil {
		return nil, false, fmt.Errorf("transaction: read %s: %w", id, err)
	}
	doc, err := document.Decode(rec.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("transaction: decode %s: %w", id, err)
	}
	doc.SetVersion(entry.Version)
	if pinned {
		txn.cacheRead(id, doc, true)
	}
	return doc, true, nil
}

// Commit validates the write set against DIDX's current state (OCC),
// then appends every mutation as one atomic log batch and applies the
// DIDX/SIDX deltas, following the seven-step commit discipline of spec
// §4.4.
func (m *Manager) Commit(txn *Transaction) error {
	if err := m.mustBeActive(txn); err != nil {
		return err
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	txn.mu.Lock()
	writes := make(map[string]*Write, len(txn.WriteSet))
	for id, w := range txn.WriteSet {
		writes[id] = w
	}
	txn.mu.Unlock()

	// Step 2: OCC validation against DIDX's current version.
	for id, w := range writes {
		if !w.HasReadVersion {
			continue
		}
		entry, exists := m.index.Get(id)
		switch {
		case !exists && w.Kind != WriteInsert:
			m.abort(txn)
			return util.ErrTransactionConflict
		case exists && entry.Version != w.ReadVersion:
			m.abort(txn)
			return util.ErrTransactionConflict
		}
	}

	if len(writes) == 0 {
		m.snapshotMgr.Commit(txn.ID)
		m.finish(txn, StatusCommitted)
		return nil
	}

	// Steps 3-5: assign versions, build records, encode+append as one batch.
	ids := make([]string, 0, len(writes))
	for id := range writes {
		ids = append(ids, id)
	}

	records := make([]*logstore.Record, 0, len(ids))
	newVersions := make(map[string]int64, len(ids))
	for _, id := range ids {
		w := writes[id]
		current, exists := m.index.Get(id)

		var version int64
		var recType logstore.RecordType
		var payload []byte

		switch w.Kind {
		case WriteInsert:
			version = 1
			recType = logstore.RecordInsert
			enc, err := document.Encode(w.Doc)
			if err != nil {
				m.abort(txn)
				return fmt.Errorf("transaction: encode insert %s: %w", id, err)
			}
			payload = enc
		case WriteUpdate:
			version = current.Version + 1
			if !exists {
				version = 1
			}
			recType = logstore.RecordUpdate
			enc, err := document.Encode(w.Doc)
			if err != nil {
				m.abort(txn)
				return fmt.Errorf("transaction: encode update %s: %w", id, err)
			}
			payload = enc
		case WriteDelete:
			version = current.Version + 1
			recType = logstore.RecordDelete
			payload = nil
		}

		newVersions[id] = version
		records = append(records, &logstore.Record{
			Type:      recType,
			ID:        id,
			Version:   version,
			Payload:   payload,
			Timestamp: nowNanos(),
		})
	}

	batch, err := logstore.EncodeBatch(records)
	if err != nil {
		m.abort(txn)
		return fmt.Errorf("transaction: encode commit batch: %w", err)
	}

	firstOffset, err := m.log.Append(records)
	if err != nil {
		m.abort(txn)
		return fmt.Errorf("transaction: append commit batch: %w", err)
	}
	txn.CommittedBatch = batch

	// Step 6: apply DIDX and SIDX deltas in memory.
	offset := firstOffset
	for i, id := range ids {
		w := writes[id]
		frameLen := recordFrameLen(records[i], m.log)
		switch w.Kind {
		case WriteDelete:
			m.index.Delete(id)
		default:
			m.index.Put(id, didx.Entry{Offset: offset, Version: newVersions[id]})
		}
		offset += frameLen

		for indexName, deltas := range w.Deltas {
			sidxImpl, ok := m.secondary[indexName]
			if !ok {
				continue
			}
			if err := sidxImpl.Apply(deltas); err != nil {
				// A unique-constraint violation surfacing this late is fatal
				// to the commit: LOG/DIDX already reflect it, so the server
				// treats this as a programming error rather than a retriable
				// OCC conflict (the spec requires uniqueness checks to be
				// enforced during staging, before commit reaches this point).
				return fmt.Errorf("transaction: apply sidx deltas for %s: %w", indexName, err)
			}
		}
	}

	m.snapshotMgr.Commit(txn.ID)
	m.finish(txn, StatusCommitted)
	return nil
}

// recordFrameLen re-derives the on-disk frame length of rec the same way
// Append computed it, so DIDX offsets can be advanced without re-reading
// the file.
func recordFrameLen(rec *logstore.Record, log *logstore.Log) logstore.Offset {
	frame, err := logstore.Encode(rec, log.Encryptor())
	if err != nil {
		return 0
	}
	return logstore.Offset(len(frame))
}

// Apply is the replica-side entry point of spec §4.7's APPLY: it replays
// a leader-produced commit batch (already OCC-validated, with _id/
// _version/timestamps fixed) into this collection's LOG/DIDX/SIDX,
// serialized against local commits by the same commit lock Commit uses.
func (m *Manager) Apply(records []*logstore.Record) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	return recovery.Apply(m.log, m.index, m.secondary, records)
}

// Rollback aborts txn, discarding its write set without touching LOG,
// DIDX, or SIDX.
func (m *Manager) Rollback(txn *Transaction) error {
	if err := m.mustBeActive(txn); err != nil {
		return err
	}
	m.abort(txn)
	return nil
}

func (m *Manager) abort(txn *Transaction) {
	m.snapshotMgr.Abort(txn.ID)
	m.finish(txn, StatusAborted)
}

func (m *Manager) finish(txn *Transaction, status Status) {
	txn.mu.Lock()
	txn.Status = status
	txn.mu.Unlock()

	m.mu.Lock()
	delete(m.active, txn.ID)
	m.mu.Unlock()
}

// GetActiveTransactionCount reports how many transactions on this
// collection are currently open.
func (m *Manager) GetActiveTransactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Close aborts every still-open transaction and marks the manager closed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, txn := range m.active {
		m.snapshotMgr.Abort(txn.ID)
		txn.mu.Lock()
		txn.Status = StatusAborted
		txn.mu.Unlock()
	}
	m.active = make(map[uint64]*Transaction)
	return nil
}

var nanoCounter uint64

// nowNanos stamps a freshly-created local record with a monotonically
// increasing logical clock rather than wall-clock time, so determinism
// holds even across commits within the same clock tick; APPLY (replaying
// a replicated batch) must instead reuse the batch's original timestamps
// and never call this (spec §4.7).
func nowNanos() int64 {
	return int64(atomic.AddUint64(&nanoCounter, 1))
}
