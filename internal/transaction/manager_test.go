package transaction

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bunbase/docstore/internal/didx"
	"github.com/bunbase/docstore/internal/document"
	"github.com/bunbase/docstore/internal/logstore"
	"github.com/bunbase/docstore/internal/sidx"
	"github.com/bunbase/docstore/mvcc"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	log, err := logstore.Open(filepath.Join(dir, "data.log"), nil)
	if err != nil {
		t.Fatalf("logstore.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	sm := mvcc.NewSnapshotManager()
	idx := didx.New()
	return NewTransactionManager(sm, log, idx, nil)
}

func docWithID(id string) *document.Document {
	d := document.NewDocument()
	d.SetID(id)
	d.Set("value", document.String("v"))
	return d
}

func TestTransactionBeginCommit(t *testing.T) {
	tm := newTestManager(t)
	defer tm.Close()

	txn, err := tm.Begin(mvcc.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if txn.ID == 0 {
		t.Error("transaction ID should be non-zero")
	}
	if txn.Status != StatusActive {
		t.Error("new transaction should be active")
	}

	if err := tm.Write(txn, "key1", docWithID("key1"), WriteInsert, 0, false, nil); err != nil {
		t.Fatalf("Write key1: %v", err)
	}
	if err := tm.Write(txn, "key2", docWithID("key2"), WriteInsert, 0, false, nil); err != nil {
		t.Fatalf("Write key2: %v", err)
	}

	if len(txn.WriteSet) != 2 {
		t.Errorf("expected 2 writes, got %d", len(txn.WriteSet))
	}

	if err := tm.Commit(txn); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if txn.Status != StatusCommitted {
		t.Error("transaction should be committed")
	}
	if count := tm.GetActiveTransactionCount(); count != 0 {
		t.Errorf("expected 0 active transactions, got %d", count)
	}
}

func TestTransactionRollback(t *testing.T) {
	tm := newTestManager(t)
	defer tm.Close()

	txn, err := tm.Begin(mvcc.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tm.Write(txn, "key1", docWithID("key1"), WriteInsert, 0, false, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tm.Rollback(txn); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if txn.Status != StatusAborted {
		t.Error("transaction should be aborted")
	}
}

func TestConcurrentTransactions(t *testing.T) {
	tm := newTestManager(t)
	defer tm.Close()

	const numTxns = 10
	done := make(chan bool, numTxns)
	errs := make(chan error, numTxns)

	for i := 0; i < numTxns; i++ {
		go func(i int) {
			txn, err := tm.Begin(mvcc.ReadCommitted)
			if err != nil {
				errs <- err
				done <- false
				return
			}
			id := string(rune('a' + i))
			if err := tm.Write(txn, id, docWithID(id), WriteInsert, 0, false, nil); err != nil {
				errs <- err
				done <- false
				return
			}
			time.Sleep(5 * time.Millisecond)
			if err := tm.Commit(txn); err != nil {
				errs <- err
				done <- false
				return
			}
			done <- true
		}(i)
	}

	success := 0
	for i := 0; i < numTxns; i++ {
		select {
		case ok := <-done:
			if ok {
				success++
			}
		case err := <-errs:
			t.Errorf("transaction error: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for transactions")
		}
	}
	if success != numTxns {
		t.Errorf("expected %d successful transactions, got %d", numTxns, success)
	}
	if count := tm.GetActiveTransactionCount(); count != 0 {
		t.Errorf("expected 0 active transactions, got %d", count)
	}
}

func TestIsolationLevels(t *testing.T) {
	tm := newTestManager(t)
	defer tm.Close()

	levels := []mvcc.IsolationLevel{
		mvcc.ReadUncommitted,
		mvcc.ReadCommitted,
		mvcc.RepeatableRead,
		mvcc.Serializable,
	}
	for _, level := range levels {
		txn, err := tm.Begin(level)
		if err != nil {
			t.Errorf("Begin(%v): %v", level, err)
			continue
		}
		if txn.IsolationLevel != level {
			t.Errorf("expected isolation level %v, got %v", level, txn.IsolationLevel)
		}
		tm.Rollback(txn)
	}
}

func TestReadOwnWrites(t *testing.T) {
	tm := newTestManager(t)
	defer tm.Close()

	txn, err := tm.Begin(mvcc.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	doc := docWithID("test_key")
	if err := tm.Write(txn, "test_key", doc, WriteInsert, 0, false, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, ok, err := tm.Read(txn, "test_key")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !ok {
		t.Fatalf("expected to read own write")
	}
	if v, _ := got.Get("value"); v.AsString() != "v" {
		t.Errorf("unexpected value: %v", v)
	}

	tm.Rollback(txn)
}

func TestOCCConflictOnStaleReadVersion(t *testing.T) {
	tm := newTestManager(t)
	defer tm.Close()

	txn1, _ := tm.Begin(mvcc.ReadCommitted)
	if err := tm.Write(txn1, "id1", docWithID("id1"), WriteInsert, 0, false, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tm.Commit(txn1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	txn2, _ := tm.Begin(mvcc.ReadCommitted)
	// Stage an update claiming to have read version 1, but first bump the
	// document out from under it via a second transaction.
	txn3, _ := tm.Begin(mvcc.ReadCommitted)
	if err := tm.Write(txn3, "id1", docWithID("id1"), WriteUpdate, 1, true, nil); err != nil {
		t.Fatalf("Write txn3: %v", err)
	}
	if err := tm.Commit(txn3); err != nil {
		t.Fatalf("Commit txn3: %v", err)
	}

	if err := tm.Write(txn2, "id1", docWithID("id1"), WriteUpdate, 1, true, nil); err != nil {
		t.Fatalf("Write txn2: %v", err)
	}
	err := tm.Commit(txn2)
	if err == nil {
		t.Fatalf("expected OCC conflict, got nil")
	}
	if txn2.Status != StatusAborted {
		t.Errorf("expected txn2 aborted after conflict, got %v", txn2.Status)
	}
}

func BenchmarkTransactionCommit(b *testing.B) {
	dir := b.TempDir()
	log, err := logstore.Open(filepath.Join(dir, "data.log"), nil)
	if err != nil {
		b.Fatalf("logstore.Open: %v", err)
	}
	defer log.Close()

	tm := NewTransactionManager(mvcc.NewSnapshotManager(), log, didx.New(), map[string]sidx.Index{})
	defer tm.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		txn, _ := tm.Begin(mvcc.ReadCommitted)
		tm.Write(txn, "key", docWithID("key"), WriteUpdate, 0, false, nil)
		tm.Commit(txn)
	}
}
