package mvcc

import "testing"

func TestSnapshotManagerBeginCommit(t *testing.T) {
	sm := NewSnapshotManager()

	s1 := sm.Begin(ReadCommitted)
	if s1.TxnID == 0 {
		t.Fatalf("expected non-zero txn id")
	}
	if sm.ActiveCount() != 1 {
		t.Fatalf("expected 1 active txn, got %d", sm.ActiveCount())
	}

	s2 := sm.Begin(Serializable)
	if s2.TxnID == s1.TxnID {
		t.Fatalf("expected distinct txn ids")
	}
	var foundActive bool
	for _, id := range s2.ActiveTxns {
		if id == s1.TxnID {
			foundActive = true
		}
	}
	if !foundActive {
		t.Fatalf("expected s1's txn id to be recorded as active in s2's snapshot")
	}

	sm.Commit(s1.TxnID)
	if sm.ActiveCount() != 1 {
		t.Fatalf("expected 1 active txn after commit, got %d", sm.ActiveCount())
	}

	sm.Abort(s2.TxnID)
	if sm.ActiveCount() != 0 {
		t.Fatalf("expected 0 active txns after abort, got %d", sm.ActiveCount())
	}
}
