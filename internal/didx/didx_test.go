package didx

import "testing"

func TestIndexPutGetDelete(t *testing.T) {
	idx := New()

	if _, ok := idx.Get("a1"); ok {
		t.Fatalf("expected missing entry")
	}

	idx.Put("a1", Entry{Offset: 10, Version: 1})
	e, ok := idx.Get("a1")
	if !ok || e.Offset != 10 || e.Version != 1 {
		t.Fatalf("unexpected entry: %+v ok=%v", e, ok)
	}

	idx.Put("a1", Entry{Offset: 50, Version: 2})
	e, ok = idx.Get("a1")
	if !ok || e.Offset != 50 || e.Version != 2 {
		t.Fatalf("expected overwritten entry, got %+v", e)
	}

	idx.Delete("a1")
	if _, ok := idx.Get("a1"); ok {
		t.Fatalf("expected entry removed after Delete")
	}
}

func TestIndexLenAndSnapshot(t *testing.T) {
	idx := New()
	idx.Put("a1", Entry{Offset: 0, Version: 1})
	idx.Put("a2", Entry{Offset: 20, Version: 1})

	if idx.Len() != 2 {
		t.Fatalf("expected Len 2, got %d", idx.Len())
	}

	snap := idx.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected snapshot of 2, got %d", len(snap))
	}
	idx.Put("a3", Entry{Offset: 40, Version: 1})
	if len(snap) != 2 {
		t.Fatalf("snapshot must not observe later mutations")
	}
}

func TestIndexClear(t *testing.T) {
	idx := New()
	idx.Put("a1", Entry{Offset: 0, Version: 1})
	idx.Clear()
	if idx.Len() != 0 {
		t.Fatalf("expected empty index after Clear")
	}
}
