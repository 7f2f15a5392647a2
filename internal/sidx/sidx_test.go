package sidx

import (
	"path/filepath"
	"testing"

	"github.com/bunbase/docstore/internal/document"
)

func TestEqualityIndexApplyAndLookup(t *testing.T) {
	def := Definition{Name: "by_status", Kind: KindEquality, Fields: []string{"status"}}
	idx := NewEqualityIndex(def)

	deltas := []Delta{
		{Op: OpInsert, Values: []document.Value{document.String("active")}, ID: "a1"},
		{Op: OpInsert, Values: []document.Value{document.String("active")}, ID: "a2"},
	}
	if err := idx.Apply(deltas); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got := idx.Lookup([]document.Value{document.String("active")})
	if len(got) != 2 {
		t.Fatalf("expected 2 ids, got %v", got)
	}

	if err := idx.Apply([]Delta{{Op: OpRemove, Values: []document.Value{document.String("active")}, ID: "a1"}}); err != nil {
		t.Fatalf("Apply remove: %v", err)
	}
	got = idx.Lookup([]document.Value{document.String("active")})
	if len(got) != 1 || got[0] != "a2" {
		t.Fatalf("expected only a2 remaining, got %v", got)
	}
}

func TestUniqueIndexRejectsDuplicate(t *testing.T) {
	def := Definition{Name: "by_email", Kind: KindUnique, Fields: []string{"email"}}
	idx := NewEqualityIndex(def)

	if err := idx.Apply([]Delta{{Op: OpInsert, Values: []document.Value{document.String("a@x.com")}, ID: "u1"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	err := idx.Apply([]Delta{{Op: OpInsert, Values: []document.Value{document.String("a@x.com")}, ID: "u2"}})
	if err != ErrDuplicateKey {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestRangeIndexScan(t *testing.T) {
	dir := t.TempDir()
	def := Definition{Name: "by_age", Kind: KindRange, Fields: []string{"age"}}
	idx, err := NewRangeIndex(def, filepath.Join(dir, "by_age.dat"), nil)
	if err != nil {
		t.Fatalf("NewRangeIndex: %v", err)
	}
	defer idx.Close()

	ages := []int64{30, 20, 40, 25}
	for i, age := range ages {
		d := Delta{Op: OpInsert, Values: []document.Value{document.Int(age)}, ID: string(rune('a' + i))}
		if err := idx.Apply([]Delta{d}); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	ids, err := idx.Range([]document.Value{document.Int(20)}, []document.Value{document.Int(30)})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids in [20,30], got %v", ids)
	}
}

func TestVectorIndexSearch(t *testing.T) {
	def := Definition{Name: "by_embedding", Kind: KindVector, Fields: []string{"embedding"}, VectorDim: 2, VectorMetric: MetricCosine}
	idx := NewVectorIndex(def)

	vecs := map[string][]float64{
		"v1": {1, 0},
		"v2": {0, 1},
		"v3": {1, 0.01},
	}
	for id, v := range vecs {
		arr := make([]document.Value, len(v))
		for i, f := range v {
			arr[i] = document.Float(f)
		}
		if err := idx.Apply([]Delta{{Op: OpInsert, Values: []document.Value{document.Array(arr)}, ID: id}}); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	results, err := idx.Search([]float64{1, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected top-2, got %d", len(results))
	}
	if results[0].ID != "v1" && results[0].ID != "v3" {
		t.Fatalf("expected v1 or v3 as nearest to [1,0], got %s", results[0].ID)
	}
}
