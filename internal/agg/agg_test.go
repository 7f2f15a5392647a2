package agg

import (
	"testing"

	"github.com/bunbase/docstore/internal/document"
)

func doc(t *testing.T, src map[string]interface{}) *document.Document {
	t.Helper()
	v, err := document.FromAny(src)
	if err != nil {
		t.Fatalf("FromAny: %v", err)
	}
	return v.AsObject()
}

func val(t *testing.T, src interface{}) document.Value {
	t.Helper()
	v, err := document.FromAny(src)
	if err != nil {
		t.Fatalf("FromAny: %v", err)
	}
	return v
}

func TestPipelineMatchSortLimit(t *testing.T) {
	docs := []*document.Document{
		doc(t, map[string]interface{}{"region": "east", "amount": 10}),
		doc(t, map[string]interface{}{"region": "west", "amount": 50}),
		doc(t, map[string]interface{}{"region": "east", "amount": 30}),
	}
	stages := val(t, []interface{}{
		map[string]interface{}{"$match": map[string]interface{}{"region": "east"}},
		map[string]interface{}{"$sort": map[string]interface{}{"amount": -1}},
		map[string]interface{}{"$limit": 1},
	})
	p, err := Compile(stages.AsArray())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	out, err := p.Run(docs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 doc, got %d", len(out))
	}
	v, _ := document.GetPath(out[0], "amount")
	if v.AsInt() != 30 {
		t.Fatalf("expected amount=30, got %v", v)
	}
}

func TestGroupSumAndCount(t *testing.T) {
	docs := []*document.Document{
		doc(t, map[string]interface{}{"region": "east", "amount": 10}),
		doc(t, map[string]interface{}{"region": "east", "amount": 20}),
		doc(t, map[string]interface{}{"region": "west", "amount": 5}),
	}
	stages := val(t, []interface{}{
		map[string]interface{}{"$group": map[string]interface{}{
			"_id":   map[string]interface{}{"$field": "region"},
			"total": map[string]interface{}{"$sum": "$amount"},
			"n":     map[string]interface{}{"$count": "$amount"},
		}},
	})
	p, err := Compile(stages.AsArray())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	out, err := p.Run(docs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(out))
	}
	found := map[string]int64{}
	counts := map[string]int64{}
	for _, d := range out {
		id, _ := d.Get("_id")
		total, _ := d.Get("total")
		found[id.AsString()] = total.AsInt()
		n, _ := d.Get("n")
		counts[id.AsString()] = n.AsInt()
	}
	if found["east"] != 30 || found["west"] != 5 {
		t.Fatalf("unexpected group totals: %+v", found)
	}
	if counts["east"] != 2 || counts["west"] != 1 {
		t.Fatalf("unexpected group counts: %+v", counts)
	}
}

func TestUnwind(t *testing.T) {
	d := doc(t, map[string]interface{}{"tags": []interface{}{"a", "b"}})
	p, err := Compile(val(t, []interface{}{
		map[string]interface{}{"$unwind": "$tags"},
	}).AsArray())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	out, err := p.Run([]*document.Document{d})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(out))
	}
}

func TestApplyUpdateOperators(t *testing.T) {
	d := doc(t, map[string]interface{}{"name": "alice", "age": 30, "tags": []interface{}{"x"}})
	update := doc(t, map[string]interface{}{
		"$set":    map[string]interface{}{"name": "bob"},
		"$inc":    map[string]interface{}{"age": 1},
		"$push":   map[string]interface{}{"tags": "y"},
		"$rename": map[string]interface{}{"name": "full_name"},
	})
	out, err := ApplyUpdate(d, update)
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	name, ok := out.Get("full_name")
	if !ok || name.AsString() != "bob" {
		t.Fatalf("expected full_name=bob, got %v ok=%v", name, ok)
	}
	age, _ := out.Get("age")
	if age.AsInt() != 31 {
		t.Fatalf("expected age=31, got %v", age)
	}
	tags, _ := out.Get("tags")
	if len(tags.AsArray()) != 2 {
		t.Fatalf("expected 2 tags, got %v", tags)
	}
	if _, ok := d.Get("full_name"); ok {
		t.Fatalf("ApplyUpdate must not mutate the original document")
	}
}
