package query

import (
	"testing"

	"github.com/bunbase/docstore/internal/document"
	"github.com/bunbase/docstore/internal/sidx"
)

func mustParse(t *testing.T, src map[string]interface{}) Node {
	t.Helper()
	v, err := document.FromAny(src)
	if err != nil {
		t.Fatalf("FromAny: %v", err)
	}
	n, err := Parse(v.AsObject())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return n
}

func docFrom(t *testing.T, src map[string]interface{}) *document.Document {
	t.Helper()
	v, err := document.FromAny(src)
	if err != nil {
		t.Fatalf("FromAny: %v", err)
	}
	return v.AsObject()
}

func TestParseEqualityAndComparison(t *testing.T) {
	doc1 := docFrom(t, map[string]interface{}{"role": "admin", "age": 30})
	doc2 := docFrom(t, map[string]interface{}{"role": "user", "age": 25})

	eq := mustParse(t, map[string]interface{}{"role": "admin"})
	if !eq.Matches(doc1) || eq.Matches(doc2) {
		t.Fatalf("equality match failed")
	}

	gt := mustParse(t, map[string]interface{}{"age": map[string]interface{}{"$gt": 25}})
	if !gt.Matches(doc1) || gt.Matches(doc2) {
		t.Fatalf("$gt match failed")
	}

	and := mustParse(t, map[string]interface{}{
		"role": "admin",
		"age":  map[string]interface{}{"$gt": 20},
	})
	if !and.Matches(doc1) || and.Matches(doc2) {
		t.Fatalf("implicit $and match failed")
	}
}

func TestParseInNinExistsNot(t *testing.T) {
	doc := docFrom(t, map[string]interface{}{"status": "active", "tags": []interface{}{"x"}})

	in := mustParse(t, map[string]interface{}{"status": map[string]interface{}{"$in": []interface{}{"active", "paused"}}})
	if !in.Matches(doc) {
		t.Fatalf("$in should match")
	}

	nin := mustParse(t, map[string]interface{}{"status": map[string]interface{}{"$nin": []interface{}{"deleted"}}})
	if !nin.Matches(doc) {
		t.Fatalf("$nin should match")
	}

	exists := mustParse(t, map[string]interface{}{"missing_field": map[string]interface{}{"$exists": false}})
	if !exists.Matches(doc) {
		t.Fatalf("$exists:false should match an absent field")
	}

	not := mustParse(t, map[string]interface{}{"$not": map[string]interface{}{"status": "inactive"}})
	if !not.Matches(doc) {
		t.Fatalf("$not should match when inner query fails")
	}
}

func TestOrAndNestedPath(t *testing.T) {
	doc := docFrom(t, map[string]interface{}{
		"address": map[string]interface{}{"city": "nyc"},
	})
	n := mustParse(t, map[string]interface{}{
		"$or": []interface{}{
			map[string]interface{}{"address.city": "sf"},
			map[string]interface{}{"address.city": "nyc"},
		},
	})
	if !n.Matches(doc) {
		t.Fatalf("$or over nested path should match")
	}
}

func TestPlanQuerySelectsEqualityIndex(t *testing.T) {
	n := mustParse(t, map[string]interface{}{"status": "active"})
	defs := map[string]sidx.Definition{
		"by_status": {Name: "by_status", Kind: sidx.KindEquality, Fields: []string{"status"}},
	}
	plan := PlanQuery(n, defs)
	if plan.Kind != PlanEquality || plan.IndexName != "by_status" {
		t.Fatalf("expected equality plan on by_status, got %+v", plan)
	}
}

func TestPlanQueryFallsBackToFullScan(t *testing.T) {
	n := mustParse(t, map[string]interface{}{"unindexed_field": "x"})
	plan := PlanQuery(n, map[string]sidx.Definition{})
	if plan.Kind != PlanFullScan {
		t.Fatalf("expected full scan, got %+v", plan)
	}
}

func TestSortDocumentsStable(t *testing.T) {
	docs := []*document.Document{
		docFrom(t, map[string]interface{}{"n": 3}),
		docFrom(t, map[string]interface{}{"n": 1}),
		docFrom(t, map[string]interface{}{"n": 2}),
	}
	SortDocuments(docs, []SortSpec{{Field: "n"}})
	for i, want := range []int64{1, 2, 3} {
		v, _ := document.GetPath(docs[i], "n")
		if v.AsInt() != want {
			t.Fatalf("expected sorted order, got %v at %d", v, i)
		}
	}
}
