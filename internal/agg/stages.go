package agg

import (
	"fmt"

	"github.com/bunbase/docstore/internal/document"
	"github.com/bunbase/docstore/internal/query"
)

type matchStage struct{ node query.Node }

func (s *matchStage) Run(in []*document.Document) ([]*document.Document, error) {
	out := make([]*document.Document, 0, len(in))
	for _, d := range in {
		if s.node.Matches(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

type sortStage struct{ specs []query.SortSpec }

func (s *sortStage) Run(in []*document.Document) ([]*document.Document, error) {
	out := append([]*document.Document(nil), in...)
	query.SortDocuments(out, s.specs)
	return out, nil
}

type limitStage struct{ n int }

func (s *limitStage) Run(in []*document.Document) ([]*document.Document, error) {
	if s.n < 0 {
		return nil, fmt.Errorf("$limit must be non-negative")
	}
	if s.n >= len(in) {
		return in, nil
	}
	return in[:s.n], nil
}

type skipStage struct{ n int }

func (s *skipStage) Run(in []*document.Document) ([]*document.Document, error) {
	if s.n < 0 {
		return nil, fmt.Errorf("$skip must be non-negative")
	}
	if s.n >= len(in) {
		return nil, nil
	}
	return in[s.n:], nil
}

// projectStage keeps or drops fields per a {field: 0|1} spec. Inclusion and
// exclusion may not be mixed, except that _id may always be explicitly
// excluded from an inclusion projection (matches the original system's
// $project semantics).
type projectStage struct {
	include  bool
	fields   []string
	excludeID bool
}

func newProjectStage(spec *document.Document) (*projectStage, error) {
	p := &projectStage{}
	sawInclude, sawExclude := false, false
	for _, f := range spec.Keys() {
		v, _ := spec.Get(f)
		on := v.AsBool()
		if n, ok := v.Numeric(); ok {
			on = n != 0
		}
		if f == "_id" && !on {
			p.excludeID = true
			continue
		}
		if on {
			sawInclude = true
		} else {
			sawExclude = true
		}
		p.fields = append(p.fields, f)
	}
	if sawInclude && sawExclude {
		return nil, fmt.Errorf("$project cannot mix inclusion and exclusion")
	}
	p.include = sawInclude || len(p.fields) == 0
	return p, nil
}

func (s *projectStage) Run(in []*document.Document) ([]*document.Document, error) {
	out := make([]*document.Document, len(in))
	for i, d := range in {
		nd := document.NewDocument()
		if s.include {
			for _, f := range s.fields {
				if v, ok := document.GetPath(d, f); ok {
					document.SetPath(nd, f, v)
				}
			}
			if !s.excludeID {
				if v, ok := d.Get("_id"); ok {
					nd.Set("_id", v)
				}
			}
		} else {
			nd = d.DeepCopy()
			for _, f := range s.fields {
				document.UnsetPath(nd, f)
			}
			if s.excludeID {
				nd.Delete("_id")
			}
		}
		out[i] = nd
	}
	return out, nil
}

// addFieldsStage computes and merges new fields onto every document,
// without dropping existing ones (spec §4.6 $addFields). Values in the
// spec are taken literally, except for {"$field": "path"} which copies
// another field's value — this is the minimal expression sublanguage the
// original distillation names; full aggregation-expression operators
// ($add, $concat, ...) are out of scope per spec Non-goals.
type addFieldsStage struct{ spec *document.Document }

func (s *addFieldsStage) Run(in []*document.Document) ([]*document.Document, error) {
	out := make([]*document.Document, len(in))
	for i, d := range in {
		nd := d.DeepCopy()
		for _, f := range s.spec.Keys() {
			v, _ := s.spec.Get(f)
			document.SetPath(nd, f, resolveExpr(v, d))
		}
		out[i] = nd
	}
	return out, nil
}

func resolveExpr(expr document.Value, doc *document.Document) document.Value {
	if expr.Kind() == document.KindObject && expr.AsObject().Len() == 1 {
		if fieldRef, ok := expr.AsObject().Get("$field"); ok && fieldRef.Kind() == document.KindString {
			if v, ok := document.GetPath(doc, fieldRef.AsString()); ok {
				return v
			}
			return document.Null()
		}
	}
	return expr
}

// unwindStage explodes an array field into one output document per element,
// each carrying that element as the field's value (spec §4.6 $unwind). A
// document whose field is missing, empty, or not an array is dropped.
type unwindStage struct{ field string }

func newUnwindStage(arg document.Value) (*unwindStage, error) {
	path, ok := arg.ToAny().(string)
	if !ok {
		return nil, fmt.Errorf("$unwind requires a string field path")
	}
	path = trimDollar(path)
	return &unwindStage{field: path}, nil
}

func trimDollar(s string) string {
	if len(s) > 0 && s[0] == '$' {
		return s[1:]
	}
	return s
}

func (s *unwindStage) Run(in []*document.Document) ([]*document.Document, error) {
	var out []*document.Document
	for _, d := range in {
		v, ok := document.GetPath(d, s.field)
		if !ok || v.Kind() != document.KindArray || len(v.AsArray()) == 0 {
			continue
		}
		for _, elem := range v.AsArray() {
			nd := d.DeepCopy()
			document.SetPath(nd, s.field, elem)
			out = append(out, nd)
		}
	}
	return out, nil
}

// countStage replaces the pipeline's input with a single document
// {field: N} holding the input's document count (spec §4.6 $count).
type countStage struct{ field string }

func (s *countStage) Run(in []*document.Document) ([]*document.Document, error) {
	d := document.NewDocument()
	d.Set(s.field, document.Int(int64(len(in))))
	return []*document.Document{d}, nil
}

// groupStage implements $group: bucket documents by a (possibly compound)
// _id expression and compute accumulators over each bucket.
type groupStage struct {
	idSpec       document.Value // literal, {"$field":"path"}, or object of such
	accumulators map[string]accumulatorSpec
}

type accumulatorSpec struct {
	op    string // $sum, $avg, $min, $max, $count
	field string // "" for $count
}

func newGroupStage(spec *document.Document) (*groupStage, error) {
	idv, ok := spec.Get("_id")
	if !ok {
		return nil, fmt.Errorf("$group requires an _id expression")
	}
	g := &groupStage{idSpec: idv, accumulators: map[string]accumulatorSpec{}}
	for _, key := range spec.Keys() {
		if key == "_id" {
			continue
		}
		v, _ := spec.Get(key)
		if v.Kind() != document.KindObject || v.AsObject().Len() != 1 {
			return nil, fmt.Errorf("$group accumulator %q must be a single-key object", key)
		}
		opName := v.AsObject().Keys()[0]
		operand, _ := v.AsObject().Get(opName)
		spec := accumulatorSpec{op: opName}
		if opName != "$count" {
			f, ok := operand.ToAny().(string)
			if !ok {
				return nil, fmt.Errorf("$group accumulator %q needs a field operand", key)
			}
			spec.field = trimDollar(f)
		}
		g.accumulators[key] = spec
	}
	return g, nil
}

type bucket struct {
	id     document.Value
	docs   []*document.Document
}

func (s *groupStage) Run(in []*document.Document) ([]*document.Document, error) {
	order := []string{}
	buckets := map[string]*bucket{}
	for _, d := range in {
		idVal := resolveExpr(s.idSpec, d)
		key := idVal.String() + "|" + fmt.Sprintf("%v", idVal.ToAny())
		b, ok := buckets[key]
		if !ok {
			b = &bucket{id: idVal}
			buckets[key] = b
			order = append(order, key)
		}
		b.docs = append(b.docs, d)
	}

	// Output order follows first-seen bucket order: the original
	// distillation is silent on $group ordering, and this matches how the
	// teacher's planner preserves scan order elsewhere.
	out := make([]*document.Document, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		nd := document.NewDocument()
		nd.Set("_id", b.id)
		for outField, acc := range s.accumulators {
			nd.Set(outField, computeAccumulator(acc, b.docs))
		}
		out = append(out, nd)
	}
	return out, nil
}

func computeAccumulator(acc accumulatorSpec, docs []*document.Document) document.Value {
	switch acc.op {
	case "$count":
		return document.Int(int64(len(docs)))
	case "$sum":
		var sum float64
		allInt := true
		for _, d := range docs {
			v, ok := document.GetPath(d, acc.field)
			if !ok {
				continue
			}
			n, ok := v.Numeric()
			if !ok {
				continue
			}
			if v.Kind() != document.KindInt {
				allInt = false
			}
			sum += n
		}
		if allInt {
			return document.Int(int64(sum))
		}
		return document.Float(sum)
	case "$avg":
		var sum float64
		var count int
		for _, d := range docs {
			v, ok := document.GetPath(d, acc.field)
			if !ok {
				continue
			}
			n, ok := v.Numeric()
			if !ok {
				continue
			}
			sum += n
			count++
		}
		if count == 0 {
			return document.Null()
		}
		return document.Float(sum / float64(count))
	case "$min", "$max":
		var best document.Value
		haveBest := false
		for _, d := range docs {
			v, ok := document.GetPath(d, acc.field)
			if !ok {
				continue
			}
			if !haveBest {
				best, haveBest = v, true
				continue
			}
			c := document.Compare(v, best)
			if (acc.op == "$min" && c < 0) || (acc.op == "$max" && c > 0) {
				best = v
			}
		}
		if !haveBest {
			return document.Null()
		}
		return best
	default:
		return document.Null()
	}
}
