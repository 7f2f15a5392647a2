// Package sidx implements docstore's secondary indexes (SIDX): structures
// that accelerate queries and enforce uniqueness over a collection's live
// documents. Four kinds are supported — Equality, Range/Composite, Unique,
// and Vector — matching spec §4.3.
//
// Range and Composite indexes are grounded in and reuse the teacher's
// on-disk storage.BPlusTree (buffer pool + pager), repurposed here as the
// ordered structure behind one index definition rather than as the
// database's primary store. Equality and Unique are plain concurrent
// hashmaps, matching the spec's "hash map value -> set<id>" structure
// directly. Vector is a brute-force flat scan using gonum for the
// distance metrics, matching the spec's explicit allowance that "if an
// index implementation uses approximate search, the contract remains
// exact top-k".
package sidx

import (
	"github.com/bunbase/docstore/internal/document"
	"github.com/bunbase/docstore/internal/util"
)

// Kind identifies which structure backs an index definition.
type Kind string

const (
	KindEquality Kind = "equality"
	KindRange    Kind = "range"
	KindUnique   Kind = "unique"
	KindVector   Kind = "vector"
)

// VectorMetric identifies the distance/similarity function a vector index
// uses for search (spec §4.3).
type VectorMetric string

const (
	MetricCosine    VectorMetric = "cosine"
	MetricEuclidean VectorMetric = "euclidean"
	MetricDot       VectorMetric = "dot"
)

// Definition describes one secondary index: its name, kind, and the
// field(s) it indexes. Fields has len 1 for a simple Equality/Range/
// Unique/Vector index and len > 1 for a Composite index.
type Definition struct {
	Name         string       `json:"name"`
	Kind         Kind         `json:"kind"`
	Fields       []string     `json:"fields"`
	VectorDim    int          `json:"vector_dim,omitempty"`
	VectorMetric VectorMetric `json:"vector_metric,omitempty"`
}

// Op identifies a single SIDX delta the transaction manager applies at
// commit time (spec §4.3 "Update protocol").
type Op uint8

const (
	OpInsert Op = iota
	OpRemove
)

// Delta is one (index, op, key-values, id) mutation to apply to an index.
type Delta struct {
	Op     Op
	Values []document.Value // the field value(s) the key is derived from
	ID     string
}

// Index is the common interface every SIDX structure implements. Apply is
// called under the collection's commit lock, after OCC validation has
// passed, so it must not itself fail for concurrency reasons — only for
// genuine constraint violations (DuplicateKey on a Unique index).
type Index interface {
	Definition() Definition
	Apply(deltas []Delta) error
	Close() error
}

// BuildKeyValues extracts the field values a document contributes to an
// index's key, in field order. Returns ok=false if any field is absent
// (the document does not participate in this index).
func BuildKeyValues(doc *document.Document, fields []string) ([]document.Value, bool) {
	vals := make([]document.Value, len(fields))
	for i, f := range fields {
		v, ok := document.GetPath(doc, f)
		if !ok {
			return nil, false
		}
		vals[i] = v
	}
	return vals, true
}

// ErrDuplicateKey is returned by a Unique index's Apply when an insert
// would violate the |set| <= 1 constraint.
var ErrDuplicateKey = util.ErrDuplicateKey
