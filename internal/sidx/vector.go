package sidx

import (
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/bunbase/docstore/internal/document"
	"github.com/bunbase/docstore/internal/util"
)

// VectorIndex is a flat store of (id, dim-element vector) pairs searched
// by exact brute force under the chosen metric (spec §4.3). gonum's
// floats package supplies the dot-product and distance primitives; at the
// scale this index targets (ANN only matters past low-millions of
// vectors, out of scope here) brute force is the honest, simplest-correct
// implementation the spec explicitly sanctions.
type VectorIndex struct {
	def Definition

	mu      sync.RWMutex
	vectors map[string][]float64
}

func NewVectorIndex(def Definition) *VectorIndex {
	return &VectorIndex{def: def, vectors: make(map[string][]float64)}
}

func (idx *VectorIndex) Definition() Definition { return idx.def }

func valuesToVector(values []document.Value, dim int) ([]float64, error) {
	if len(values) != 1 || values[0].Kind() != document.KindArray {
		return nil, fmt.Errorf("sidx: vector index field must hold an array")
	}
	arr := values[0].AsArray()
	if len(arr) != dim {
		return nil, fmt.Errorf("%w: expected %d, got %d", util.ErrDimensionMismatch, dim, len(arr))
	}
	out := make([]float64, dim)
	for i, v := range arr {
		f, ok := v.Numeric()
		if !ok {
			return nil, fmt.Errorf("sidx: vector element %d is not numeric", i)
		}
		out[i] = f
	}
	return out, nil
}

func (idx *VectorIndex) Apply(deltas []Delta) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, d := range deltas {
		switch d.Op {
		case OpInsert:
			vec, err := valuesToVector(d.Values, idx.def.VectorDim)
			if err != nil {
				return err
			}
			idx.vectors[d.ID] = vec
		case OpRemove:
			delete(idx.vectors, d.ID)
		}
	}
	return nil
}

// Neighbor is one search result: a document id and its similarity score
// under the index's configured metric.
type Neighbor struct {
	ID    string
	Score float64
}

// Search returns the top-k nearest neighbors to query by the index's
// metric, ordered by descending similarity (spec §4.3).
func (idx *VectorIndex) Search(query []float64, k int) ([]Neighbor, error) {
	if len(query) != idx.def.VectorDim {
		return nil, fmt.Errorf("%w: query has %d dims, index has %d", util.ErrDimensionMismatch, len(query), idx.def.VectorDim)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	scored := make([]Neighbor, 0, len(idx.vectors))
	for id, vec := range idx.vectors {
		scored = append(scored, Neighbor{ID: id, Score: idx.similarity(query, vec)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k < len(scored) {
		scored = scored[:k]
	}
	return scored, nil
}

func (idx *VectorIndex) similarity(a, b []float64) float64 {
	switch idx.def.VectorMetric {
	case MetricEuclidean:
		d := floats.Distance(a, b, 2)
		return 1 / (1 + d)
	case MetricDot:
		return floats.Dot(a, b)
	case MetricCosine:
		fallthrough
	default:
		dist := cosineDistance(a, b)
		return 1 - dist/2
	}
}

// cosineDistance returns 1 - cosine_similarity(a, b), in [0, 2].
func cosineDistance(a, b []float64) float64 {
	dot := floats.Dot(a, b)
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 1
	}
	cos := dot / (na * nb)
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	return 1 - cos
}

func (idx *VectorIndex) Close() error { return nil }
