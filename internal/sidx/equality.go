package sidx

import (
	"sync"

	"github.com/bunbase/docstore/internal/document"
)

// EqualityIndex is a hash map from an encoded key to the set of document
// ids holding that key (spec §4.3: "Equality: hash map value -> set<id>").
// A UniqueIndex is the same structure with the set size constrained to 1.
type EqualityIndex struct {
	def    Definition
	unique bool

	mu   sync.RWMutex
	sets map[string]map[string]struct{}
}

// NewEqualityIndex builds an Equality or Unique index, depending on
// def.Kind.
func NewEqualityIndex(def Definition) *EqualityIndex {
	return &EqualityIndex{
		def:    def,
		unique: def.Kind == KindUnique,
		sets:   make(map[string]map[string]struct{}),
	}
}

func (idx *EqualityIndex) Definition() Definition { return idx.def }

// Apply performs every delta in order. On a Unique index, an insert that
// would create a second member of a key's set fails the whole batch with
// ErrDuplicateKey and leaves earlier deltas in the batch already applied
// (the caller — TXM — only calls Apply after a validation pass that makes
// this the last possible failure point; a failure here is fatal to the
// commit, not retriable the way OCC conflicts are).
func (idx *EqualityIndex) Apply(deltas []Delta) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, d := range deltas {
		key := string(EncodeKey(d.Values))
		switch d.Op {
		case OpInsert:
			set, ok := idx.sets[key]
			if !ok {
				set = make(map[string]struct{})
				idx.sets[key] = set
			}
			if idx.unique && len(set) >= 1 {
				if _, already := set[d.ID]; !already {
					return ErrDuplicateKey
				}
			}
			set[d.ID] = struct{}{}
		case OpRemove:
			if set, ok := idx.sets[key]; ok {
				delete(set, d.ID)
				if len(set) == 0 {
					delete(idx.sets, key)
				}
			}
		}
	}
	return nil
}

// Lookup returns the set of ids whose key matches values exactly.
func (idx *EqualityIndex) Lookup(values []document.Value) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	key := string(EncodeKey(values))
	set, ok := idx.sets[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// LookupAny unions the id sets for each of the given key candidates,
// de-duplicated — used to serve $in.
func (idx *EqualityIndex) LookupAny(candidates [][]document.Value) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, values := range candidates {
		key := string(EncodeKey(values))
		for id := range idx.sets[key] {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

func (idx *EqualityIndex) Close() error { return nil }
