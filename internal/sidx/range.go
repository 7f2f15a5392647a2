package sidx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bunbase/docstore/internal/document"
	"github.com/bunbase/docstore/storage"
)

// RangeIndex is an ordered map keyed by one or more field values,
// supporting bounded range iteration (spec §4.3: "Range / Composite:
// ordered map keyed by (value,...)"). It is backed by the teacher's
// on-disk B+Tree (storage.BPlusTree over a Pager+BufferPool), repurposed
// here as the index's concrete ordered structure: its leaves hold
// EncodeKey(values) -> JSON-encoded id set.
type RangeIndex struct {
	def Definition

	mu    sync.Mutex
	tree  *storage.BPlusTree
	pager *storage.Pager
	pool  *storage.BufferPool
}

// NewRangeIndex creates a fresh Range/Composite index backed by a file at
// path (the collection's indexes.dat, one B+Tree per range/composite
// definition sharing that file would need distinct pagers; this
// implementation gives each definition its own file, named by index name,
// which keeps the pager/page-id space simple at the cost of one file
// descriptor per range index).
func NewRangeIndex(def Definition, path string, key []byte) (*RangeIndex, error) {
	// storage.NewPager derives its parent directory from the filename by
	// assuming a "/data.db" suffix; pre-creating the directory ourselves
	// keeps range-index files (named by index, not "data.db") safe
	// regardless of that assumption.
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sidx: mkdir for range index: %w", err)
	}
	pager, err := storage.NewPager(path, key)
	if err != nil {
		return nil, fmt.Errorf("sidx: open range index pager: %w", err)
	}
	pool := storage.NewBufferPool(256, pager)
	tree, err := storage.NewBPlusTree(pool)
	if err != nil {
		return nil, fmt.Errorf("sidx: create range index tree: %w", err)
	}
	return &RangeIndex{def: def, tree: tree, pager: pager, pool: pool}, nil
}

func (idx *RangeIndex) Definition() Definition { return idx.def }

type idSet []string

func (idx *RangeIndex) readSet(key []byte) (idSet, error) {
	raw, err := idx.tree.Search(key)
	if err != nil {
		return nil, nil // not found: empty set, not an error
	}
	var ids idSet
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("sidx: decode id set: %w", err)
	}
	return ids, nil
}

func (idx *RangeIndex) writeSet(key []byte, ids idSet) error {
	if len(ids) == 0 {
		return idx.tree.Delete(key)
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return idx.tree.Insert(key, raw)
}

// Apply performs every delta against the B+Tree, keyed by the
// order-preserving encoding of each delta's field values.
func (idx *RangeIndex) Apply(deltas []Delta) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, d := range deltas {
		key := EncodeKey(d.Values)
		set, err := idx.readSet(key)
		if err != nil {
			return err
		}
		switch d.Op {
		case OpInsert:
			if idx.def.Kind == KindUnique && len(set) >= 1 && !containsID(set, d.ID) {
				return ErrDuplicateKey
			}
			if !containsID(set, d.ID) {
				set = append(set, d.ID)
			}
		case OpRemove:
			set = removeID(set, d.ID)
		}
		if err := idx.writeSet(key, set); err != nil {
			return fmt.Errorf("sidx: apply range delta: %w", err)
		}
	}
	return nil
}

func containsID(set idSet, id string) bool {
	for _, s := range set {
		if s == id {
			return true
		}
	}
	return false
}

func removeID(set idSet, id string) idSet {
	out := set[:0]
	for _, s := range set {
		if s != id {
			out = append(out, s)
		}
	}
	return out
}

// Range returns the ids whose key falls within [lo, hi] inclusive (either
// bound may be nil for an open range), ordered by key ascending.
func (idx *RangeIndex) Range(lo, hi []document.Value) ([]string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var loKey, hiKey []byte
	if lo != nil {
		loKey = EncodeKey(lo)
	}
	if hi != nil {
		hiKey = EncodeKey(hi)
	} else {
		// RangeScan requires a concrete upper bound; use a key guaranteed
		// to sort after anything the encoding can produce.
		hiKey = bytes.Repeat([]byte{0xff}, 64)
	}

	entries, err := idx.tree.RangeScan(loKey, hiKey)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].Key, entries[j].Key) < 0 })

	var out []string
	for _, e := range entries {
		var ids idSet
		if err := json.Unmarshal(e.Value, &ids); err != nil {
			continue
		}
		out = append(out, ids...)
	}
	return out, nil
}

func (idx *RangeIndex) Close() error {
	return idx.pager.Close()
}
