// Package didx implements the document index (DIDX): the in-memory
// mapping from a document's _id to its current log offset and version.
// Grounded in the teacher's mvcc.VersionManager (an atomic, lock-guarded
// map keyed by a string) but simplified down to the spec's (offset,
// version) pair rather than a full MVCC version chain — the log itself is
// the version history; DIDX only ever needs to know where the *current*
// version lives.
package didx

import (
	"sync"

	"github.com/bunbase/docstore/internal/logstore"
)

// Entry is DIDX's value type: where the current version of a document
// lives in the log, and what version it is.
type Entry struct {
	Offset  logstore.Offset
	Version int64
}

// Index is a concurrency-safe _id -> Entry map, one per collection.
type Index struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty Index.
func New() *Index {
	return &Index{entries: make(map[string]Entry)}
}

// Get returns the entry for id and whether it is present (a present entry
// with no prior Delete recorded means the document is live).
func (idx *Index) Get(id string) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[id]
	return e, ok
}

// Put inserts or overwrites the entry for id (used by insert/update/recovery).
func (idx *Index) Put(id string, e Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[id] = e
}

// Delete removes id's entry (used by delete; the tombstone record itself
// still lives in LOG, but DIDX no longer routes reads to it).
func (idx *Index) Delete(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, id)
}

// Len returns the number of live documents tracked.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Each calls fn once per (id, entry), in an unspecified order. fn must not
// mutate the Index.
func (idx *Index) Each(fn func(id string, e Entry)) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for id, e := range idx.entries {
		fn(id, e)
	}
}

// Clear empties the index, used by recovery before it replays the log.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = make(map[string]Entry)
}

// Snapshot returns a point-in-time copy of every (id, Entry) pair, used by
// transactions that need a stable view of DIDX for validation without
// holding the lock across the rest of commit.
func (idx *Index) Snapshot() map[string]Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string]Entry, len(idx.entries))
	for k, v := range idx.entries {
		out[k] = v
	}
	return out
}
