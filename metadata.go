package docstore

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/bunbase/docstore/internal/sidx"
)

// collectionMeta is the persisted content of one collection's
// indexes.meta file: its index definitions plus the schema/rules that
// were configured at create time. Grounded in the teacher's
// MetadataManager/CollectionMeta (JSON-encoded system catalog, Schema
// and Rules fields kept verbatim), narrowed from one process-wide
// catalog file to one file per collection directory, matching the
// spec's "Per-collection directory containing ... indexes.meta" layout.
type collectionMeta struct {
	Schema  string               `json:"schema,omitempty"`
	Rules   map[string]string    `json:"rules,omitempty"`
	Indexes []sidx.Definition    `json:"indexes,omitempty"`
}

type metadataStore struct {
	path string
	mu   sync.Mutex
	meta collectionMeta
}

func openMetadataStore(path string) (*metadataStore, error) {
	ms := &metadataStore{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ms, nil
		}
		return nil, fmt.Errorf("docstore: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &ms.meta); err != nil {
		return nil, fmt.Errorf("docstore: parse %s: %w", path, err)
	}
	return ms, nil
}

func (ms *metadataStore) snapshot() collectionMeta {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.meta
}

func (ms *metadataStore) setSchemaAndRules(schema string, rules map[string]string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.meta.Schema = schema
	ms.meta.Rules = rules
	return ms.saveLocked()
}

func (ms *metadataStore) setIndexes(defs []sidx.Definition) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.meta.Indexes = defs
	return ms.saveLocked()
}

func (ms *metadataStore) saveLocked() error {
	data, err := json.MarshalIndent(ms.meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := ms.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("docstore: write %s: %w", ms.path, err)
	}
	return os.Rename(tmp, ms.path)
}
