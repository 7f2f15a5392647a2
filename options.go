package docstore

// EngineOptions configures an Engine (process-wide state: the collection
// map and shared key material), grounded in the teacher's Database Options
// but narrowed to what the spec's engine actually owns — buffer-pool and
// WAL sizing moved into internal/logstore/internal/storage defaults, since
// those are per-collection here rather than process-wide.
type EngineOptions struct {
	// DataDir is the root directory; each collection gets its own
	// subdirectory DataDir/<name>/.
	DataDir string

	// EncryptionKey, if non-nil, must be exactly 32 bytes and enables AEAD
	// envelopes on every collection's LOG (spec §6).
	EncryptionKey []byte

	// AuditLogPath, if set, routes security events through a persistent
	// audit log instead of the discard logger.
	AuditLogPath string
}

// CollectionOptions configures a single collection at creation time.
type CollectionOptions struct {
	// Schema is an optional JSON Schema string validated against every
	// inserted/updated document (xeipuuv/gojsonschema).
	Schema string

	// Rules maps an Operation name ("read", "insert", "update", "delete")
	// to a CEL expression gating that operation (internal/rules).
	Rules map[string]string
}

// QueryOptions carries find's sort/skip/limit, mirroring the wire
// command's optional fields (spec §6).
type QueryOptions struct {
	Sort  []SortField
	Limit int
	Skip  int
}

// SortField is one field:direction pair of a sort specification.
type SortField struct {
	Field string
	Desc  bool
}
