// Package docstore is the engine facade: it owns the set of live
// collections and the per-collection storage stack (LOG/DIDX/SIDX/TXM),
// the way the teacher's Database type coordinated bundoc's collections —
// reworked from a single embedded-process database into the storage core
// a TCP server process drives on behalf of many connections.
package docstore

import "github.com/bunbase/docstore/internal/util"

// Re-exported so callers of this package's public API (internal/server,
// wire's error classifier) can match against the spec §7 taxonomy without
// reaching into internal/util themselves.
var (
	ErrCollectionNotFound       = util.ErrCollectionNotFound
	ErrCollectionExists         = util.ErrCollectionExists
	ErrDocumentNotFound         = util.ErrDocumentNotFound
	ErrDuplicateKey             = util.ErrDuplicateKey
	ErrIndexNotFound            = util.ErrIndexNotFound
	ErrIndexExists              = util.ErrIndexExists
	ErrDimensionMismatch        = util.ErrDimensionMismatch
	ErrInvalidQuery             = util.ErrInvalidQuery
	ErrTransactionAlreadyActive = util.ErrTransactionAlreadyActive
	ErrNoActiveTransaction      = util.ErrNoActiveTransaction
	ErrTransactionConflict      = util.ErrTransactionConflict
	ErrTransactionAborted       = util.ErrTransactionAborted
	ErrDatabaseClosed           = util.ErrDatabaseClosed
	ErrInvalidOptions           = util.ErrInvalidOptions
)
