package docstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bunbase/docstore/internal/util"
	"github.com/bunbase/docstore/internal/rules"
	"github.com/bunbase/docstore/security"
)

// Engine is the process-wide Collection Manager: it owns every open
// Collection under DataDir plus the shared key material (encryption key,
// user store, audit log) every collection is opened with. Grounded in the
// teacher's Database/Open, narrowed from one process-wide pager/buffer
// pool/WAL to one independent LOG/DIDX/SIDX stack per collection — the
// teacher shared a single paged heap across collections; this design gives
// each collection its own directory and its own append-only log instead,
// matching the spec's per-collection persistent layout.
type Engine struct {
	dir string

	mu          sync.RWMutex
	collections map[string]*Collection

	encKey []byte
	enc    *security.Encryptor

	users *security.UserManager
	audit *security.AuditLogger

	logger zerolog.Logger
}

// Open restores every collection found under opts.DataDir and returns a
// ready-to-use Engine. A fresh DataDir (no subdirectories yet) is not an
// error — collections are created on first use via CreateCollection.
func Open(opts EngineOptions, logger zerolog.Logger) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("docstore: %w: DataDir is required", util.ErrInvalidOptions)
	}
	if opts.EncryptionKey != nil && len(opts.EncryptionKey) != 32 {
		return nil, fmt.Errorf("docstore: %w: encryption key must be 32 bytes", util.ErrInvalidOptions)
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("docstore: create data dir: %w", err)
	}

	audit := security.DiscardLogger()
	if opts.AuditLogPath != "" {
		a, err := security.NewAuditLogger(opts.AuditLogPath)
		if err != nil {
			return nil, fmt.Errorf("docstore: open audit log: %w", err)
		}
		audit = a
	}

	var enc *security.Encryptor
	if opts.EncryptionKey != nil {
		var err error
		enc, err = security.NewEncryptor(opts.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("docstore: init encryptor: %w", err)
		}
	}

	e := &Engine{
		dir:         opts.DataDir,
		collections: make(map[string]*Collection),
		encKey:      opts.EncryptionKey,
		enc:         enc,
		audit:       audit,
		logger:      logger,
	}

	entries, err := os.ReadDir(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("docstore: read data dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		coll, err := openCollection(filepath.Join(opts.DataDir, name), name, enc, opts.EncryptionKey, logger.With().Str("collection", name).Logger())
		if err != nil {
			return nil, fmt.Errorf("docstore: restore collection %s: %w", name, err)
		}
		e.collections[name] = coll
		e.logger.Info().Str("collection", name).Msg("restored collection")
	}

	e.users = security.NewUserManager(newInternalUserStore(e))

	return e, nil
}

// CreateCollection creates a new, empty collection named name, configured
// with copts. Returns ErrCollectionExists if name is already in use.
func (e *Engine) CreateCollection(name string, copts CollectionOptions) (*Collection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.collections[name]; exists {
		return nil, fmt.Errorf("docstore: collection %q: %w", name, util.ErrCollectionExists)
	}

	collDir := filepath.Join(e.dir, name)
	coll, err := openCollection(collDir, name, e.enc, e.encKey, e.logger.With().Str("collection", name).Logger())
	if err != nil {
		return nil, err
	}

	if copts.Schema != "" {
		if err := coll.SetSchema(copts.Schema); err != nil {
			coll.Close()
			os.RemoveAll(collDir)
			return nil, err
		}
	}
	for op, expr := range copts.Rules {
		if err := coll.SetRule(rules.Operation(op), expr); err != nil {
			coll.Close()
			os.RemoveAll(collDir)
			return nil, err
		}
	}

	e.collections[name] = coll
	e.logger.Info().Str("collection", name).Msg("created collection")
	return coll, nil
}

// Collection returns the named collection, or false if it does not exist.
func (e *Engine) Collection(name string) (*Collection, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.collections[name]
	return c, ok
}

// DropCollection closes and permanently removes name's on-disk directory.
func (e *Engine) DropCollection(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	coll, exists := e.collections[name]
	if !exists {
		return fmt.Errorf("docstore: collection %q: %w", name, util.ErrCollectionNotFound)
	}
	if err := coll.drop(); err != nil {
		return err
	}
	delete(e.collections, name)
	e.logger.Info().Str("collection", name).Msg("dropped collection")
	return nil
}

// ListCollections returns every open collection's name, in no particular
// order.
func (e *Engine) ListCollections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	return names
}

// Users returns the engine's user manager, used by the connection-level
// SCRAM auth handshake (spec §6's `auth` command).
func (e *Engine) Users() *security.UserManager { return e.users }

// Audit returns the engine's audit logger.
func (e *Engine) Audit() *security.AuditLogger { return e.audit }

// Close closes every open collection and the audit log.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for name, coll := range e.collections {
		if err := coll.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("docstore: close collection %s: %w", name, err)
		}
	}
	if err := e.audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
