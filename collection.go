package docstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bunbase/docstore/internal/agg"
	"github.com/bunbase/docstore/internal/didx"
	"github.com/bunbase/docstore/internal/document"
	"github.com/bunbase/docstore/internal/logstore"
	"github.com/bunbase/docstore/internal/query"
	"github.com/bunbase/docstore/internal/recovery"
	"github.com/bunbase/docstore/internal/rules"
	"github.com/bunbase/docstore/internal/sidx"
	"github.com/bunbase/docstore/internal/transaction"
	"github.com/bunbase/docstore/internal/util"
	"github.com/bunbase/docstore/mvcc"
	"github.com/bunbase/docstore/security"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Collection is a named, process-local container of documents (spec §3):
// it owns its own LOG, DIDX, SIDX set, and a structural read-write lock.
// Grounded in the teacher's Collection (collection.go) — schema
// validation via gojsonschema and per-operation CEL rule evaluation are
// kept nearly verbatim — but CRUD is rebuilt entirely on top of
// internal/transaction's OCC commit path instead of the teacher's direct
// B+Tree writes.
type Collection struct {
	name   string
	dir    string
	encKey []byte

	log   *logstore.Log
	index *didx.Index
	sidxs map[string]sidx.Index // index name -> structure
	txm   *transaction.Manager
	meta  *metadataStore

	schemaMu sync.RWMutex
	schema   *gojsonschema.Schema

	rulesMu sync.RWMutex
	ruleSet map[rules.Operation]string
	rulesEn *rules.Engine

	logger zerolog.Logger
}

func openCollection(dir, name string, enc *security.Encryptor, encKey []byte, logger zerolog.Logger) (*Collection, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("docstore: mkdir collection dir: %w", err)
	}

	log, err := logstore.Open(filepath.Join(dir, "data.log"), enc)
	if err != nil {
		return nil, fmt.Errorf("docstore: open log for %s: %w", name, err)
	}

	meta, err := openMetadataStore(filepath.Join(dir, "indexes.meta"))
	if err != nil {
		log.Close()
		return nil, err
	}

	rulesEn, err := rules.NewEngine()
	if err != nil {
		log.Close()
		return nil, err
	}

	c := &Collection{
		name:    name,
		dir:     dir,
		encKey:  encKey,
		log:     log,
		index:   didx.New(),
		sidxs:   make(map[string]sidx.Index),
		meta:    meta,
		ruleSet: make(map[rules.Operation]string),
		rulesEn: rulesEn,
		logger:  logger.With().Str("collection", name).Logger(),
	}

	snap := meta.snapshot()
	if err := c.setSchema(snap.Schema); err != nil {
		log.Close()
		return nil, err
	}
	for op, expr := range snap.Rules {
		c.ruleSet[rules.Operation(op)] = expr
	}
	for _, def := range snap.Indexes {
		idx, err := buildIndex(def, dir, encKey)
		if err != nil {
			log.Close()
			return nil, err
		}
		c.sidxs[def.Name] = idx
	}

	res, err := recovery.Recover(c.log, c.index, c.sidxs)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("docstore: recover %s: %w", name, err)
	}
	if res.StoppedEarly {
		c.logger.Warn().Int("replayed", res.RecordsReplayed).Msg("log tail truncated, stopped recovery early")
	} else {
		c.logger.Info().Int("replayed", res.RecordsReplayed).Msg("recovered collection")
	}

	c.txm = transaction.NewTransactionManager(mvcc.NewSnapshotManager(), c.log, c.index, c.sidxs)
	return c, nil
}

func buildIndex(def sidx.Definition, dir string, encKey []byte) (sidx.Index, error) {
	switch def.Kind {
	case sidx.KindEquality, sidx.KindUnique:
		return sidx.NewEqualityIndex(def), nil
	case sidx.KindRange:
		return sidx.NewRangeIndex(def, filepath.Join(dir, "range-"+def.Name+".dat"), encKey)
	case sidx.KindVector:
		return sidx.NewVectorIndex(def), nil
	default:
		return nil, fmt.Errorf("docstore: unknown index kind %q", def.Kind)
	}
}

// Name returns the collection's name.
func (c *Collection) Name() string { return c.name }

func (c *Collection) setSchema(schemaStr string) error {
	c.schemaMu.Lock()
	defer c.schemaMu.Unlock()
	if schemaStr == "" {
		c.schema = nil
		return nil
	}
	loader := gojsonschema.NewStringLoader(schemaStr)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("docstore: invalid json schema: %w", err)
	}
	c.schema = schema
	return nil
}

// SetSchema updates and persists the collection's validation schema.
func (c *Collection) SetSchema(schemaStr string) error {
	if err := c.setSchema(schemaStr); err != nil {
		return err
	}
	snap := c.meta.snapshot()
	return c.meta.setSchemaAndRules(schemaStr, snap.Rules)
}

// SetRule updates and persists the CEL expression guarding operation op.
func (c *Collection) SetRule(op rules.Operation, expression string) error {
	c.rulesMu.Lock()
	c.ruleSet[op] = expression
	snapshot := make(map[string]string, len(c.ruleSet))
	for k, v := range c.ruleSet {
		snapshot[string(k)] = v
	}
	c.rulesMu.Unlock()

	meta := c.meta.snapshot()
	return c.meta.setSchemaAndRules(meta.Schema, snapshot)
}

func (c *Collection) validate(doc *document.Document) error {
	c.schemaMu.RLock()
	schema := c.schema
	c.schemaMu.RUnlock()
	if schema == nil {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc.ToMap()))
	if err != nil {
		return fmt.Errorf("docstore: schema validation error: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("%w: %v", util.ErrInvalidQuery, msgs)
	}
	return nil
}

// authorize evaluates the CEL rule configured for op, if any, defaulting
// to allow when no rule is configured for that operation (unlike the
// global authorization entry point in internal/rules, which defaults to
// deny for an explicit-but-empty expression — a collection with no rule
// at all is open, matching the teacher's "rules optional" behavior).
func (c *Collection) authorize(op rules.Operation, auth *rules.AuthContext, doc map[string]interface{}) error {
	c.rulesMu.RLock()
	expr, ok := c.ruleSet[op]
	c.rulesMu.RUnlock()
	if !ok {
		return nil
	}
	allowed, err := c.rulesEn.Evaluate(expr, &rules.Context{
		Auth:       auth,
		Operation:  op,
		Collection: c.name,
		Document:   doc,
	})
	if err != nil {
		return fmt.Errorf("docstore: rule evaluation: %w", err)
	}
	if !allowed {
		return fmt.Errorf("docstore: permission denied for %s on %s", op, c.name)
	}
	return nil
}

// deltasForInsert builds the SIDX deltas a fresh document contributes.
func (c *Collection) deltasForInsert(id string, doc *document.Document) map[string][]sidx.Delta {
	deltas := make(map[string][]sidx.Delta, len(c.sidxs))
	for name, idx := range c.sidxs {
		values, ok := sidx.BuildKeyValues(doc, idx.Definition().Fields)
		if !ok {
			continue
		}
		deltas[name] = []sidx.Delta{{Op: sidx.OpInsert, Values: values, ID: id}}
	}
	return deltas
}

// deltasForUpdate diffs old vs new on every indexed field, emitting a
// remove for the old key and an insert for the new one when they differ
// (spec §4.6: "SIDX deltas are derived by diffing old vs new on indexed
// fields").
func (c *Collection) deltasForUpdate(id string, oldDoc, newDoc *document.Document) map[string][]sidx.Delta {
	deltas := make(map[string][]sidx.Delta, len(c.sidxs))
	for name, idx := range c.sidxs {
		fields := idx.Definition().Fields
		oldVals, oldOK := sidx.BuildKeyValues(oldDoc, fields)
		newVals, newOK := sidx.BuildKeyValues(newDoc, fields)
		if oldOK && newOK && sameValues(oldVals, newVals) {
			continue
		}
		var ds []sidx.Delta
		if oldOK {
			ds = append(ds, sidx.Delta{Op: sidx.OpRemove, Values: oldVals, ID: id})
		}
		if newOK {
			ds = append(ds, sidx.Delta{Op: sidx.OpInsert, Values: newVals, ID: id})
		}
		if len(ds) > 0 {
			deltas[name] = ds
		}
	}
	return deltas
}

func (c *Collection) deltasForDelete(id string, doc *document.Document) map[string][]sidx.Delta {
	deltas := make(map[string][]sidx.Delta, len(c.sidxs))
	for name, idx := range c.sidxs {
		values, ok := sidx.BuildKeyValues(doc, idx.Definition().Fields)
		if !ok {
			continue
		}
		deltas[name] = []sidx.Delta{{Op: sidx.OpRemove, Values: values, ID: id}}
	}
	return deltas
}

func sameValues(a, b []document.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !document.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Insert assigns an id (generating one via document.NewID if absent),
// validates against the schema, authorizes the write, and commits it as
// an implicit single-statement transaction (spec §4.4 "non-transactional
// calls ... run as implicit single-statement transactions").
func (c *Collection) Insert(auth *rules.AuthContext, doc *document.Document) (string, error) {
	id, hasID := doc.ID()
	if !hasID || id == "" {
		id = document.NewID()
		doc.SetID(id)
	}
	if err := c.authorize(rules.OpInsert, auth, doc.ToMap()); err != nil {
		return "", err
	}
	if err := c.validate(doc); err != nil {
		return "", err
	}

	txn, err := c.txm.Begin(mvcc.ReadCommitted)
	if err != nil {
		return "", err
	}
	deltas := c.deltasForInsert(id, doc)
	if err := c.txm.Write(txn, id, doc, transaction.WriteInsert, 0, false, deltas); err != nil {
		c.txm.Rollback(txn)
		return "", err
	}
	if err := c.txm.Commit(txn); err != nil {
		return "", err
	}
	return id, nil
}

// InsertMany inserts every document, returning the assigned ids in order.
// Each document commits independently — a failure partway through leaves
// earlier documents committed (matches insert_many's §6 return shape of
// one id array, not an all-or-nothing batch).
func (c *Collection) InsertMany(auth *rules.AuthContext, docs []*document.Document) ([]string, error) {
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		id, err := c.Insert(auth, doc)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// get resolves id to its current document via DIDX + LOG, stamping the
// decoded document with the _version DIDX has on record so callers that
// only keep the document (Find/FindOne) can still recover it via
// Document.Version() when staging a subsequent OCC-checked write.
func (c *Collection) get(id string) (*document.Document, int64, bool, error) {
	entry, ok := c.index.Get(id)
	if !ok {
		return nil, 0, false, nil
	}
	rec, err := c.log.ReadAt(entry.Offset)
	if err != nil {
		return nil, 0, false, err
	}
	doc, err := document.Decode(rec.Payload)
	if err != nil {
		return nil, 0, false, err
	}
	doc.SetVersion(entry.Version)
	return doc, entry.Version, true, nil
}

// Find plans and executes query against the collection's current state,
// applying opts.Sort/Skip/Limit after filtering (spec §4.5).
func (c *Collection) Find(auth *rules.AuthContext, filter *document.Document, opts QueryOptions) ([]*document.Document, error) {
	node, err := query.Parse(filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrInvalidQuery, err)
	}

	defs := make(map[string]sidx.Definition, len(c.sidxs))
	for name, idx := range c.sidxs {
		defs[name] = idx.Definition()
	}
	plan := query.PlanQuery(node, defs)

	ids, err := c.resolvePlan(plan)
	if err != nil {
		return nil, err
	}

	out := make([]*document.Document, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		doc, _, ok, err := c.get(id)
		if err != nil || !ok {
			continue
		}
		if !node.Matches(doc) {
			continue
		}
		if err := c.authorize(rules.OpRead, auth, doc.ToMap()); err != nil {
			continue
		}
		out = append(out, doc)
	}

	if len(opts.Sort) > 0 {
		specs := make([]query.SortSpec, len(opts.Sort))
		for i, s := range opts.Sort {
			specs[i] = query.SortSpec{Field: s.Field, Desc: s.Desc}
		}
		query.SortDocuments(out, specs)
	}
	if opts.Skip > 0 {
		if opts.Skip >= len(out) {
			out = nil
		} else {
			out = out[opts.Skip:]
		}
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// FindOne returns the first matching document, if any.
func (c *Collection) FindOne(auth *rules.AuthContext, filter *document.Document) (*document.Document, bool, error) {
	docs, err := c.Find(auth, filter, QueryOptions{Limit: 1})
	if err != nil || len(docs) == 0 {
		return nil, false, err
	}
	return docs[0], true, nil
}

// resolvePlan executes a query.Plan against this collection's SIDX set,
// returning a candidate id set (not yet residual-filtered).
func (c *Collection) resolvePlan(p *query.Plan) ([]string, error) {
	switch p.Kind {
	case query.PlanFullScan:
		var ids []string
		c.index.Each(func(id string, _ didx.Entry) { ids = append(ids, id) })
		return ids, nil
	case query.PlanEquality:
		idx, ok := c.sidxs[p.IndexName].(*sidx.EqualityIndex)
		if !ok {
			return nil, fmt.Errorf("docstore: index %s is not an equality index", p.IndexName)
		}
		return idx.Lookup(p.Values), nil
	case query.PlanRange:
		idx, ok := c.sidxs[p.IndexName].(*sidx.RangeIndex)
		if !ok {
			return nil, fmt.Errorf("docstore: index %s is not a range index", p.IndexName)
		}
		return idx.Range(p.Lo, p.Hi)
	case query.PlanUnion:
		seen := make(map[string]struct{})
		var out []string
		for _, child := range p.Children {
			ids, err := c.resolvePlan(child)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				if _, dup := seen[id]; !dup {
					seen[id] = struct{}{}
					out = append(out, id)
				}
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("docstore: unknown plan kind %v", p.Kind)
	}
}

// Count returns the number of documents matching filter.
func (c *Collection) Count(auth *rules.AuthContext, filter *document.Document) (int, error) {
	docs, err := c.Find(auth, filter, QueryOptions{})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// Update applies update to every document matching filter, returning the
// number modified.
func (c *Collection) Update(auth *rules.AuthContext, filter, update *document.Document) (int, error) {
	docs, err := c.Find(auth, filter, QueryOptions{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, doc := range docs {
		if err := c.updateOne(auth, doc, update); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// UpdateOne applies update to the first document matching filter.
func (c *Collection) UpdateOne(auth *rules.AuthContext, filter, update *document.Document) (int, error) {
	doc, ok, err := c.FindOne(auth, filter)
	if err != nil || !ok {
		return 0, err
	}
	if err := c.updateOne(auth, doc, update); err != nil {
		return 0, err
	}
	return 1, nil
}

func (c *Collection) updateOne(auth *rules.AuthContext, oldDoc, update *document.Document) error {
	id, _ := oldDoc.ID()
	version, _ := oldDoc.Version()

	newDoc, err := agg.ApplyUpdate(oldDoc, update)
	if err != nil {
		return err
	}
	newDoc.SetID(id)

	if err := c.authorize(rules.OpUpdate, auth, newDoc.ToMap()); err != nil {
		return err
	}
	if err := c.validate(newDoc); err != nil {
		return err
	}

	txn, err := c.txm.Begin(mvcc.ReadCommitted)
	if err != nil {
		return err
	}
	deltas := c.deltasForUpdate(id, oldDoc, newDoc)
	if err := c.txm.Write(txn, id, newDoc, transaction.WriteUpdate, version, true, deltas); err != nil {
		c.txm.Rollback(txn)
		return err
	}
	return c.txm.Commit(txn)
}

// Delete removes every document matching filter, returning the number
// deleted.
func (c *Collection) Delete(auth *rules.AuthContext, filter *document.Document) (int, error) {
	docs, err := c.Find(auth, filter, QueryOptions{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, doc := range docs {
		if err := c.deleteOne(auth, doc); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// DeleteOne removes the first document matching filter.
func (c *Collection) DeleteOne(auth *rules.AuthContext, filter *document.Document) (int, error) {
	doc, ok, err := c.FindOne(auth, filter)
	if err != nil || !ok {
		return 0, err
	}
	if err := c.deleteOne(auth, doc); err != nil {
		return 0, err
	}
	return 1, nil
}

func (c *Collection) deleteOne(auth *rules.AuthContext, doc *document.Document) error {
	id, _ := doc.ID()
	version, _ := doc.Version()
	if err := c.authorize(rules.OpDelete, auth, doc.ToMap()); err != nil {
		return err
	}

	txn, err := c.txm.Begin(mvcc.ReadCommitted)
	if err != nil {
		return err
	}
	deltas := c.deltasForDelete(id, doc)
	if err := c.txm.Delete(txn, id, version, true, deltas); err != nil {
		c.txm.Rollback(txn)
		return err
	}
	return c.txm.Commit(txn)
}

// Aggregate compiles and runs an aggregation pipeline over every document
// currently in the collection (spec §4.6).
func (c *Collection) Aggregate(auth *rules.AuthContext, stages []document.Value) ([]*document.Document, error) {
	pipeline, err := agg.Compile(stages)
	if err != nil {
		return nil, err
	}
	all, err := c.Find(auth, document.NewDocument(), QueryOptions{})
	if err != nil {
		return nil, err
	}
	return pipeline.Run(all)
}

// VectorSearch runs a top-k nearest neighbor search against a vector
// index, injecting _similarity/_distance into each returned document
// (spec §6 "vector_search injects _similarity and _distance").
func (c *Collection) VectorSearch(auth *rules.AuthContext, field string, queryVec []float64, limit int) ([]*document.Document, error) {
	var target *sidx.VectorIndex
	for _, idx := range c.sidxs {
		if v, ok := idx.(*sidx.VectorIndex); ok && len(idx.Definition().Fields) == 1 && idx.Definition().Fields[0] == field {
			target = v
			break
		}
	}
	if target == nil {
		return nil, util.ErrIndexNotFound
	}
	neighbors, err := target.Search(queryVec, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*document.Document, 0, len(neighbors))
	for _, n := range neighbors {
		doc, _, ok, err := c.get(n.ID)
		if err != nil || !ok {
			continue
		}
		if err := c.authorize(rules.OpRead, auth, doc.ToMap()); err != nil {
			continue
		}
		doc.Set("_similarity", document.Float(n.Score))
		doc.Set("_distance", document.Float(1-n.Score))
		out = append(out, doc)
	}
	return out, nil
}

// BeginTx opens a transaction scoped to this collection.
func (c *Collection) BeginTx(level mvcc.IsolationLevel) (*transaction.Transaction, error) {
	return c.txm.Begin(level)
}

// CommitTx commits a transaction previously returned by BeginTx.
func (c *Collection) CommitTx(txn *transaction.Transaction) error {
	return c.txm.Commit(txn)
}

// CommitBatch returns the encoded commit batch a just-committed
// transaction produced (empty if it made no writes), for a replicated
// deployment's consensus layer to broadcast to followers (spec §4.7).
func (c *Collection) CommitBatch(txn *transaction.Transaction) []byte {
	return txn.CommittedBatch
}

// RollbackTx discards a transaction previously returned by BeginTx.
func (c *Collection) RollbackTx(txn *transaction.Transaction) error {
	return c.txm.Rollback(txn)
}

// TxInsert stages an insert within an already-open transaction (spec
// §4.4/§6's explicit begin_tx/…/commit_tx path) without committing it.
func (c *Collection) TxInsert(auth *rules.AuthContext, txn *transaction.Transaction, doc *document.Document) (string, error) {
	id, hasID := doc.ID()
	if !hasID || id == "" {
		id = document.NewID()
		doc.SetID(id)
	}
	if err := c.authorize(rules.OpInsert, auth, doc.ToMap()); err != nil {
		return "", err
	}
	if err := c.validate(doc); err != nil {
		return "", err
	}
	deltas := c.deltasForInsert(id, doc)
	if err := c.txm.Write(txn, id, doc, transaction.WriteInsert, 0, false, deltas); err != nil {
		return "", err
	}
	return id, nil
}

// TxFind executes filter against txn's view of the collection: DIDX's
// committed id set overlaid by txn's own staged writes (read-your-own-
// writes), each resolved through the transaction manager's Read so
// RepeatableRead/Serializable transactions see a pinned, repeatable value
// per document (spec §4.4 Invariant 4) instead of always-fresh committed
// state.
func (c *Collection) TxFind(auth *rules.AuthContext, txn *transaction.Transaction, filter *document.Document) ([]*document.Document, error) {
	node, err := query.Parse(filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrInvalidQuery, err)
	}

	candidates := make(map[string]struct{})
	c.index.Each(func(id string, _ didx.Entry) { candidates[id] = struct{}{} })
	for id, deleted := range txn.WriteIDs() {
		if deleted {
			delete(candidates, id)
		} else {
			candidates[id] = struct{}{}
		}
	}

	out := make([]*document.Document, 0, len(candidates))
	for id := range candidates {
		doc, ok, err := c.txm.Read(txn, id)
		if err != nil || !ok {
			continue
		}
		if !node.Matches(doc) {
			continue
		}
		if err := c.authorize(rules.OpRead, auth, doc.ToMap()); err != nil {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

// TxFindOne returns the first document TxFind would, if any.
func (c *Collection) TxFindOne(auth *rules.AuthContext, txn *transaction.Transaction, filter *document.Document) (*document.Document, bool, error) {
	docs, err := c.TxFind(auth, txn, filter)
	if err != nil || len(docs) == 0 {
		return nil, false, err
	}
	return docs[0], true, nil
}

// TxCount returns the number of documents TxFind would return.
func (c *Collection) TxCount(auth *rules.AuthContext, txn *transaction.Transaction, filter *document.Document) (int, error) {
	docs, err := c.TxFind(auth, txn, filter)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// TxUpdate stages an update to every document TxFind matches against
// filter, without committing.
func (c *Collection) TxUpdate(auth *rules.AuthContext, txn *transaction.Transaction, filter, update *document.Document) (int, error) {
	docs, err := c.TxFind(auth, txn, filter)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, doc := range docs {
		if err := c.txUpdateOne(auth, txn, doc, update); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// TxUpdateOne stages an update to the first document TxFind matches.
func (c *Collection) TxUpdateOne(auth *rules.AuthContext, txn *transaction.Transaction, filter, update *document.Document) (int, error) {
	doc, ok, err := c.TxFindOne(auth, txn, filter)
	if err != nil || !ok {
		return 0, err
	}
	if err := c.txUpdateOne(auth, txn, doc, update); err != nil {
		return 0, err
	}
	return 1, nil
}

func (c *Collection) txUpdateOne(auth *rules.AuthContext, txn *transaction.Transaction, oldDoc, update *document.Document) error {
	id, _ := oldDoc.ID()
	version, hasVersion := oldDoc.Version()

	newDoc, err := agg.ApplyUpdate(oldDoc, update)
	if err != nil {
		return err
	}
	newDoc.SetID(id)

	if err := c.authorize(rules.OpUpdate, auth, newDoc.ToMap()); err != nil {
		return err
	}
	if err := c.validate(newDoc); err != nil {
		return err
	}

	deltas := c.deltasForUpdate(id, oldDoc, newDoc)
	return c.txm.Write(txn, id, newDoc, transaction.WriteUpdate, version, hasVersion, deltas)
}

// TxDelete stages a tombstone for every document TxFind matches against
// filter, without committing.
func (c *Collection) TxDelete(auth *rules.AuthContext, txn *transaction.Transaction, filter *document.Document) (int, error) {
	docs, err := c.TxFind(auth, txn, filter)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, doc := range docs {
		if err := c.txDeleteOne(auth, txn, doc); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// TxDeleteOne stages a tombstone for the first document TxFind matches.
func (c *Collection) TxDeleteOne(auth *rules.AuthContext, txn *transaction.Transaction, filter *document.Document) (int, error) {
	doc, ok, err := c.TxFindOne(auth, txn, filter)
	if err != nil || !ok {
		return 0, err
	}
	if err := c.txDeleteOne(auth, txn, doc); err != nil {
		return 0, err
	}
	return 1, nil
}

func (c *Collection) txDeleteOne(auth *rules.AuthContext, txn *transaction.Transaction, doc *document.Document) error {
	id, _ := doc.ID()
	version, hasVersion := doc.Version()
	if err := c.authorize(rules.OpDelete, auth, doc.ToMap()); err != nil {
		return err
	}
	deltas := c.deltasForDelete(id, doc)
	return c.txm.Delete(txn, id, version, hasVersion, deltas)
}

// Apply is the core's APPLY entry point (spec §4.7): it decodes an opaque
// commit batch a raft leader produced (internal/replication's FSM calls
// this from its Apply) and replays it into LOG/DIDX/SIDX, bypassing OCC
// validation since the leader already performed it.
func (c *Collection) Apply(batch []byte) error {
	records, err := logstore.DecodeBatch(batch)
	if err != nil {
		return fmt.Errorf("docstore: decode apply batch: %w", err)
	}
	return c.txm.Apply(records)
}

// CreateIndex builds def by scanning every live document, then publishes
// the finished structure to the planner (spec §4.3 "Index build"). The
// collection's structural lock (held by the caller, Engine.CreateIndex)
// buffers concurrent mutations for the duration of the build.
func (c *Collection) CreateIndex(def sidx.Definition) error {
	if _, exists := c.sidxs[def.Name]; exists {
		return util.ErrIndexExists
	}
	idx, err := buildIndex(def, c.dir, c.encKey)
	if err != nil {
		return err
	}

	var deltas []sidx.Delta
	c.index.Each(func(id string, entry didx.Entry) {
		rec, err := c.log.ReadAt(entry.Offset)
		if err != nil {
			return
		}
		doc, err := document.Decode(rec.Payload)
		if err != nil {
			return
		}
		values, ok := sidx.BuildKeyValues(doc, def.Fields)
		if !ok {
			return
		}
		deltas = append(deltas, sidx.Delta{Op: sidx.OpInsert, Values: values, ID: id})
	})
	if len(deltas) > 0 {
		if err := idx.Apply(deltas); err != nil {
			idx.Close()
			return err
		}
	}

	c.sidxs[def.Name] = idx
	return c.persistIndexDefs()
}

// DropIndex removes a previously created index.
func (c *Collection) DropIndex(name string) error {
	idx, ok := c.sidxs[name]
	if !ok {
		return util.ErrIndexNotFound
	}
	idx.Close()
	delete(c.sidxs, name)
	return c.persistIndexDefs()
}

// ListIndexes returns every index definition, matching the original
// source's "list_indexes returns full definitions" behavior.
func (c *Collection) ListIndexes() []sidx.Definition {
	defs := make([]sidx.Definition, 0, len(c.sidxs))
	for _, idx := range c.sidxs {
		defs = append(defs, idx.Definition())
	}
	return defs
}

func (c *Collection) persistIndexDefs() error {
	return c.meta.setIndexes(c.ListIndexes())
}

// Compact rewrites LOG to contain only the latest version of each live
// document plus a checkpoint marker (spec's supplemented compact command,
// matching test_crash_recovery.py/bench_1m.py's client-visible behavior).
func (c *Collection) Compact() error {
	live := make([]*logstore.Record, 0, c.index.Len())
	c.index.Each(func(id string, entry didx.Entry) {
		rec, err := c.log.ReadAt(entry.Offset)
		if err != nil {
			return
		}
		live = append(live, &logstore.Record{
			Type:    logstore.RecordUpdate,
			ID:      id,
			Version: entry.Version,
			Payload: rec.Payload,
		})
	})
	live = append(live, &logstore.Record{Type: logstore.RecordCheckpoint})

	newOffsets, err := c.log.Truncate(live)
	if err != nil {
		return err
	}
	for i, rec := range live {
		if rec.Type == logstore.RecordCheckpoint {
			continue
		}
		c.index.Put(rec.ID, didx.Entry{Offset: newOffsets[i], Version: rec.Version})
	}
	c.logger.Info().Int("live_records", len(live)-1).Msg("compacted collection")
	return nil
}

// Close flushes and closes every resource owned by this collection.
func (c *Collection) Close() error {
	var firstErr error
	for _, idx := range c.sidxs {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.log.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// drop deletes every storage file belonging to this collection.
func (c *Collection) drop() error {
	for _, idx := range c.sidxs {
		idx.Close()
	}
	if err := c.log.Remove(); err != nil {
		return err
	}
	return os.RemoveAll(c.dir)
}
