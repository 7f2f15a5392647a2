// Package server implements the connection acceptor and command
// dispatcher of spec §6: a length-prefixed JSON-over-TCP listener that
// parses `{"cmd": ...}` requests into calls against a docstore.Engine.
// Grounded in the teacher's bundoc server loop (one goroutine per
// connection, read-dispatch-write) generalized from the old opcode wire
// format to wire.Request/wire.Response, and in cuemby-warren's
// graceful-shutdown pattern (signal.Notify + context cancellation) for
// Server.Serve/Shutdown.
package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bunbase/docstore"
	"github.com/bunbase/docstore/internal/document"
	"github.com/bunbase/docstore/internal/metrics"
	"github.com/bunbase/docstore/internal/rules"
	"github.com/bunbase/docstore/internal/sidx"
	"github.com/bunbase/docstore/internal/transaction"
	"github.com/bunbase/docstore/mvcc"
	"github.com/bunbase/docstore/security"
	"github.com/bunbase/docstore/wire"
)

// Config configures a Server.
type Config struct {
	ListenAddr  string
	IdleTimeout time.Duration
	RequireAuth bool // gate every command but ping/auth behind a successful SCRAM handshake
}

// Server accepts TCP connections and dispatches wire.Request frames
// against a single docstore.Engine.
type Server struct {
	cfg    Config
	engine *docstore.Engine
	logger zerolog.Logger

	ln net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New returns a Server that will dispatch against engine once Serve runs.
func New(cfg Config, engine *docstore.Engine, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		engine: engine,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Serve listens on cfg.ListenAddr and accepts connections until ctx is
// canceled or Shutdown is called.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("listening")

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}
		s.trackConn(conn, true)
		metrics.ConnectionsOpen.Inc()
		go s.handleConn(conn)
	}
}

// Shutdown closes the listener and every tracked connection.
func (s *Server) Shutdown() error {
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	return nil
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// openTx is one connection's handle onto an already-begun transaction:
// the collection it is scoped to (explicit transactions never span
// collections, spec §4.4) plus the transaction.Manager's own handle.
type openTx struct {
	coll *docstore.Collection
	txn  *transaction.Transaction
}

// connState tracks one connection's auth progress across the two-step
// SCRAM handshake (spec §6's `auth` command) and its table of open
// explicit transactions (spec §6's begin_tx/commit_tx/rollback_tx).
type connState struct {
	authenticated bool
	username      string
	pendingNonce  string // server nonce issued at step 1, consumed at step 2
	auth          *rules.AuthContext

	txMu   sync.Mutex
	txns   map[uint64]*openTx
	nextTx uint64
}

func (s *Server) handleConn(conn net.Conn) {
	state := &connState{txns: make(map[uint64]*openTx)}
	defer func() {
		conn.Close()
		s.trackConn(conn, false)
		metrics.ConnectionsOpen.Dec()
		s.abandonOpenTxs(state)
	}()
	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		req, err := wire.ReadRequest(conn)
		if err != nil {
			return
		}

		resp := s.dispatch(state, req)
		metrics.CommandsTotal.WithLabelValues(req.Cmd, outcomeLabel(resp)).Inc()
		if err := wire.WriteResponse(conn, resp); err != nil {
			return
		}
	}
}

// abandonOpenTxs rolls back every transaction a connection never
// committed or rolled back itself before disconnecting, so a dropped
// client can't leak an entry in transaction.Manager's active set forever.
func (s *Server) abandonOpenTxs(state *connState) {
	state.txMu.Lock()
	txns := state.txns
	state.txns = nil
	state.txMu.Unlock()
	for _, ot := range txns {
		ot.coll.RollbackTx(ot.txn)
	}
}

func outcomeLabel(resp *wire.Response) string {
	if resp.OK {
		return "ok"
	}
	return "error"
}

func errResponse(err error) *wire.Response {
	return &wire.Response{OK: false, Error: err.Error()}
}

func okResponse(data interface{}) *wire.Response {
	return &wire.Response{OK: true, Data: data}
}

// dispatch parses one command and invokes the matching engine/collection
// method. auth-gating: ping and auth are always permitted; every other
// command requires state.authenticated when RequireAuth is set.
func (s *Server) dispatch(state *connState, req *wire.Request) *wire.Response {
	if req.Cmd == wire.CmdPing {
		return okResponse("pong")
	}
	if req.Cmd == wire.CmdAuth {
		return s.handleAuth(state, req)
	}
	if s.cfg.RequireAuth && !state.authenticated {
		return errResponse(fmt.Errorf("docstore: authentication required"))
	}

	switch req.Cmd {
	case wire.CmdCreateCollection:
		return s.cmdCreateCollection(req)
	case wire.CmdListCollections:
		return okResponse(s.engine.ListCollections())
	case wire.CmdDropCollection:
		if err := s.engine.DropCollection(req.Collection); err != nil {
			return errResponse(err)
		}
		return okResponse(nil)
	case wire.CmdBeginTx:
		return s.cmdBeginTx(state, req)
	case wire.CmdCommitTx:
		return s.cmdCommitTx(state, req)
	case wire.CmdRollbackTx:
		return s.cmdRollbackTx(state, req)
	}

	coll, ok := s.engine.Collection(req.Collection)
	if !ok {
		return errResponse(fmt.Errorf("docstore: collection %q: %w", req.Collection, docstore.ErrCollectionNotFound))
	}

	switch req.Cmd {
	case wire.CmdCreateIndex, wire.CmdCreateUniqueIndex, wire.CmdCreateCompositeIndex,
		wire.CmdCreateVectorIndex, wire.CmdCreateTextIndex:
		return s.cmdCreateIndex(coll, req)
	case wire.CmdListIndexes:
		return okResponse(coll.ListIndexes())
	case wire.CmdDropIndex:
		if err := coll.DropIndex(req.IndexName); err != nil {
			return errResponse(err)
		}
		return okResponse(nil)
	case wire.CmdInsert:
		return s.cmdInsert(state, coll, req)
	case wire.CmdInsertMany:
		return s.cmdInsertMany(state, coll, req)
	case wire.CmdFind:
		return s.cmdFind(state, coll, req)
	case wire.CmdFindOne:
		return s.cmdFindOne(state, coll, req)
	case wire.CmdUpdate:
		return s.cmdUpdate(state, coll, req)
	case wire.CmdUpdateOne:
		return s.cmdUpdateOne(state, coll, req)
	case wire.CmdDelete:
		return s.cmdDelete(state, coll, req)
	case wire.CmdDeleteOne:
		return s.cmdDeleteOne(state, coll, req)
	case wire.CmdCount:
		return s.cmdCount(state, coll, req)
	case wire.CmdAggregate:
		return s.cmdAggregate(state, coll, req)
	case wire.CmdVectorSearch:
		return s.cmdVectorSearch(state, coll, req)
	case wire.CmdCompact:
		if err := coll.Compact(); err != nil {
			return errResponse(err)
		}
		return okResponse(nil)
	default:
		return errResponse(fmt.Errorf("docstore: unknown command %q", req.Cmd))
	}
}

func mapToDoc(m map[string]interface{}) (*document.Document, error) {
	if m == nil {
		return document.NewDocument(), nil
	}
	v, err := document.FromAny(m)
	if err != nil {
		return nil, err
	}
	return v.AsObject(), nil
}

func docsToMaps(docs []*document.Document) []map[string]interface{} {
	out := make([]map[string]interface{}, len(docs))
	for i, d := range docs {
		out[i] = d.ToMap()
	}
	return out
}

func queryOptions(req *wire.Request) docstore.QueryOptions {
	opts := docstore.QueryOptions{Limit: req.Limit, Skip: req.Skip}
	for _, s := range req.Sort {
		opts.Sort = append(opts.Sort, docstore.SortField{Field: s.Field, Desc: s.Desc})
	}
	return opts
}

func (s *Server) cmdCreateCollection(req *wire.Request) *wire.Response {
	_, err := s.engine.CreateCollection(req.Collection, docstore.CollectionOptions{
		Schema: req.Schema,
		Rules:  req.Rules,
	})
	if err != nil {
		return errResponse(err)
	}
	return okResponse(nil)
}

func (s *Server) cmdCreateIndex(coll *docstore.Collection, req *wire.Request) *wire.Response {
	if req.Index == nil {
		return errResponse(errors.New("docstore: create_index requires an index definition"))
	}
	def := sidx.Definition{
		Name:      req.Index.Name,
		Fields:    req.Index.Fields,
		VectorDim: req.Index.Dimension,
	}
	switch req.Cmd {
	case wire.CmdCreateUniqueIndex:
		def.Kind = sidx.KindUnique
	case wire.CmdCreateCompositeIndex:
		def.Kind = sidx.KindRange
	case wire.CmdCreateVectorIndex:
		def.Kind = sidx.KindVector
		def.VectorMetric = sidx.VectorMetric(req.Index.Metric)
	case wire.CmdCreateTextIndex:
		// No full-text index exists in this build; create_text_index is
		// accepted here only to keep the command set complete and is a
		// no-op against the core (spec §1 scopes full-text search out of
		// the core's contract).
		return okResponse(nil)
	default:
		if len(def.Fields) > 1 {
			def.Kind = sidx.KindRange
		} else if req.Index.Kind == string(sidx.KindRange) {
			def.Kind = sidx.KindRange
		} else {
			def.Kind = sidx.KindEquality
		}
	}
	if err := coll.CreateIndex(def); err != nil {
		return errResponse(err)
	}
	return okResponse(nil)
}

// lookupTx resolves req.TxID to the connection's open transaction,
// verifying it is scoped to req.Collection (an explicit transaction
// never spans collections, spec §4.4).
func (s *Server) lookupTx(state *connState, req *wire.Request) (*transaction.Transaction, *docstore.Collection, error) {
	state.txMu.Lock()
	ot, ok := state.txns[req.TxID]
	state.txMu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("docstore: unknown or closed transaction %d", req.TxID)
	}
	if ot.coll.Name() != req.Collection {
		return nil, nil, fmt.Errorf("docstore: transaction %d is scoped to collection %q, not %q", req.TxID, ot.coll.Name(), req.Collection)
	}
	return ot.txn, ot.coll, nil
}

func isolationFromWire(level string) mvcc.IsolationLevel {
	switch level {
	case "read_uncommitted":
		return mvcc.ReadUncommitted
	case "repeatable_read":
		return mvcc.RepeatableRead
	case "serializable":
		return mvcc.Serializable
	default:
		return mvcc.ReadCommitted
	}
}

// cmdBeginTx opens a transaction scoped to req.Collection and returns a
// connection-local tx_id for the caller to thread through subsequent
// commands until commit_tx/rollback_tx (spec §6).
func (s *Server) cmdBeginTx(state *connState, req *wire.Request) *wire.Response {
	coll, ok := s.engine.Collection(req.Collection)
	if !ok {
		return errResponse(fmt.Errorf("docstore: collection %q: %w", req.Collection, docstore.ErrCollectionNotFound))
	}
	txn, err := coll.BeginTx(isolationFromWire(req.Isolation))
	if err != nil {
		return errResponse(err)
	}

	state.txMu.Lock()
	state.nextTx++
	id := state.nextTx
	state.txns[id] = &openTx{coll: coll, txn: txn}
	state.txMu.Unlock()

	return okResponse(map[string]interface{}{"tx_id": id})
}

// cmdCommitTx commits the write set staged on req.TxID (spec §4.4's
// seven-step commit discipline, via transaction.Manager.Commit).
func (s *Server) cmdCommitTx(state *connState, req *wire.Request) *wire.Response {
	state.txMu.Lock()
	ot, ok := state.txns[req.TxID]
	if ok {
		delete(state.txns, req.TxID)
	}
	state.txMu.Unlock()
	if !ok {
		return errResponse(fmt.Errorf("docstore: unknown or closed transaction %d", req.TxID))
	}
	if err := ot.coll.CommitTx(ot.txn); err != nil {
		return errResponse(err)
	}
	return okResponse(nil)
}

// cmdRollbackTx discards req.TxID's write set without touching LOG/DIDX/SIDX.
func (s *Server) cmdRollbackTx(state *connState, req *wire.Request) *wire.Response {
	state.txMu.Lock()
	ot, ok := state.txns[req.TxID]
	if ok {
		delete(state.txns, req.TxID)
	}
	state.txMu.Unlock()
	if !ok {
		return errResponse(fmt.Errorf("docstore: unknown or closed transaction %d", req.TxID))
	}
	if err := ot.coll.RollbackTx(ot.txn); err != nil {
		return errResponse(err)
	}
	return okResponse(nil)
}

func (s *Server) cmdInsert(state *connState, coll *docstore.Collection, req *wire.Request) *wire.Response {
	doc, err := mapToDoc(req.Document)
	if err != nil {
		return errResponse(err)
	}
	if req.TxID != 0 {
		txn, txColl, err := s.lookupTx(state, req)
		if err != nil {
			return errResponse(err)
		}
		id, err := txColl.TxInsert(state.auth, txn, doc)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(map[string]interface{}{"id": id})
	}
	timer := metrics.NewTimer()
	id, err := coll.Insert(state.auth, doc)
	timer.ObserveDuration(metrics.TransactionCommitDuration)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(map[string]interface{}{"id": id})
}

func (s *Server) cmdInsertMany(state *connState, coll *docstore.Collection, req *wire.Request) *wire.Response {
	docs := make([]*document.Document, len(req.Documents))
	for i, m := range req.Documents {
		d, err := mapToDoc(m)
		if err != nil {
			return errResponse(err)
		}
		docs[i] = d
	}
	ids, err := coll.InsertMany(state.auth, docs)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(ids)
}

func (s *Server) cmdFind(state *connState, coll *docstore.Collection, req *wire.Request) *wire.Response {
	filter, err := mapToDoc(req.Filter)
	if err != nil {
		return errResponse(err)
	}
	if req.TxID != 0 {
		txn, txColl, err := s.lookupTx(state, req)
		if err != nil {
			return errResponse(err)
		}
		docs, err := txColl.TxFind(state.auth, txn, filter)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(docsToMaps(docs))
	}
	timer := metrics.NewTimer()
	docs, err := coll.Find(state.auth, filter, queryOptions(req))
	timer.ObserveDurationVec(metrics.QueryDuration, "find")
	if err != nil {
		return errResponse(err)
	}
	return okResponse(docsToMaps(docs))
}

func (s *Server) cmdFindOne(state *connState, coll *docstore.Collection, req *wire.Request) *wire.Response {
	filter, err := mapToDoc(req.Filter)
	if err != nil {
		return errResponse(err)
	}
	if req.TxID != 0 {
		txn, txColl, err := s.lookupTx(state, req)
		if err != nil {
			return errResponse(err)
		}
		doc, found, err := txColl.TxFindOne(state.auth, txn, filter)
		if err != nil {
			return errResponse(err)
		}
		if !found {
			return okResponse(nil)
		}
		return okResponse(doc.ToMap())
	}
	doc, found, err := coll.FindOne(state.auth, filter)
	if err != nil {
		return errResponse(err)
	}
	if !found {
		return okResponse(nil)
	}
	return okResponse(doc.ToMap())
}

func (s *Server) cmdUpdate(state *connState, coll *docstore.Collection, req *wire.Request) *wire.Response {
	filter, err := mapToDoc(req.Filter)
	if err != nil {
		return errResponse(err)
	}
	update, err := mapToDoc(req.Update)
	if err != nil {
		return errResponse(err)
	}
	if req.TxID != 0 {
		txn, txColl, err := s.lookupTx(state, req)
		if err != nil {
			return errResponse(err)
		}
		n, err := txColl.TxUpdate(state.auth, txn, filter, update)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(map[string]interface{}{"modified": n})
	}
	n, err := coll.Update(state.auth, filter, update)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(map[string]interface{}{"modified": n})
}

func (s *Server) cmdUpdateOne(state *connState, coll *docstore.Collection, req *wire.Request) *wire.Response {
	filter, err := mapToDoc(req.Filter)
	if err != nil {
		return errResponse(err)
	}
	update, err := mapToDoc(req.Update)
	if err != nil {
		return errResponse(err)
	}
	if req.TxID != 0 {
		txn, txColl, err := s.lookupTx(state, req)
		if err != nil {
			return errResponse(err)
		}
		n, err := txColl.TxUpdateOne(state.auth, txn, filter, update)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(map[string]interface{}{"modified": n})
	}
	n, err := coll.UpdateOne(state.auth, filter, update)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(map[string]interface{}{"modified": n})
}

func (s *Server) cmdDelete(state *connState, coll *docstore.Collection, req *wire.Request) *wire.Response {
	filter, err := mapToDoc(req.Filter)
	if err != nil {
		return errResponse(err)
	}
	if req.TxID != 0 {
		txn, txColl, err := s.lookupTx(state, req)
		if err != nil {
			return errResponse(err)
		}
		n, err := txColl.TxDelete(state.auth, txn, filter)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(map[string]interface{}{"deleted": n})
	}
	n, err := coll.Delete(state.auth, filter)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(map[string]interface{}{"deleted": n})
}

func (s *Server) cmdDeleteOne(state *connState, coll *docstore.Collection, req *wire.Request) *wire.Response {
	filter, err := mapToDoc(req.Filter)
	if err != nil {
		return errResponse(err)
	}
	if req.TxID != 0 {
		txn, txColl, err := s.lookupTx(state, req)
		if err != nil {
			return errResponse(err)
		}
		n, err := txColl.TxDeleteOne(state.auth, txn, filter)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(map[string]interface{}{"deleted": n})
	}
	n, err := coll.DeleteOne(state.auth, filter)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(map[string]interface{}{"deleted": n})
}

func (s *Server) cmdCount(state *connState, coll *docstore.Collection, req *wire.Request) *wire.Response {
	filter, err := mapToDoc(req.Filter)
	if err != nil {
		return errResponse(err)
	}
	if req.TxID != 0 {
		txn, txColl, err := s.lookupTx(state, req)
		if err != nil {
			return errResponse(err)
		}
		n, err := txColl.TxCount(state.auth, txn, filter)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(map[string]interface{}{"count": n})
	}
	n, err := coll.Count(state.auth, filter)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(map[string]interface{}{"count": n})
}

func (s *Server) cmdAggregate(state *connState, coll *docstore.Collection, req *wire.Request) *wire.Response {
	stages := make([]document.Value, len(req.Pipeline))
	for i, stage := range req.Pipeline {
		v, err := document.FromAny(stage)
		if err != nil {
			return errResponse(err)
		}
		stages[i] = v
	}
	docs, err := coll.Aggregate(state.auth, stages)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(docsToMaps(docs))
}

func (s *Server) cmdVectorSearch(state *connState, coll *docstore.Collection, req *wire.Request) *wire.Response {
	docs, err := coll.VectorSearch(state.auth, req.Field, req.QueryVector, req.Limit)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(docsToMaps(docs))
}

// handleAuth drives the two-step SCRAM-SHA-256 handshake (spec §6,
// grounded in security/scram.go): step 1 looks up the user's stored
// credentials and returns a fresh server nonce plus the salt/iteration
// count; step 2 verifies the client's proof against that nonce.
func (s *Server) handleAuth(state *connState, req *wire.Request) *wire.Response {
	switch req.Step {
	case 1:
		creds, err := s.engine.Users().GetSCRAMCredentials(req.Username)
		if err != nil {
			return errResponse(fmt.Errorf("docstore: authentication failed"))
		}
		nonce, err := randomNonce()
		if err != nil {
			return errResponse(err)
		}
		state.username = req.Username
		state.pendingNonce = nonce
		return okResponse(wire.AuthChallenge{
			Salt:       creds.Salt,
			Iterations: creds.Iterations,
			SessionID:  nonce,
		})
	case 2:
		if state.pendingNonce == "" {
			return errResponse(errors.New("docstore: auth step 2 without a pending step 1"))
		}
		creds, err := s.engine.Users().GetSCRAMCredentials(state.username)
		if err != nil {
			return errResponse(fmt.Errorf("docstore: authentication failed"))
		}
		authMessage := state.username + ":" + state.pendingNonce
		if !security.VerifyClientProof(creds.StoredKey, authMessage, req.Proof) {
			s.engine.Audit().Log(security.EventLoginFailure, state.username, "", nil)
			return errResponse(fmt.Errorf("docstore: authentication failed"))
		}
		state.authenticated = true
		state.auth = &rules.AuthContext{UID: state.username}
		state.pendingNonce = ""
		s.engine.Audit().Log(security.EventLoginSuccess, state.username, "", nil)
		return okResponse(wire.AuthResult{})
	default:
		return errResponse(fmt.Errorf("docstore: unknown auth step %d", req.Step))
	}
}

func randomNonce() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
