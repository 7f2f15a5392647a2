// Package client is a thin TCP client for docstore-server, speaking the
// length-prefixed JSON protocol in the wire package. Grounded in the
// teacher's own client/client.go (Client -> Database -> Collection
// handle chain, one mutex-guarded net.Conn per Client) but rebuilt
// against wire.Request/wire.Response instead of the teacher's
// opcode+binary-header messages, and against spec §6's flat collection
// namespace (no per-client Database grouping).
package client

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bunbase/docstore/security"
	"github.com/bunbase/docstore/wire"
)

// decodeInto round-trips data (already generically decoded by
// encoding/json as part of wire.Response) through JSON once more to
// coerce it into the concrete shape out points at, returning out itself
// so callers can inline a type assertion. Returns nil if the round trip
// fails, so the caller's comma-ok type assertion reports the failure.
func decodeInto(data interface{}, out interface{}) interface{} {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil
	}
	return out
}

// Client is a single connection to a docstore-server instance.
type Client struct {
	addr string
	conn net.Conn
	mu   sync.Mutex
}

// Connect dials addr and returns a ready-to-use Client.
func Connect(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	return &Client{addr: addr, conn: conn}, nil
}

// call sends req and returns the decoded response, failing on either a
// transport error or an {"ok": false} application error.
func (c *Client) call(req *wire.Request) (*wire.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := wire.WriteRequest(c.conn, req); err != nil {
		return nil, fmt.Errorf("client: write request: %w", err)
	}
	resp, err := wire.ReadResponse(c.conn)
	if err != nil {
		return nil, fmt.Errorf("client: read response: %w", err)
	}
	if !resp.OK {
		return resp, fmt.Errorf("client: %s", resp.Error)
	}
	return resp, nil
}

// Login drives the two-step SCRAM-SHA-256 handshake (spec §6's `auth`
// command) against the connected server.
func (c *Client) Login(username, password string) error {
	resp, err := c.call(&wire.Request{Cmd: wire.CmdAuth, Step: 1, Username: username})
	if err != nil {
		return fmt.Errorf("client: auth step 1: %w", err)
	}
	challenge, ok := decodeInto(resp.Data, &wire.AuthChallenge{}).(*wire.AuthChallenge)
	if !ok {
		return fmt.Errorf("client: unexpected auth challenge payload")
	}

	authMessage := username + ":" + challenge.SessionID
	proof, err := security.ComputeClientProof(password, challenge.Salt, challenge.Iterations, authMessage)
	if err != nil {
		return fmt.Errorf("client: compute proof: %w", err)
	}

	if _, err := c.call(&wire.Request{Cmd: wire.CmdAuth, Step: 2, Username: username, Proof: proof}); err != nil {
		return fmt.Errorf("client: auth step 2: %w", err)
	}
	return nil
}

// Ping round-trips a ping command, confirming the connection is alive.
func (c *Client) Ping() error {
	_, err := c.call(&wire.Request{Cmd: wire.CmdPing})
	return err
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Collection returns a handle bound to the named collection.
func (c *Client) Collection(name string) *Collection {
	return &Collection{client: c, name: name}
}

// CreateCollection creates a new collection with an optional JSON schema
// and CEL rule set.
func (c *Client) CreateCollection(name, schema string, rules map[string]string) error {
	_, err := c.call(&wire.Request{Cmd: wire.CmdCreateCollection, Collection: name, Schema: schema, Rules: rules})
	return err
}

// ListCollections returns every collection name known to the server.
func (c *Client) ListCollections() ([]string, error) {
	resp, err := c.call(&wire.Request{Cmd: wire.CmdListCollections})
	if err != nil {
		return nil, err
	}
	names, ok := decodeInto(resp.Data, &[]string{}).(*[]string)
	if !ok {
		return nil, fmt.Errorf("client: unexpected list_collections payload")
	}
	return *names, nil
}

// DropCollection permanently deletes a collection and its documents.
func (c *Client) DropCollection(name string) error {
	_, err := c.call(&wire.Request{Cmd: wire.CmdDropCollection, Collection: name})
	return err
}

// Tx is a handle to a transaction opened with BeginTx (spec §4.4/§6's
// begin_tx/commit_tx/rollback_tx): every command issued through
// Tx.Collection carries this transaction's tx_id instead of committing
// on its own.
type Tx struct {
	client *Client
	id     uint64
}

// BeginTx opens a transaction scoped to collection at the given isolation
// level ("" selects docstore's default, read_committed; otherwise one of
// "read_uncommitted", "repeatable_read", "serializable").
func (c *Client) BeginTx(collection, isolation string) (*Tx, error) {
	resp, err := c.call(&wire.Request{Cmd: wire.CmdBeginTx, Collection: collection, Isolation: isolation})
	if err != nil {
		return nil, err
	}
	m, ok := decodeInto(resp.Data, &map[string]interface{}{}).(*map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("client: unexpected begin_tx payload")
	}
	id, _ := (*m)["tx_id"].(float64)
	return &Tx{client: c, id: uint64(id)}, nil
}

// Collection returns a handle for issuing commands against name scoped to
// this transaction — every call carries t's tx_id, staging writes without
// committing them until Commit is called.
func (t *Tx) Collection(name string) *Collection {
	return &Collection{client: t.client, name: name, txID: t.id}
}

// Commit commits every write staged on this transaction.
func (t *Tx) Commit() error {
	_, err := t.client.call(&wire.Request{Cmd: wire.CmdCommitTx, TxID: t.id})
	return err
}

// Rollback discards every write staged on this transaction.
func (t *Tx) Rollback() error {
	_, err := t.client.call(&wire.Request{Cmd: wire.CmdRollbackTx, TxID: t.id})
	return err
}

// Collection is a handle for issuing CRUD/query commands against one
// named collection over the owning Client's connection. A zero txID (the
// default, via Client.Collection) issues one-shot commands that commit
// immediately; a Collection returned by Tx.Collection instead stages
// every write on that open transaction.
type Collection struct {
	client *Client
	name   string
	txID   uint64
}

// Insert inserts one document, returning its assigned _id.
func (c *Collection) Insert(doc map[string]interface{}) (string, error) {
	resp, err := c.client.call(&wire.Request{Cmd: wire.CmdInsert, Collection: c.name, Document: doc, TxID: c.txID})
	if err != nil {
		return "", err
	}
	m, ok := decodeInto(resp.Data, &map[string]interface{}{}).(*map[string]interface{})
	if !ok {
		return "", fmt.Errorf("client: unexpected insert payload")
	}
	id, _ := (*m)["id"].(string)
	return id, nil
}

// Find executes a filter against the collection, applying opts if given.
func (c *Collection) Find(filter map[string]interface{}, opts ...wire.SortSpec) ([]map[string]interface{}, error) {
	req := &wire.Request{Cmd: wire.CmdFind, Collection: c.name, Filter: filter, Sort: opts, TxID: c.txID}
	resp, err := c.client.call(req)
	if err != nil {
		return nil, err
	}
	docs, ok := decodeInto(resp.Data, &[]map[string]interface{}{}).(*[]map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("client: unexpected find payload")
	}
	return *docs, nil
}

// Update applies update to every document matching filter, returning the
// number of documents modified.
func (c *Collection) Update(filter, update map[string]interface{}) (int, error) {
	resp, err := c.client.call(&wire.Request{Cmd: wire.CmdUpdate, Collection: c.name, Filter: filter, Update: update, TxID: c.txID})
	if err != nil {
		return 0, err
	}
	m, ok := decodeInto(resp.Data, &map[string]interface{}{}).(*map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("client: unexpected update payload")
	}
	n, _ := (*m)["modified"].(float64)
	return int(n), nil
}

// Delete removes every document matching filter, returning the number
// deleted.
func (c *Collection) Delete(filter map[string]interface{}) (int, error) {
	resp, err := c.client.call(&wire.Request{Cmd: wire.CmdDelete, Collection: c.name, Filter: filter, TxID: c.txID})
	if err != nil {
		return 0, err
	}
	m, ok := decodeInto(resp.Data, &map[string]interface{}{}).(*map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("client: unexpected delete payload")
	}
	n, _ := (*m)["deleted"].(float64)
	return int(n), nil
}

// Count returns the number of documents matching filter.
func (c *Collection) Count(filter map[string]interface{}) (int, error) {
	resp, err := c.client.call(&wire.Request{Cmd: wire.CmdCount, Collection: c.name, Filter: filter, TxID: c.txID})
	if err != nil {
		return 0, err
	}
	m, ok := decodeInto(resp.Data, &map[string]interface{}{}).(*map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("client: unexpected count payload")
	}
	n, _ := (*m)["count"].(float64)
	return int(n), nil
}

// VectorSearch runs a top-k nearest-neighbor search over a vector index.
func (c *Collection) VectorSearch(field string, queryVector []float64, limit int) ([]map[string]interface{}, error) {
	req := &wire.Request{Cmd: wire.CmdVectorSearch, Collection: c.name, Field: field, QueryVector: queryVector, Limit: limit, TxID: c.txID}
	resp, err := c.client.call(req)
	if err != nil {
		return nil, err
	}
	docs, ok := decodeInto(resp.Data, &[]map[string]interface{}{}).(*[]map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("client: unexpected vector_search payload")
	}
	return *docs, nil
}
