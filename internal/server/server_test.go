package server

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bunbase/docstore"
	"github.com/bunbase/docstore/client"
)

var testPort atomic.Int32

// startTestServer opens a throwaway Engine under t.TempDir() and serves it
// on a fixed loopback port, returning a connected client.
func startTestServer(t *testing.T, cfg Config) *client.Client {
	t.Helper()
	engine, err := docstore.Open(docstore.EngineOptions{DataDir: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = fmt.Sprintf("127.0.0.1:%d", 28440+testPort.Add(1))
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := New(cfg, engine, zerolog.Nop())
	go srv.Serve(ctx)
	t.Cleanup(func() {
		srv.Shutdown()
		cancel()
	})

	time.Sleep(50 * time.Millisecond)

	c, err := client.Connect(cfg.ListenAddr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPing(t *testing.T) {
	c := startTestServer(t, Config{})
	if err := c.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestCreateCollectionAndCRUD(t *testing.T) {
	c := startTestServer(t, Config{})

	if err := c.CreateCollection("users", "", nil); err != nil {
		t.Fatalf("create_collection: %v", err)
	}

	names, err := c.ListCollections()
	if err != nil {
		t.Fatalf("list_collections: %v", err)
	}
	if len(names) != 1 || names[0] != "users" {
		t.Fatalf("unexpected collections: %v", names)
	}

	users := c.Collection("users")
	id, err := users.Insert(map[string]interface{}{"name": "Alice", "age": 30.0})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty inserted id")
	}

	docs, err := users.Find(map[string]interface{}{"name": "Alice"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 match, got %d", len(docs))
	}

	n, err := users.Update(map[string]interface{}{"name": "Alice"}, map[string]interface{}{"$set": map[string]interface{}{"age": 31.0}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 modified, got %d", n)
	}

	count, err := users.Count(map[string]interface{}{"name": "Alice"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}

	deleted, err := users.Delete(map[string]interface{}{"name": "Alice"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}

	if err := c.DropCollection("users"); err != nil {
		t.Fatalf("drop_collection: %v", err)
	}
}

func TestUnknownCollectionRejected(t *testing.T) {
	c := startTestServer(t, Config{})
	// Collection lookups against a nonexistent collection should surface
	// a clean error, not a panic.
	users := c.Collection("does-not-exist")
	if _, err := users.Find(map[string]interface{}{}); err == nil {
		t.Fatal("expected an error finding against an unknown collection")
	}
}

func TestRequireAuthGatesCommands(t *testing.T) {
	c := startTestServer(t, Config{RequireAuth: true})

	if err := c.Ping(); err != nil {
		t.Fatalf("ping should always be permitted: %v", err)
	}
	if err := c.CreateCollection("users", "", nil); err == nil {
		t.Fatal("expected create_collection to be rejected without authentication")
	}
}

// TestTransactionOCCConflict drives Testable Scenario A through the wire
// protocol: two transactions read the same document, both stage an
// update, the first to commit wins and the second must fail with an OCC
// conflict rather than silently clobbering it.
func TestTransactionOCCConflict(t *testing.T) {
	c := startTestServer(t, Config{})
	if err := c.CreateCollection("accounts", "", nil); err != nil {
		t.Fatalf("create_collection: %v", err)
	}
	accounts := c.Collection("accounts")
	id, err := accounts.Insert(map[string]interface{}{"balance": 100.0})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	tx1, err := c.BeginTx("accounts", "")
	if err != nil {
		t.Fatalf("begin_tx 1: %v", err)
	}
	tx2, err := c.BeginTx("accounts", "")
	if err != nil {
		t.Fatalf("begin_tx 2: %v", err)
	}

	// Both transactions observe the same pre-conflict version.
	if _, err := tx1.Collection("accounts").Find(map[string]interface{}{"_id": id}); err != nil {
		t.Fatalf("tx1 find: %v", err)
	}
	if _, err := tx2.Collection("accounts").Find(map[string]interface{}{"_id": id}); err != nil {
		t.Fatalf("tx2 find: %v", err)
	}

	if _, err := tx1.Collection("accounts").Update(map[string]interface{}{"_id": id}, map[string]interface{}{"$set": map[string]interface{}{"balance": 150.0}}); err != nil {
		t.Fatalf("tx1 update: %v", err)
	}
	if _, err := tx2.Collection("accounts").Update(map[string]interface{}{"_id": id}, map[string]interface{}{"$set": map[string]interface{}{"balance": 200.0}}); err != nil {
		t.Fatalf("tx2 update: %v", err)
	}

	if err := tx1.Commit(); err != nil {
		t.Fatalf("tx1 commit should succeed: %v", err)
	}
	err = tx2.Commit()
	if err == nil {
		t.Fatal("expected tx2 commit to fail with an OCC conflict")
	}
	if !containsConflict(err) {
		t.Fatalf("expected a conflict error, got: %v", err)
	}

	docs, err := accounts.Find(map[string]interface{}{"_id": id})
	if err != nil {
		t.Fatalf("find after commit: %v", err)
	}
	if len(docs) != 1 || docs[0]["balance"] != 150.0 {
		t.Fatalf("expected tx1's write to have won, got %v", docs)
	}
}

// TestTransactionRepeatableRead drives Invariant 4: a RepeatableRead
// transaction that reads a document twice sees the same value both
// times, even though another transaction commits a change to it
// in between.
func TestTransactionRepeatableRead(t *testing.T) {
	c := startTestServer(t, Config{})
	if err := c.CreateCollection("accounts", "", nil); err != nil {
		t.Fatalf("create_collection: %v", err)
	}
	accounts := c.Collection("accounts")
	id, err := accounts.Insert(map[string]interface{}{"balance": 100.0})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	reader, err := c.BeginTx("accounts", "repeatable_read")
	if err != nil {
		t.Fatalf("begin_tx: %v", err)
	}

	first, err := reader.Collection("accounts").Find(map[string]interface{}{"_id": id})
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if len(first) != 1 || first[0]["balance"] != 100.0 {
		t.Fatalf("unexpected first read: %v", first)
	}

	if _, err := accounts.Update(map[string]interface{}{"_id": id}, map[string]interface{}{"$set": map[string]interface{}{"balance": 999.0}}); err != nil {
		t.Fatalf("concurrent update: %v", err)
	}

	second, err := reader.Collection("accounts").Find(map[string]interface{}{"_id": id})
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if len(second) != 1 || second[0]["balance"] != 100.0 {
		t.Fatalf("expected repeatable read to pin balance at 100, got %v", second)
	}

	if err := reader.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
}

func containsConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "conflict")
}
