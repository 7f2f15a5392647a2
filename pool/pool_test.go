package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bunbase/docstore"
	"github.com/bunbase/docstore/internal/server"
)

// testPort avoids binding the same loopback port across this package's
// tests, which each start their own in-process server.
var testPort atomic.Int32

// startTestServer opens a throwaway Engine under t.TempDir() and serves it
// on an ephemeral loopback port, returning that address.
func startTestServer(t *testing.T) string {
	t.Helper()
	engine, err := docstore.Open(docstore.EngineOptions{DataDir: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	// server.Serve binds its own listener internally and doesn't expose the
	// resolved address, so tests use a fixed high port rather than :0.
	addr := fmt.Sprintf("127.0.0.1:%d", 27340+testPort.Add(1))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := server.New(server.Config{ListenAddr: addr}, engine, zerolog.Nop())
	go srv.Serve(ctx)
	time.Sleep(50 * time.Millisecond)
	return addr
}

func TestNewPool(t *testing.T) {
	addr := startTestServer(t)

	opts := DefaultOptions()
	opts.MinSize = 3
	opts.MaxSize = 10

	p, err := New(addr, opts)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	defer p.Close()

	stats := p.GetStats()
	if stats.TotalConnections != 3 {
		t.Errorf("expected 3 initial connections, got %d", stats.TotalConnections)
	}
	if stats.MinSize != 3 || stats.MaxSize != 10 {
		t.Errorf("unexpected min/max size: %+v", stats)
	}
}

func TestAcquireRelease(t *testing.T) {
	addr := startTestServer(t)

	opts := DefaultOptions()
	opts.MinSize = 2
	p, err := New(addr, opts)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	defer p.Close()

	conn, err := p.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !conn.InUse.Load() {
		t.Error("connection should be marked in use")
	}

	if err := p.Release(conn); err != nil {
		t.Fatalf("release: %v", err)
	}
	if conn.InUse.Load() {
		t.Error("connection should not be in use after release")
	}
}

func TestPoolMaxSize(t *testing.T) {
	addr := startTestServer(t)

	opts := DefaultOptions()
	opts.MinSize = 1
	opts.MaxSize = 3
	p, err := New(addr, opts)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	defer p.Close()

	conns := make([]*Connection, 0, 3)
	for i := 0; i < 3; i++ {
		conn, err := p.Acquire()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		conns = append(conns, conn)
	}

	if _, err := p.Acquire(); err == nil {
		t.Error("expected error when exceeding max pool size")
	}

	p.Release(conns[0])
	if _, err := p.Acquire(); err != nil {
		t.Errorf("should acquire after release: %v", err)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	addr := startTestServer(t)

	opts := DefaultOptions()
	opts.MinSize = 5
	opts.MaxSize = 20
	p, err := New(addr, opts)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	defer p.Close()

	const numWorkers = 10
	const iterations = 5

	done := make(chan bool, numWorkers)
	errs := make(chan error, numWorkers*iterations)

	for i := 0; i < numWorkers; i++ {
		go func() {
			for j := 0; j < iterations; j++ {
				conn, err := p.Acquire()
				if err != nil {
					errs <- err
					continue
				}
				time.Sleep(5 * time.Millisecond)
				if err := p.Release(conn); err != nil {
					errs <- err
				}
			}
			done <- true
		}()
	}

	for i := 0; i < numWorkers; i++ {
		<-done
	}
	close(errs)
	for err := range errs {
		t.Errorf("worker error: %v", err)
	}

	stats := p.GetStats()
	if stats.ActiveConnections != 0 {
		t.Errorf("expected 0 active connections after completion, got %d", stats.ActiveConnections)
	}
}
