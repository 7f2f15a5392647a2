// Package pool manages a pool of docstore client.Client connections,
// grounded in the teacher's own pool/pool.go (min/max size, idle-timeout
// health checker, Acquire/Release over an atomic in-use flag) but
// rebuilt over client.Connect's TCP handle instead of an embedded
// bundoc.Database — the new storage engine lives behind docstore-server,
// so "a pooled connection" now means a pooled socket, not a pooled
// process-local database handle.
package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bunbase/docstore/client"
)

// Connection is one pooled client.Client plus its pool bookkeeping.
type Connection struct {
	Client    *client.Client
	ID        uint64
	lastUsed  time.Time
	InUse     atomic.Bool
	CreatedAt time.Time
	pool      *Pool
	mu        sync.RWMutex
}

// GetLastUsed returns when the connection was last acquired or released.
func (c *Connection) GetLastUsed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUsed
}

func (c *Connection) setLastUsed(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUsed = t
}

// Pool manages a pool of TCP connections to one docstore-server address.
type Pool struct {
	addr string

	connections []*Connection
	mu          sync.RWMutex
	nextID      atomic.Uint64

	minSize        int
	maxSize        int
	idleTimeout    time.Duration
	healthInterval time.Duration

	stopChan chan struct{}
	running  bool
}

// Options configures a Pool.
type Options struct {
	MinSize        int
	MaxSize        int
	IdleTimeout    time.Duration
	HealthInterval time.Duration
}

// DefaultOptions returns sensible pool defaults.
func DefaultOptions() *Options {
	return &Options{
		MinSize:        5,
		MaxSize:        100,
		IdleTimeout:    5 * time.Minute,
		HealthInterval: 30 * time.Second,
	}
}

// New dials addr and returns a Pool pre-warmed to opts.MinSize
// connections. opts == nil uses DefaultOptions.
func New(addr string, opts *Options) (*Pool, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	p := &Pool{
		addr:           addr,
		connections:    make([]*Connection, 0, opts.MaxSize),
		minSize:        opts.MinSize,
		maxSize:        opts.MaxSize,
		idleTimeout:    opts.IdleTimeout,
		healthInterval: opts.HealthInterval,
		stopChan:       make(chan struct{}),
	}

	for i := 0; i < opts.MinSize; i++ {
		conn, err := p.createConnection()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("pool: create initial connection: %w", err)
		}
		p.connections = append(p.connections, conn)
	}

	p.running = true
	go p.healthChecker()
	return p, nil
}

func (p *Pool) createConnection() (*Connection, error) {
	c, err := client.Connect(p.addr)
	if err != nil {
		return nil, err
	}
	conn := &Connection{
		Client:    c,
		ID:        p.nextID.Add(1),
		CreatedAt: time.Now(),
		pool:      p,
	}
	conn.setLastUsed(time.Now())
	return conn, nil
}

// Acquire returns an idle connection, creating one if under maxSize.
func (p *Pool) Acquire() (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil, fmt.Errorf("pool: closed")
	}

	for _, conn := range p.connections {
		if !conn.InUse.Load() {
			if conn.Client.Ping() != nil {
				continue
			}
			conn.InUse.Store(true)
			conn.setLastUsed(time.Now())
			return conn, nil
		}
	}

	if len(p.connections) < p.maxSize {
		conn, err := p.createConnection()
		if err != nil {
			return nil, fmt.Errorf("pool: create connection: %w", err)
		}
		conn.InUse.Store(true)
		p.connections = append(p.connections, conn)
		return conn, nil
	}

	return nil, fmt.Errorf("pool: exhausted, max size %d reached", p.maxSize)
}

// Release returns conn to the pool.
func (p *Pool) Release(conn *Connection) error {
	if conn == nil {
		return fmt.Errorf("pool: cannot release nil connection")
	}
	if conn.pool != p {
		return fmt.Errorf("pool: connection does not belong to this pool")
	}
	conn.InUse.Store(false)
	conn.setLastUsed(time.Now())
	return nil
}

func (p *Pool) healthChecker() {
	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.checkHealth()
		case <-p.stopChan:
			return
		}
	}
}

func (p *Pool) checkHealth() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	active := make([]*Connection, 0, len(p.connections))

	for _, conn := range p.connections {
		if conn.InUse.Load() {
			active = append(active, conn)
			continue
		}
		if conn.Client.Ping() != nil {
			conn.Client.Close()
			continue
		}
		if now.Sub(conn.GetLastUsed()) > p.idleTimeout && len(active) >= p.minSize {
			conn.Client.Close()
			continue
		}
		active = append(active, conn)
	}
	p.connections = active

	for len(p.connections) < p.minSize {
		conn, err := p.createConnection()
		if err != nil {
			break
		}
		p.connections = append(p.connections, conn)
	}
}

// Stats reports a snapshot of the pool's current composition.
type Stats struct {
	TotalConnections  int
	IdleConnections   int
	ActiveConnections int
	MinSize           int
	MaxSize           int
}

// GetStats returns a Stats snapshot.
func (p *Pool) GetStats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := Stats{
		TotalConnections: len(p.connections),
		MinSize:          p.minSize,
		MaxSize:          p.maxSize,
	}
	for _, conn := range p.connections {
		if conn.InUse.Load() {
			stats.ActiveConnections++
		} else {
			stats.IdleConnections++
		}
	}
	return stats
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return fmt.Errorf("pool: already closed")
	}
	p.running = false
	close(p.stopChan)

	var lastErr error
	for _, conn := range p.connections {
		if err := conn.Client.Close(); err != nil {
			lastErr = err
		}
	}
	p.connections = nil
	return lastErr
}
