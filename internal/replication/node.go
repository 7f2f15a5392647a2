package replication

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/bunbase/docstore/internal/metrics"
)

// Config configures a single replication Node, narrowed from the
// teacher's raft.Config to what hashicorp/raft itself needs plus the
// peer this node bootstraps a cluster with.
type Config struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool // true only for the node that forms a brand-new cluster
}

// Node owns one collection-manager-wide raft.Raft instance; every
// collection's replicated writes funnel through the same raft log, with
// Command.Collection routing each entry to the right collection on
// apply. One Node per process, not one per collection — spec §5 notes
// cross-collection ordering isn't guaranteed, so sharing one raft log
// only strengthens (never weakens) the per-collection ordering §4.4
// promises.
type Node struct {
	raft   *raft.Raft
	fsm    *FSM
	logger zerolog.Logger
}

// Start creates (or rejoins) a raft node over fsm, using raft-boltdb for
// the stable/log stores and raft's file snapshot store, the way
// cuemby-warren's Manager.Bootstrap wires raft.NewRaft.
func Start(cfg Config, fsm *FSM, logger zerolog.Logger) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("replication: create data dir: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("replication: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("replication: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("replication: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("replication: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("replication: create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("replication: create raft instance: %w", err)
	}

	if cfg.Bootstrap {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftConfig.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("replication: bootstrap cluster: %w", err)
		}
	}

	n := &Node{raft: r, fsm: fsm, logger: logger}
	go n.watchLeadership()
	return n, nil
}

// watchLeadership mirrors the raft leadership-change channel into the
// raftIsLeader gauge so /metrics reflects which node believes it's
// leader without a caller having to poll.
func (n *Node) watchLeadership() {
	for isLeader := range n.raft.LeaderCh() {
		if isLeader {
			metrics.RaftIsLeader.Set(1)
			n.logger.Info().Str("state", n.raft.State().String()).Msg("raft: became leader")
		} else {
			metrics.RaftIsLeader.Set(0)
		}
	}
}

// Propose submits cmd to the cluster and blocks until it is committed (or
// the timeout elapses). Only the leader's Propose call succeeds; a
// follower should reject the originating write before ever reaching
// here (spec's command dispatcher is expected to redirect or reject
// writes against a non-leader, per §6).
func (n *Node) Propose(cmd Command, timeout time.Duration) error {
	data, err := cmd.Encode()
	if err != nil {
		return fmt.Errorf("replication: encode command: %w", err)
	}
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("replication: apply: %w", err)
	}
	if errVal, ok := future.Response().(error); ok && errVal != nil {
		return fmt.Errorf("replication: fsm apply: %w", errVal)
	}
	return nil
}

// IsLeader reports whether this node currently believes it is the raft
// leader.
func (n *Node) IsLeader() bool { return n.raft.State() == raft.Leader }

// AddVoter adds nodeID@address as a voting member of the cluster. Only
// meaningful when called against the current leader.
func (n *Node) AddVoter(nodeID, address string) error {
	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// Shutdown stops this node's participation in the raft cluster.
func (n *Node) Shutdown() error {
	return n.raft.Shutdown().Error()
}
