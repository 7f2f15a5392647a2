// Package replication wires the core's APPLY entry point (spec §4.7) to a
// real consensus protocol for a replicated deployment. Grounded in the
// teacher's own raft/ package (Config/DefaultConfig naming, the
// StateMachine.Apply(cmd []byte) contract) but replacing its hand-rolled
// election/replication/transport code with hashicorp/raft + raft-boltdb,
// the way cuemby-warren/pkg/manager wires raft.NewRaft against its own
// FSM — the spec itself treats the consensus layer as an external
// collaborator ("this spec assumes a leader simply calls the core's apply
// entry point and requires determinism"), so this package's only
// obligation is to be that deterministic caller.
package replication

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/bunbase/docstore/internal/metrics"
)

// Applier is the subset of *docstore.Engine the FSM needs: resolve a
// collection by name and replay a commit batch into it. Kept as a narrow
// interface (rather than importing the root docstore package directly) to
// avoid a replication<->docstore import cycle, since docstore.Engine is
// the thing that constructs an FSM.
type Applier interface {
	Collection(name string) (CollectionApplier, bool)
}

// CollectionApplier is the one method the FSM calls on a resolved
// collection.
type CollectionApplier interface {
	Apply(batch []byte) error
}

// Command is the envelope written to the raft log for every replicated
// write: which collection it targets, plus the opaque commit batch that
// collection's transaction manager already produced locally on the
// leader (logstore.EncodeBatch's output).
type Command struct {
	Collection string `json:"collection"`
	Batch      []byte `json:"batch"`
}

// Encode serializes cmd for raft.Raft.Apply.
func (c Command) Encode() ([]byte, error) { return json.Marshal(c) }

// FSM implements hashicorp/raft's raft.FSM, replaying committed commands
// into the local collection store via the core's APPLY entry point.
type FSM struct {
	mu     sync.RWMutex
	engine Applier
	logger zerolog.Logger
}

// NewFSM returns an FSM that applies committed commands against engine.
func NewFSM(engine Applier, logger zerolog.Logger) *FSM {
	return &FSM{engine: engine, logger: logger}
}

// Apply is called by raft once a log entry is committed by a quorum.
// Grounded in cuemby-warren's WarrenFSM.Apply: unmarshal the command,
// dispatch, return an error value raft will surface to whichever node
// issued the original raft.Apply call (only meaningful on the leader).
func (f *FSM) Apply(entry *raft.Log) interface{} {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("replication: unmarshal command: %w", err)
	}

	f.mu.RLock()
	coll, ok := f.engine.Collection(cmd.Collection)
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("replication: apply: unknown collection %q", cmd.Collection)
	}
	if err := coll.Apply(cmd.Batch); err != nil {
		f.logger.Error().Err(err).Str("collection", cmd.Collection).Msg("apply failed")
		return err
	}
	return nil
}

// Snapshot is a no-op in the sense that matters here: every collection's
// own LOG is already the durable, replayable record (spec §4.7's REC), so
// a raft snapshot only needs to checkpoint raft's own log index — the
// actual document state is recovered from each collection's LOG on
// restart, not from a raft FSM snapshot blob.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return emptySnapshot{}, nil
}

// Restore is likewise a no-op: a node that falls far enough behind to
// need raft's InstallSnapshot will catch up its collections' LOGs via the
// normal replicated command stream afterward, the same as any other
// follower.
func (f *FSM) Restore(rc io.ReadCloser) error {
	return rc.Close()
}

type emptySnapshot struct{}

func (emptySnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (emptySnapshot) Release()                             {}
