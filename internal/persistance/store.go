package persistance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clusternode/internal/fairshare"

	"github.com/hashicorp/raft"
)

// Forwarder proxies a pre-marshaled command to the current Raft leader.
// Satisfied by *cluster.Forwarder; kept as a local interface so this
// package doesn't need to import cluster's gRPC/TLS machinery just to
// hold a pointer.
type Forwarder interface {
	Forward(ctx context.Context, data []byte) error
}

// Store is the read/write handle scheduler code uses to persist and
// reload poolStates/schedulingSegmentsState. Writes go through
// raft.Apply(); when this node isn't the leader, raft.Apply() fails
// with raft.ErrNotLeader and the command is proxied to the leader via
// Forwarder instead, mirroring the teacher's raftstore.Store /
// cluster.Forwarder split.
type Store struct {
	fsm          *FSM
	raft         *raft.Raft
	forwarder    Forwarder
	applyTimeout time.Duration
}

// New creates a Store. forwarder may be nil on a single-node deployment
// where this node is always the leader.
func New(r *raft.Raft, fsm *FSM, forwarder Forwarder, applyTimeout time.Duration) *Store {
	if applyTimeout <= 0 {
		applyTimeout = 5 * time.Second
	}
	return &Store{fsm: fsm, raft: r, forwarder: forwarder, applyTimeout: applyTimeout}
}

// SetForwarder wires (or replaces) the leader-forwarding collaborator
// after construction, for callers that learn the cluster topology
// after the Store is already in use.
func (s *Store) SetForwarder(f Forwarder) {
	s.forwarder = f
}

// Load returns the current persisted document, read straight from the
// FSM's in-memory state (no raft round trip — followers serve reads
// locally, same as raftstore.Store).
func (s *Store) Load(ctx context.Context) *Document {
	return s.fsm.Document()
}

// SchedulingSegment returns the segment persisted for nodeID, if any.
func (s *Store) SchedulingSegment(nodeID string) (string, bool) {
	doc := s.fsm.Document()
	segment, ok := doc.SchedulingSegments[nodeID]
	return segment, ok
}

// SetPoolState persists a pool's accumulated integral-guarantee volume.
func (s *Store) SetPoolState(ctx context.Context, name string, vol fairshare.Resources) error {
	return s.apply(ctx, NewSetPoolState(name, vol))
}

// RemovePoolState drops a pool's persisted state, e.g. after the pool
// is deleted from configuration.
func (s *Store) RemovePoolState(ctx context.Context, name string) error {
	return s.apply(ctx, NewRemovePoolState(name))
}

// SetSchedulingSegment persists the scheduling segment a node is bound to.
func (s *Store) SetSchedulingSegment(ctx context.Context, nodeID, segment string) error {
	return s.apply(ctx, NewSetSchedulingSegment(nodeID, segment))
}

// RemoveSchedulingSegment drops a node's persisted segment binding,
// e.g. after the node is decommissioned.
func (s *Store) RemoveSchedulingSegment(ctx context.Context, nodeID string) error {
	return s.apply(ctx, NewRemoveSchedulingSegment(nodeID))
}

// PersistPoolStates snapshots every pool's current accumulated volume
// from mgr and applies one command per pool. Called periodically from
// the scheduler's main loop (not on shutdown), since the integral
// guarantee accumulator only needs to survive a restart within the
// tick interval's worth of drift.
func (s *Store) PersistPoolStates(ctx context.Context, mgr *fairshare.Manager) error {
	for name, vol := range mgr.PoolStates() {
		if err := s.SetPoolState(ctx, name, vol); err != nil {
			return fmt.Errorf("persist pool state %q: %w", name, err)
		}
	}
	return nil
}

// RestoreFairShare reseeds mgr's accumulated integral-guarantee volume
// from the persisted document. Pool names isKnownPool rejects are
// dropped with a warning rather than restored, per the "unknown pools
// are dropped with a warning" reload rule — this is the logging half of
// the contract fairshare.Manager.RestorePoolStates leaves to its caller.
func (s *Store) RestoreFairShare(ctx context.Context, mgr *fairshare.Manager, isKnownPool func(name string) bool, logger *slog.Logger) {
	doc := s.fsm.Document()
	states := make(map[string]fairshare.Resources, len(doc.PoolStates))
	for name, vol := range doc.PoolStates {
		if isKnownPool != nil && !isKnownPool(name) {
			logger.Warn("dropping persisted pool state for unrecognized pool", "pool", name)
			continue
		}
		states[name] = vol
	}
	mgr.RestorePoolStates(ctx, states)
}

// apply serializes cmd and submits it through raft.Apply(), falling
// back to the forwarder when this node isn't the leader.
func (s *Store) apply(ctx context.Context, cmd *Command) error {
	data, err := Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return s.ApplyRaw(ctx, data)
}

// ApplyRaw submits pre-marshaled command bytes through raft.Apply(),
// proxying to the leader via Forwarder if this node isn't it.
func (s *Store) ApplyRaw(ctx context.Context, data []byte) error {
	future := s.raft.Apply(data, s.applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			if s.forwarder == nil {
				return fmt.Errorf("raft apply: %w", err)
			}
			return s.forwarder.Forward(ctx, data)
		}
		return fmt.Errorf("raft apply: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if respErr, ok := resp.(error); ok {
			return respErr
		}
	}
	return nil
}
