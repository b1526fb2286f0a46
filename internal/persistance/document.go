// Package persistance replicates the scheduler's persisted state —
// per-pool accumulated integral-guarantee volume and the scheduling
// segment each node is currently bound to — across scheduler replicas
// via a Raft log, the same way internal/config/raftfsm replicates
// config mutations in the teacher: commands go through raft.Apply() on
// the leader, non-leaders proxy through internal/cluster.Forwarder, and
// an FSM dispatches committed entries to an in-memory document.
package persistance

import "clusternode/internal/fairshare"

// Document is the full persisted scheduler state for one fair-share
// tree — its poolStates and schedulingSegmentsState — held as a single
// YAML-tagged document. Reloaded verbatim at startup; pool names
// the current PoolSpec set no longer recognizes are dropped with a
// warning by the caller that restores them into fairshare.Manager.
type Document struct {
	// PoolStates holds each pool's accumulated integral-guarantee
	// volume, keyed by pool name.
	PoolStates map[string]fairshare.Resources `yaml:"poolStates"`

	// SchedulingSegments holds the scheduling segment each node is
	// currently bound to, keyed by node ID.
	SchedulingSegments map[string]string `yaml:"schedulingSegmentsState"`
}

// NewDocument returns an empty, ready-to-use Document.
func NewDocument() *Document {
	return &Document{
		PoolStates:         make(map[string]fairshare.Resources),
		SchedulingSegments: make(map[string]string),
	}
}

// Clone returns a deep copy so callers can read a document without
// racing the FSM's next Apply.
func (d *Document) Clone() *Document {
	out := NewDocument()
	for name, vol := range d.PoolStates {
		out.PoolStates[name] = vol
	}
	for nodeID, segment := range d.SchedulingSegments {
		out.SchedulingSegments[nodeID] = segment
	}
	return out
}
