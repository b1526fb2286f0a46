// Package clusterhost defines the seam fairshare/jobscheduler/sessionmgr
// are built against so the core scheduling packages never import gRPC or
// Raft directly. Concrete implementations live in internal/cluster and
// are wired in by main at startup, the same way internal/cluster.Server
// is handed its apply function and enroll/heartbeat handlers (SetApplyFn,
// SetEnrollHandler, SetHeartbeatHandler) after construction, before Start.
package clusterhost

import (
	"context"
	"time"

	"clusternode/internal/fairshare"
	"clusternode/internal/jobscheduler"
)

// PeerJobLister reports the running jobs other cluster nodes most
// recently gossiped, for abort-on-overcommit and preemption analysis that
// wants a cluster-wide (not just this node's) view.
type PeerJobLister interface {
	PeerJobs() map[string][]jobscheduler.RunningJob
}

// PeerPoolLister reports the fair-share pool states other cluster nodes
// most recently gossiped, for operator-facing cluster-wide visibility.
type PeerPoolLister interface {
	PeerPools() map[string][]fairshare.PoolView
}

// LeaderChecker reports whether the local node currently holds Raft
// leadership — the scheduler tree is only authoritative (and pool-state
// persistence only writable) on the leader.
type LeaderChecker interface {
	IsLeader() bool
}

// Dialer opens a channel to a named peer node, abstracting over whatever
// transport internal/cluster's PeerConns pool actually dials (plain or
// mTLS gRPC).
type Dialer interface {
	Dial(ctx context.Context, nodeID string) (Peer, error)
}

// Peer is a single RPC channel to one cluster peer.
type Peer interface {
	ScheduleJob(ctx context.Context, operationID string, available fairshare.Resources, opts jobscheduler.ScheduleOptions) (jobscheduler.ScheduleResult, error)
	Close() error
}

// Clock abstracts time.Now so tests can control tick/heartbeat timing
// without sleeping — every package in this module that needs wall-clock
// time takes one of these rather than calling time.Now directly.
type Clock func() time.Time

// SystemClock is the default production Clock.
func SystemClock() time.Time { return time.Now() }
