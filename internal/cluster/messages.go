package cluster

import "time"

// This package has no .proto sources — the cluster gRPC service carries
// plain Go structs over a msgpack codec (see codec.go) instead of
// generated protobuf stubs. The message shapes below mirror what a
// generated gastrolog.v1 package would have exposed, including the
// Get*-style nil-safe accessors generated protobuf code provides.

// ForwardApplyRequest carries a pre-marshaled persistance command to the leader.
type ForwardApplyRequest struct {
	Command []byte
}

func (r *ForwardApplyRequest) GetCommand() []byte {
	if r == nil {
		return nil
	}
	return r.Command
}

// ForwardApplyResponse is empty; success is the absence of an RPC error.
type ForwardApplyResponse struct{}

// EnrollRequest is sent by a joining node to the cluster leader.
type EnrollRequest struct {
	TokenSecret string
	NodeId      string
	NodeAddr    string
}

// EnrollResponse carries the TLS material a joining node needs to
// participate in the mTLS cluster port.
type EnrollResponse struct {
	CaCertPem      []byte
	ClusterCertPem []byte
	ClusterKeyPem  []byte
}

func (r *EnrollResponse) GetCaCertPem() []byte {
	if r == nil {
		return nil
	}
	return r.CaCertPem
}

func (r *EnrollResponse) GetClusterCertPem() []byte {
	if r == nil {
		return nil
	}
	return r.ClusterCertPem
}

func (r *EnrollResponse) GetClusterKeyPem() []byte {
	if r == nil {
		return nil
	}
	return r.ClusterKeyPem
}

// BroadcastRequest wraps one gossiped BroadcastMessage.
type BroadcastRequest struct {
	Message *BroadcastMessage
}

func (r *BroadcastRequest) GetMessage() *BroadcastMessage {
	if r == nil {
		return nil
	}
	return r.Message
}

// BroadcastResponse is empty; success is the absence of an RPC error.
type BroadcastResponse struct{}

// BroadcastMessage is gossiped by StatsCollector to every cluster peer.
// NodeStats and NodeJobs are mutually exclusive in practice (one message
// per collection tick carries stats, job-change notifications carry
// jobs), but nothing enforces that beyond convention — there's no
// protobuf oneof here, just two optional fields.
type BroadcastMessage struct {
	SenderId  string
	Timestamp time.Time
	NodeStats *NodeStats
	NodeJobs  *NodeJobs
}

func (m *BroadcastMessage) GetNodeStats() *NodeStats {
	if m == nil {
		return nil
	}
	return m.NodeStats
}

func (m *BroadcastMessage) GetNodeJobs() *NodeJobs {
	if m == nil {
		return nil
	}
	return m.NodeJobs
}

// NodeJobs is the job list a node gossips on each broadcast tick.
type NodeJobs struct {
	Jobs []*Job
}

// Job is the wire-level snapshot of one running or scheduled job,
// gossiped for cluster-wide visibility into per-node demand.
type Job struct {
	ID                string
	OperationID       string
	PoolName          string
	CPU               float64
	Memory            int64
	StartedAt         time.Time
	SchedulingSegment string
}

// NodeStats is the periodic health/capacity snapshot gossiped by
// StatsCollector. Field names match the teacher's diagnostics RPC shape.
type NodeStats struct {
	CpuPercent         float64
	MemoryInuse        uint64
	MemoryHeapAlloc    uint64
	MemorySys          uint64
	Goroutines         uint32
	NodeName           string
	Version            string
	UptimeSeconds      int64
	MemoryHeapIdle     uint64
	MemoryHeapReleased uint64
	MemoryStackInuse   uint64
	MemoryHeapObjects  uint64
	NumGc              uint32
	RaftState          string
	RaftTerm           uint64
	RaftCommitIndex    uint64
	RaftAppliedIndex   uint64
	RaftLastContact    string
	RaftFsmPending     uint64
}
