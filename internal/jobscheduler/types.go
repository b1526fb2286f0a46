// Package jobscheduler implements the per-heartbeat job scheduler
// (§4.9): four ordered stages (non-preemptive, packing fallback,
// aggressively-preemptive, regular-preemptive) consulting operation
// controllers through a bounded, cancellable fan-out, followed by an
// abort-on-overcommit pass and an orthogonal graceful-preemption scan.
//
// Grounded on the teacher's internal/cluster/cluster.go discipline of
// never issuing an RPC while holding a lock shared with the hot path
// (its mTLS dial pool is built once and handed to callers, never dialed
// under the peer-state lock), generalized here to "no controller RPC
// while holding any fair-share tree lock" — trivially satisfied since
// fairshare.Tree is already immutable and lock-free to read. The bounded
// concurrent controller fan-out is grounded on
// internal/orchestrator/scheduler.go's Submit/JobProgress bounded job
// model, adapted from "N concurrent cron jobs" to "N concurrent
// ScheduleJob calls per node-shard heartbeat" via
// golang.org/x/sync/errgroup's SetLimit.
package jobscheduler

import (
	"context"
	"time"

	"clusternode/internal/fairshare"
)

// PreemptionMode is how a running job should be torn down when
// preempted.
type PreemptionMode int

const (
	// PreemptionModeInstant kills the job immediately on preemption.
	PreemptionModeInstant PreemptionMode = iota
	// PreemptionModeGraceful signals a long interrupt timeout instead
	// of an immediate kill; scanned for independently of the four
	// scheduling stages (§4.9.4).
	PreemptionModeGraceful
)

// NodeDescriptor identifies the node a heartbeat is running for.
type NodeDescriptor struct {
	ID                string
	SchedulingSegment string
}

// RunningJob is one job currently occupying resources on a node, as
// known to the scheduler at heartbeat time.
type RunningJob struct {
	ID                JobID
	OperationID       string
	Usage             fairshare.Resources
	StartedAt         time.Time
	PreemptionMode    PreemptionMode
	Interrupted       bool
	SchedulingSegment string // the segment this job's operation was scheduled under
}

type JobID string

// SchedulingContext is the scheduler's input for one node heartbeat.
type SchedulingContext struct {
	Node          NodeDescriptor
	FreeResources fairshare.Resources
	Limits        fairshare.Resources // node's total committed-usage ceiling, for abort-on-overcommit
	RunningJobs   []RunningJob
}

// JobStartDescriptor is what a controller returns to start a new job.
type JobStartDescriptor struct {
	JobID       JobID
	OperationID string
	Usage       fairshare.Resources
}

// ScheduleOptions modulates one ScheduleJob call.
type ScheduleOptions struct {
	// IgnorePacking asks the controller to disregard packing
	// constraints (stage 2, the packing fallback).
	IgnorePacking bool
}

// ScheduleResult is a controller's answer for one ScheduleJob call.
// Job is nil when nothing was produced; FailReasons then explains why
// (e.g. "packing", used to decide whether stage 2 should run).
type ScheduleResult struct {
	Job         *JobStartDescriptor
	FailReasons []string
}

// Controller is the per-operation collaborator the scheduler consults.
// Implementations normally live behind an RPC channel to the operation
// controller agent; no controller call is ever made while any fair-share
// tree lock is held (the tree is immutable once published, so this is
// automatic) and every call is bounded by its own timeout.
type Controller interface {
	ScheduleJob(ctx context.Context, operationID string, available fairshare.Resources, node NodeDescriptor, opts ScheduleOptions) (ScheduleResult, error)
}

// ScheduledJob is one job the scheduler decided to start this heartbeat.
type ScheduledJob struct {
	JobStartDescriptor
	Stage string // which stage produced it, for diagnostics
}

// GracefulSignal is one running job the graceful-preemption scan wants
// interrupted, with a long timeout rather than an immediate kill.
type GracefulSignal struct {
	JobID            JobID
	InterruptTimeout time.Duration
}

// HeartbeatResult is everything one RunHeartbeat call decided.
type HeartbeatResult struct {
	Started         []ScheduledJob
	JobsToPreempt   []JobID // justify the discount that made Started possible
	Aborted         []JobID // abort-on-overcommit victims
	GracefulSignals []GracefulSignal
}
