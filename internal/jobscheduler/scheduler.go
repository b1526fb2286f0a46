package jobscheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"clusternode/internal/fairshare"
)

// Options configures a Scheduler.
type Options struct {
	ScheduleJobsTimeout                       time.Duration // per-stage deadline
	ControllerCallTimeout                     time.Duration // per ScheduleJob call
	MaxConcurrentScheduleJobCallsPerNodeShard int
	PreemptiveSchedulingBackoff               time.Duration // minimum gap between aggressive-preemptive attempts, per node
	GracefulInterruptTimeout                  time.Duration
	MaxScheduleFailures                       int // schedule-failure budget before an operation is deactivated
	Now                                       func() time.Time
}

func (o *Options) setDefaults() {
	if o.ScheduleJobsTimeout <= 0 {
		o.ScheduleJobsTimeout = 500 * time.Millisecond
	}
	if o.ControllerCallTimeout <= 0 {
		o.ControllerCallTimeout = 100 * time.Millisecond
	}
	if o.MaxConcurrentScheduleJobCallsPerNodeShard <= 0 {
		o.MaxConcurrentScheduleJobCallsPerNodeShard = 8
	}
	if o.PreemptiveSchedulingBackoff <= 0 {
		o.PreemptiveSchedulingBackoff = 10 * time.Second
	}
	if o.GracefulInterruptTimeout <= 0 {
		o.GracefulInterruptTimeout = 5 * time.Minute
	}
	if o.MaxScheduleFailures <= 0 {
		o.MaxScheduleFailures = 20
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Scheduler runs heartbeats for any number of node shards; each
// RunHeartbeat call is expected to be driven by that node's own shard
// invoker, so distinct nodes run concurrently while a single node's
// heartbeats never overlap (the caller, not this type, owns that
// serialisation — mirroring the ioqueue-per-location pattern used
// elsewhere in this module, just one invoker per node instead of per
// disk).
type Scheduler struct {
	opts Options

	mu               sync.Mutex
	controllers      map[string]Controller
	scheduleFailures map[string]int
	deactivated      map[string]bool
	lastAggressive   map[string]time.Time // node ID -> last aggressive-stage attempt
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	opts.setDefaults()
	return &Scheduler{
		opts:             opts,
		controllers:      make(map[string]Controller),
		scheduleFailures: make(map[string]int),
		deactivated:      make(map[string]bool),
		lastAggressive:   make(map[string]time.Time),
	}
}

// RegisterController wires an operation's controller agent in.
func (s *Scheduler) RegisterController(operationID string, c Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controllers[operationID] = c
}

// UnregisterController drops an operation's controller.
func (s *Scheduler) UnregisterController(operationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.controllers, operationID)
	delete(s.scheduleFailures, operationID)
	delete(s.deactivated, operationID)
}

func (s *Scheduler) controllerFor(operationID string) (Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deactivated[operationID] {
		return nil, false
	}
	c, ok := s.controllers[operationID]
	return c, ok
}

func (s *Scheduler) recordFailure(operationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleFailures[operationID]++
	if s.scheduleFailures[operationID] >= s.opts.MaxScheduleFailures {
		s.deactivated[operationID] = true
	}
}

func (s *Scheduler) recordSuccess(operationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleFailures[operationID] = 0
}

// RunHeartbeat runs one full four-stage scheduling pass for a single
// node, then the orthogonal abort-on-overcommit and graceful-preemption
// passes. tree must be a snapshot obtained from fairshare.Manager —
// callers must not hold any lock on it; Tree is immutable and safe to
// share across concurrently running node heartbeats.
func (s *Scheduler) RunHeartbeat(ctx context.Context, tree *fairshare.Tree, schedCtx SchedulingContext) (*HeartbeatResult, error) {
	result := &HeartbeatResult{}
	ops := tree.Operations()

	// Stage 1: non-preemptive.
	job, failReasons, err := s.stageSchedule(ctx, ops, schedCtx.FreeResources, schedCtx.Node, ScheduleOptions{}, nil)
	if err != nil {
		return nil, fmt.Errorf("jobscheduler: stage 1: %w", err)
	}
	if job != nil {
		job.Stage = "non-preemptive"
		result.Started = append(result.Started, *job)
	} else if hasPackingReason(failReasons) {
		// Stage 2: packing fallback — at most one job, packing ignored,
		// tried only against the single best candidate.
		if len(ops) > 0 {
			best := ops[0]
			if c, ok := s.controllerFor(best.ID); ok {
				j := s.tryOne(ctx, c, best.ID, schedCtx.FreeResources, schedCtx.Node, ScheduleOptions{IgnorePacking: true})
				if j != nil {
					j.Stage = "packing-fallback"
					result.Started = append(result.Started, *j)
				}
			}
		}
	}

	// Stage 3: aggressively-preemptive, gated by the per-node backoff.
	if len(result.Started) == 0 && s.aggressiveStageDue(schedCtx.Node.ID) {
		if sj, preempted := s.stagePreemptive(ctx, tree, ops, schedCtx, true, fairshare.AggressivelyStarving); sj != nil {
			sj.Stage = "aggressively-preemptive"
			result.Started = append(result.Started, *sj)
			result.JobsToPreempt = append(result.JobsToPreempt, preempted...)
		}
		s.markAggressiveAttempt(schedCtx.Node.ID)
	}

	// Stage 4: regular preemptive, for starving (not just
	// aggressively-starving) operations.
	if len(result.Started) == 0 {
		if sj, preempted := s.stagePreemptive(ctx, tree, ops, schedCtx, false, fairshare.Starving); sj != nil {
			sj.Stage = "regular-preemptive"
			result.Started = append(result.Started, *sj)
			result.JobsToPreempt = append(result.JobsToPreempt, preempted...)
		}
	}

	result.Aborted = s.abortOnOvercommit(tree, schedCtx, result.Started)
	result.GracefulSignals = s.gracefulPreemptionScan(tree, schedCtx.RunningJobs)

	return result, nil
}

func hasPackingReason(reasons []string) bool {
	for _, r := range reasons {
		if r == "packing" {
			return true
		}
	}
	return false
}

// stageSchedule is stage 1: try every active operation (best-first,
// since ops is already ranked by SchedulingIndex), bounded to
// MaxConcurrentScheduleJobCallsPerNodeShard concurrent controller calls,
// within the stage deadline. Among every operation that actually
// produced a job, the best-ranked one wins — concurrency only bounds
// in-flight RPCs, it never lets a worse-ranked operation preempt a
// better-ranked one's result.
func (s *Scheduler) stageSchedule(ctx context.Context, ops []fairshare.OperationView, available fairshare.Resources, node NodeDescriptor, opts ScheduleOptions, filter func(fairshare.OperationView) bool) (*ScheduledJob, []string, error) {
	stageCtx, cancel := context.WithTimeout(ctx, s.opts.ScheduleJobsTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(stageCtx)
	g.SetLimit(s.opts.MaxConcurrentScheduleJobCallsPerNodeShard)

	var mu sync.Mutex
	var failReasons []string
	candidates := make(map[string]*JobStartDescriptor)

	for _, op := range ops {
		if filter != nil && !filter(op) {
			continue
		}
		op := op
		c, ok := s.controllerFor(op.ID)
		if !ok {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			callCtx, cancel := context.WithTimeout(gctx, s.opts.ControllerCallTimeout)
			defer cancel()
			res, err := c.ScheduleJob(callCtx, op.ID, available, node, opts)
			if err != nil {
				s.recordFailure(op.ID)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Job != nil {
				candidates[op.ID] = res.Job
				s.recordSuccess(op.ID)
			} else {
				failReasons = append(failReasons, res.FailReasons...)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, nil, err
	}

	for _, op := range ops {
		if j, ok := candidates[op.ID]; ok {
			return &ScheduledJob{JobStartDescriptor: *j}, failReasons, nil
		}
	}
	return nil, failReasons, nil
}

// tryOne calls a single controller directly, used by the packing
// fallback and by the preemptive stages (each of which schedules at most
// one job per heartbeat, so there's no concurrency to bound).
func (s *Scheduler) tryOne(ctx context.Context, c Controller, operationID string, available fairshare.Resources, node NodeDescriptor, opts ScheduleOptions) *ScheduledJob {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.ControllerCallTimeout)
	defer cancel()
	res, err := c.ScheduleJob(callCtx, operationID, available, node, opts)
	if err != nil {
		s.recordFailure(operationID)
		return nil
	}
	if res.Job == nil {
		return nil
	}
	s.recordSuccess(operationID)
	return &ScheduledJob{JobStartDescriptor: *res.Job}
}

func (s *Scheduler) aggressiveStageDue(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastAggressive[nodeID]
	return !ok || s.opts.Now().Sub(last) >= s.opts.PreemptiveSchedulingBackoff
}

func (s *Scheduler) markAggressiveAttempt(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAggressive[nodeID] = s.opts.Now()
}

// stagePreemptive implements stages 3 and 4: analyze preemptible jobs,
// apply the unconditional discount to the node's free resources, then
// try the best-ranked operation at or above minStarvation whose
// conditional discount (if any) makes scheduling possible.
func (s *Scheduler) stagePreemptive(ctx context.Context, tree *fairshare.Tree, ops []fairshare.OperationView, schedCtx SchedulingContext, aggressive bool, minStarvation fairshare.StarvationStatus) (*ScheduledJob, []JobID) {
	analysis := analyzePreemptibleJobs(tree, schedCtx.Node, schedCtx.RunningJobs, aggressive)
	baseline := schedCtx.FreeResources.Add(analysis.unconditionalDiscount())

	for _, op := range ops {
		if op.Starvation < minStarvation {
			continue
		}
		c, ok := s.controllerFor(op.ID)
		if !ok {
			continue
		}
		ancestor, blocked := tree.BlockingAncestor(op.ID, aggressive)
		available := baseline
		var conditional []RunningJob
		if blocked {
			available = available.Add(analysis.conditionalDiscountFor(ancestor))
			conditional = analysis.Conditional[ancestor]
		}

		sj := s.tryOne(ctx, c, op.ID, available, schedCtx.Node, ScheduleOptions{})
		if sj == nil {
			continue
		}
		preempted := make([]JobID, 0, len(analysis.Unconditional)+len(conditional))
		for _, j := range analysis.Unconditional {
			preempted = append(preempted, j.ID)
		}
		for _, j := range conditional {
			preempted = append(preempted, j.ID)
		}
		return sj, preempted
	}
	return nil, nil
}

// abortOnOvercommit implements §4.9.3: if committed usage now exceeds
// the node's limits, abort jobs in order of (preemption-status
// ascending, cpu-gap descending, start-time ascending) until it fits
// again. Jobs just started this heartbeat count toward usage but are
// never themselves chosen as abort victims — they haven't had a chance
// to run yet.
func (s *Scheduler) abortOnOvercommit(tree *fairshare.Tree, schedCtx SchedulingContext, started []ScheduledJob) []JobID {
	usage := committedUsage(schedCtx.RunningJobs)
	for _, j := range started {
		usage = usage.Add(j.Usage)
	}
	if usage.LessOrEqual(schedCtx.Limits) {
		return nil
	}

	type candidate struct {
		job    RunningJob
		level  fairshare.PreemptionLevel
		cpuGap float64
	}
	candidates := make([]candidate, 0, len(schedCtx.RunningJobs))
	for _, j := range schedCtx.RunningJobs {
		level := fairshare.NonPreemptible
		gap := 0.0
		if op, ok := tree.Operation(j.OperationID); ok {
			level = op.Preemption.Level
			gap = j.Usage.CPU - op.FairShare.CPU
		}
		candidates = append(candidates, candidate{job: j, level: level, cpuGap: gap})
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].level != candidates[k].level {
			return candidates[i].level < candidates[k].level
		}
		if candidates[i].cpuGap != candidates[k].cpuGap {
			return candidates[i].cpuGap > candidates[k].cpuGap
		}
		return candidates[i].job.StartedAt.Before(candidates[k].job.StartedAt)
	})

	var aborted []JobID
	for _, c := range candidates {
		if usage.LessOrEqual(schedCtx.Limits) {
			break
		}
		aborted = append(aborted, c.job.ID)
		usage = usage.Sub(c.job.Usage)
	}
	return aborted
}

func committedUsage(jobs []RunningJob) fairshare.Resources {
	var sum fairshare.Resources
	for _, j := range jobs {
		sum = sum.Add(j.Usage)
	}
	return sum
}

// gracefulPreemptionScan implements §4.9.4: orthogonal to the four
// stages, runs every heartbeat. Any job in PreemptionModeGraceful whose
// operation is currently preemptible and not yet interrupted gets a
// long interrupt timeout signalled — no replacement job is required to
// be scheduled in the same heartbeat.
func (s *Scheduler) gracefulPreemptionScan(tree *fairshare.Tree, jobs []RunningJob) []GracefulSignal {
	var signals []GracefulSignal
	for _, j := range jobs {
		if j.PreemptionMode != PreemptionModeGraceful || j.Interrupted {
			continue
		}
		op, ok := tree.Operation(j.OperationID)
		if !ok || op.Preemption.Level == fairshare.NonPreemptible {
			continue
		}
		signals = append(signals, GracefulSignal{JobID: j.ID, InterruptTimeout: s.opts.GracefulInterruptTimeout})
	}
	return signals
}
