// Package fairshare implements the fair-share tree (§4.7-§4.8): a
// declarative pools configuration plus live operation registrations,
// rebuilt and re-ranked on every update tick, published as an immutable
// snapshot every node-shard heartbeat reads lock-free.
//
// The periodic tick cadence is grounded on the teacher's
// internal/orchestrator/scheduler.go, which drives its own cron jobs
// through github.com/go-co-op/gocron/v2; here gocron drives a single
// recurring "fair-share update" task instead of the teacher's named
// ad-hoc jobs. The snapshot-publish discipline mirrors
// internal/chunkstore's atomic.Pointer[map] pattern one level up, at
// tree granularity instead of entry granularity.
package fairshare

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Manager owns the declarative registrations and drives the update
// tick. All registration methods and Tick itself are serialised on mu —
// the single "fair-share update" invoker named in the concurrency model.
type Manager struct {
	mu         sync.Mutex
	pools      map[string]PoolSpec
	operations map[string]OperationSpec
	belowSince map[string]time.Time

	totalResources Resources
	lastTick       time.Time

	snapshot atomic.Pointer[Tree]
	now      func() time.Time
	logger   *slog.Logger

	cron gocron.Scheduler
}

// Options configures a Manager.
type Options struct {
	Now          func() time.Time
	Logger       *slog.Logger
	TickInterval time.Duration // default 5s
}

// New creates a Manager and starts its periodic update tick.
func New(opts Options) (*Manager, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 5 * time.Second
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("fairshare: create cron scheduler: %w", err)
	}

	m := &Manager{
		pools:      make(map[string]PoolSpec),
		operations: make(map[string]OperationSpec),
		belowSince: make(map[string]time.Time),
		now:        opts.Now,
		logger:     opts.Logger,
		cron:       s,
	}

	empty, err := buildTree(m.pools, m.operations)
	if err != nil {
		return nil, err
	}
	m.snapshot.Store(empty)

	_, err = s.NewJob(
		gocron.DurationJob(opts.TickInterval),
		gocron.NewTask(func() {
			if _, err := m.Tick(); err != nil {
				m.logger.Error("fair-share tick failed", "error", err)
			}
		}),
		gocron.WithName("fair-share-update"),
	)
	if err != nil {
		return nil, fmt.Errorf("fairshare: schedule update tick: %w", err)
	}
	s.Start()

	return m, nil
}

// SetTotalResources updates the cluster-wide resource budget the root
// distributes. Takes effect on the next tick.
func (m *Manager) SetTotalResources(r Resources) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalResources = r
}

// SetPool inserts or replaces a pool's declarative configuration.
func (m *Manager) SetPool(spec PoolSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[spec.Name] = spec
}

// RemovePool drops a pool; any operation still registered under it will
// fail the next tick's tree build until re-pointed or unregistered.
func (m *Manager) RemovePool(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pools, name)
	delete(m.belowSince, name)
}

// RegisterOperation adds or replaces a live operation.
func (m *Manager) RegisterOperation(spec OperationSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations[spec.ID] = spec
}

// UpdateOperationUsage refreshes an operation's demand/usage feedback
// between ticks without touching its configuration.
func (m *Manager) UpdateOperationUsage(id string, demand, usage, maxPossibleUsage Resources) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.operations[id]
	if !ok {
		return
	}
	spec.Demand, spec.Usage, spec.MaxPossibleUsage = demand, usage, maxPossibleUsage
	m.operations[id] = spec
}

// UnregisterOperation removes an operation; it disappears from the tree
// on the next tick.
func (m *Manager) UnregisterOperation(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.operations, id)
	delete(m.belowSince, id)
}

// Tick runs one full Clone/PreUpdate/BottomUp/top-down/PostUpdate/Commit
// cycle and publishes the result. Safe to call directly (e.g. from
// tests) in addition to the automatic periodic tick.
func (m *Manager) Tick() (*Tree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	dt := now.Sub(m.lastTick)
	if m.lastTick.IsZero() || dt < 0 {
		dt = 0
	}

	tree, err := buildTree(m.pools, m.operations)
	if err != nil {
		return nil, err
	}
	if prev := m.snapshot.Load(); prev != nil {
		for name, idx := range tree.byName {
			if pidx, ok := prev.byName[name]; ok {
				tree.nodes[idx].accumulatedVolume = prev.nodes[pidx].accumulatedVolume
			}
		}
	}
	tree.update(now, dt, m.totalResources, m.belowSince)

	m.lastTick = now
	m.snapshot.Store(tree)
	return tree, nil
}

// Snapshot returns the most recently committed tree. Lock-free
// acquire-load: safe to call from any number of concurrent node-shard
// heartbeats.
func (m *Manager) Snapshot() *Tree {
	return m.snapshot.Load()
}

// PoolStates returns the persisted integral-guarantee accumulators,
// keyed by pool name — the poolStates document described for the
// scheduler's persisted state.
func (m *Manager) PoolStates() map[string]Resources {
	tree := m.snapshot.Load()
	out := make(map[string]Resources)
	for _, n := range tree.nodes {
		if n.kind == KindPool {
			out[n.name] = n.accumulatedVolume
		}
	}
	return out
}

// RestorePoolStates reseeds accumulated integral-guarantee volume after
// a restart, before the first tick runs. Unknown pool names are
// silently ignored by the next buildTree (matching the "unknown pools
// are dropped with a warning" persistence rule at the Manager/caller
// boundary — the caller is expected to log the drop since it knows
// which names it asked to restore and which pools currently exist).
func (m *Manager) RestorePoolStates(ctx context.Context, states map[string]Resources) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tree, err := buildTree(m.pools, m.operations)
	if err != nil {
		return
	}
	for name, vol := range states {
		if idx, ok := tree.byName[name]; ok {
			tree.nodes[idx].accumulatedVolume = vol
		}
	}
	m.snapshot.Store(tree)
}

// Close stops the periodic tick.
func (m *Manager) Close() error {
	return m.cron.Shutdown()
}
