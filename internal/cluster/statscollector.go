package cluster

import (
	"context"
	"log/slog"
	"runtime"
	"strconv"
	"time"

	"clusternode/internal/sysmetrics"
)

// LocationSnapshot is the stats collector's view of one local storage
// location, gathered for diagnostics and cluster-wide gossip.
type LocationSnapshot struct {
	Dir          string
	Medium       string
	Enabled      bool
	UsedBytes    int64
	ChunkCount   int64
	SessionCount int64
}

// LocationsProvider abstracts the location manager for stats collection.
// Defined here at the consumer site to avoid importing internal/location.
type LocationsProvider interface {
	LocationSnapshots() []LocationSnapshot
}

// PoolSnapshot is the stats collector's view of one fair-share pool,
// gathered for cluster-wide visibility into demand and usage.
type PoolSnapshot struct {
	Name      string
	CPUDemand float64
	CPUUsage  float64
	CPUShare  float64
}

// FairSharesProvider abstracts the fair-share manager for stats collection.
// Defined here at the consumer site to avoid importing internal/fairshare.
type FairSharesProvider interface {
	PoolSnapshots() []PoolSnapshot
}

// RaftStatsProvider exposes local Raft stats for the collector.
type RaftStatsProvider interface {
	LocalStats() map[string]string
}

// JobsProvider returns the current job list for broadcast.
// Defined at the consumer site to avoid importing jobscheduler/persistance.
type JobsProvider interface {
	ListJobsProto() []*Job
}

// StatsCollectorConfig configures a StatsCollector.
type StatsCollectorConfig struct {
	Broadcaster *Broadcaster
	RaftStats   RaftStatsProvider
	Locations   LocationsProvider
	FairShares  FairSharesProvider
	Jobs        JobsProvider // optional; nil in single-node mode
	NodeID      string
	NodeNameFn  func() string // lazily resolved node name
	Version     string
	StartTime   time.Time
	Interval    time.Duration
	Logger      *slog.Logger
}

// StatsCollector periodically gathers local node statistics and
// broadcasts them to all cluster peers via the Broadcaster. The wire
// payload only carries the fields NodeStats already has room for (cpu,
// memory, goroutines, raft state, uptime) — per-location and per-pool
// detail stays local to CollectLocations/CollectPools for now; adding
// them to BroadcastMessage is a matter of a new field, not a schema
// migration, since there's no wire-compat .proto to keep in sync.
type StatsCollector struct {
	cfg StatsCollectorConfig
}

// NewStatsCollector creates a collector with the given config.
func NewStatsCollector(cfg StatsCollectorConfig) *StatsCollector {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &StatsCollector{cfg: cfg}
}

// Run starts the periodic collection loop. Blocks until ctx is cancelled.
func (c *StatsCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.CollectLocal()
			if c.cfg.Broadcaster != nil {
				c.cfg.Broadcaster.Send(ctx, &BroadcastMessage{
					SenderId:  c.cfg.NodeID,
					Timestamp: time.Now(),
					NodeStats: stats,
				})
				c.BroadcastJobs(ctx)
			}
		}
	}
}

// CollectLocal gathers a NodeStats snapshot for the local node.
// Called directly by the lifecycle server for real-time stats (not stale
// broadcast).
func (c *StatsCollector) CollectLocal() *NodeStats {
	cpu := sysmetrics.CPUPercent()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := &NodeStats{
		CpuPercent:         cpu,
		MemoryInuse:        uint64(sysmetrics.MemoryInuse()), //nolint:gosec // always positive
		MemoryHeapAlloc:    m.HeapAlloc,
		MemorySys:          m.Sys,
		Goroutines:         uint32(runtime.NumGoroutine()), //nolint:gosec // always small
		NodeName:           c.cfg.NodeNameFn(),
		Version:            c.cfg.Version,
		UptimeSeconds:      int64(time.Since(c.cfg.StartTime).Seconds()),
		MemoryHeapIdle:     m.HeapIdle,
		MemoryHeapReleased: m.HeapReleased,
		MemoryStackInuse:   m.StackInuse,
		MemoryHeapObjects:  m.HeapObjects,
		NumGc:              m.NumGC,
	}

	if c.cfg.RaftStats != nil {
		if rm := c.cfg.RaftStats.LocalStats(); rm != nil {
			stats.RaftState = rm["state"]
			stats.RaftTerm = parseUint64(rm["term"])
			stats.RaftCommitIndex = parseUint64(rm["commit_index"])
			stats.RaftAppliedIndex = parseUint64(rm["applied_index"])
			stats.RaftLastContact = rm["last_contact"]
			stats.RaftFsmPending = parseUint64(rm["fsm_pending"])
		}
	}

	return stats
}

// CollectLocations gathers per-location accounting for local diagnostics.
func (c *StatsCollector) CollectLocations() []LocationSnapshot {
	if c.cfg.Locations == nil {
		return nil
	}
	return c.cfg.Locations.LocationSnapshots()
}

// CollectPools gathers per-pool fair-share state for local diagnostics.
func (c *StatsCollector) CollectPools() []PoolSnapshot {
	if c.cfg.FairShares == nil {
		return nil
	}
	return c.cfg.FairShares.PoolSnapshots()
}

// BroadcastJobs sends the current job list to all cluster peers.
// Called on every tick for periodic sync, and directly by the scheduler's
// onJobChange callback for immediate notification.
func (c *StatsCollector) BroadcastJobs(ctx context.Context) {
	if c.cfg.Broadcaster == nil || c.cfg.Jobs == nil {
		return
	}
	c.cfg.Broadcaster.Send(ctx, &BroadcastMessage{
		SenderId:  c.cfg.NodeID,
		Timestamp: time.Now(),
		NodeJobs:  &NodeJobs{Jobs: c.cfg.Jobs.ListJobsProto()},
	})
}

func parseUint64(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}
