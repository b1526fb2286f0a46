// Package location implements the mounted-directory abstraction chunks and
// sessions live on: free-space accounting, per-direction pending-IO
// counters, medium tagging, and disable-on-fault (§4.1).
//
// The directory-lock and orphan-temp-file-cleanup pattern is grounded on
// the teacher's chunk/file.Manager; the accounting fields generalize its
// mutex-guarded counters to the richer per-direction/per-session contract
// the spec requires.
package location

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"clusternode/internal/chunkid"
	"clusternode/internal/logging"
)

// Type distinguishes a durable store location from a bounded cache location.
type Type int

const (
	Store Type = iota
	Cache
)

func (t Type) String() string {
	if t == Cache {
		return "cache"
	}
	return "store"
}

// Direction is the IO direction a pending-IO reservation is booked against.
type Direction int

const (
	DirectionRead Direction = iota
	DirectionWrite
)

// Workload labels the kind of activity holding a pending-IO reservation,
// purely for observability (metrics/logging breakdowns).
type Workload string

const (
	WorkloadBlobSession Workload = "blob-session"
	WorkloadArtifact    Workload = "artifact"
	WorkloadRepair      Workload = "repair"
	WorkloadRead        Workload = "read"
)

var (
	ErrMissingDir = errors.New("location: dir is required")
	ErrLocked     = errors.New("location: directory is locked by another process")
	ErrDisabled   = errors.New("location: disabled")
)

const lockFileName = ".lock"

// Descriptor describes a chunk (or orphan) recovered during Initialize.
type Descriptor struct {
	ID       chunkid.ID
	Path     string
	Sealed   bool
	DiskSize int64
}

// DisabledFunc is invoked exactly once, the first time Disable fires.
type DisabledFunc func(err error)

// Config configures a Location.
type Config struct {
	Dir          string
	Medium       string
	Type         Type
	FileMode     os.FileMode
	LowWatermark int64 // bytes; HasEnoughSpace guards against this, not raw free space
	Capacity     int64 // total usable bytes on this location
	Logger       *slog.Logger
	OnDisabled   DisabledFunc
}

// Location is a mounted directory with independent accounting and failure
// domain. All counters are safe for concurrent use; registration-level
// serialization is the chunk registry's responsibility (§4.2).
type Location struct {
	cfg      Config
	lockFile *os.File
	logger   *slog.Logger

	enabled atomic.Bool
	// disableOnce guards firing OnDisabled exactly once (§4.1: "fires a
	// Disabled notification exactly once").
	disableOnce sync.Once

	usedBytes    atomic.Int64
	chunkCount   atomic.Int64
	sessionCount atomic.Int64

	pendingIO [2]atomic.Int64 // indexed by Direction
}

// New creates a Location bound to cfg.Dir. The directory must already
// exist; New does not create it.
func New(cfg Config) (*Location, error) {
	if cfg.Dir == "" {
		return nil, ErrMissingDir
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o644
	}

	l := &Location{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger),
	}
	l.enabled.Store(true)

	lf, err := acquireLock(filepath.Join(cfg.Dir, lockFileName))
	if err != nil {
		return nil, err
	}
	l.lockFile = lf

	return l, nil
}

func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := flock(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return f, nil
}

// Initialize scans the directory, recovers descriptors for intact chunks,
// and removes orphan temp files (<id>.tmp, <id>.meta.tmp left over from a
// crash mid-write). Registration of the returned descriptors is the
// registry's responsibility, not Location's.
func (l *Location) Initialize() ([]Descriptor, error) {
	entries, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read location dir: %w", err)
	}

	var descs []Descriptor
	for _, shard := range entries {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		shardPath := filepath.Join(l.cfg.Dir, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			return nil, fmt.Errorf("read shard dir %s: %w", shardPath, err)
		}
		for _, f := range files {
			name := f.Name()
			full := filepath.Join(shardPath, name)

			if strings.HasSuffix(name, ".tmp") {
				if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
					l.logger.Warn("location: failed to remove orphan temp file", "path", full, "error", err)
				}
				continue
			}
			if strings.HasSuffix(name, ".meta") {
				continue // paired with its data file, visited below
			}

			id, err := chunkid.Parse(name)
			if err != nil {
				continue // not a chunk file
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			size := info.Size()
			if metaInfo, err := os.Stat(full + ".meta"); err == nil {
				size += metaInfo.Size()
			}
			descs = append(descs, Descriptor{ID: id, Path: full, Sealed: true, DiskSize: size})
		}
	}
	return descs, nil
}

// HasEnoughSpace reports whether n more bytes can be admitted, comparing
// against the configured low-watermark rather than raw free space, so
// in-flight reservations (already added to usedBytes) are accounted for.
func (l *Location) HasEnoughSpace(n int64) bool {
	if l.cfg.Capacity <= 0 {
		return true // no capacity configured: unbounded location (tests, memory-backed)
	}
	projected := l.usedBytes.Load() + n
	return l.cfg.Capacity-projected >= l.cfg.LowWatermark
}

// Guard is a scoped pending-IO reservation. Release decrements the
// counter it was issued against; it is safe to call Release more than
// once.
type Guard struct {
	loc       *Location
	direction Direction
	n         int64
	released  atomic.Bool
}

// Release returns the reserved bytes to the pending-IO counter. Idempotent.
func (g *Guard) Release() {
	if g.released.CompareAndSwap(false, true) {
		g.loc.pendingIO[g.direction].Add(-g.n)
	}
}

// IncreasePendingIO reserves n bytes of pending IO in the given direction
// and returns a Guard that must be released when the IO completes. The
// workload label is informational only.
func (l *Location) IncreasePendingIO(direction Direction, _ Workload, n int64) *Guard {
	l.pendingIO[direction].Add(n)
	return &Guard{loc: l, direction: direction, n: n}
}

// PendingIO returns the current outstanding reservation for a direction.
func (l *Location) PendingIO(direction Direction) int64 {
	return l.pendingIO[direction].Load()
}

// UpdateUsedSpace adjusts the used-bytes counter. May go negative
// transiently under concurrent write+remove, but is eventually consistent
// with the registered set.
func (l *Location) UpdateUsedSpace(delta int64) {
	l.usedBytes.Add(delta)
}

// UsedBytes returns the current used-bytes counter.
func (l *Location) UsedBytes() int64 {
	return l.usedBytes.Load()
}

// UpdateChunkCount adjusts the registered-chunk counter by delta (±1 in
// practice, but any value is accepted for batch recovery).
func (l *Location) UpdateChunkCount(delta int64) {
	l.chunkCount.Add(delta)
}

// ChunkCount returns the current registered-chunk counter.
func (l *Location) ChunkCount() int64 {
	return l.chunkCount.Load()
}

// AcquireSession increments the active-session counter; used by
// GetNewChunkLocation to pick the least-loaded location.
func (l *Location) AcquireSession() {
	l.sessionCount.Add(1)
}

// ReleaseSession decrements the active-session counter.
func (l *Location) ReleaseSession() {
	l.sessionCount.Add(-1)
}

// SessionCount returns the current active-session counter.
func (l *Location) SessionCount() int64 {
	return l.sessionCount.Load()
}

// Enabled reports whether the location currently accepts operations.
func (l *Location) Enabled() bool {
	return l.enabled.Load()
}

// Medium returns the location's configured medium name.
func (l *Location) Medium() string { return l.cfg.Medium }

// Type returns whether this is a store or cache location.
func (l *Location) Type() Type { return l.cfg.Type }

// Dir returns the location's root directory.
func (l *Location) Dir() string { return l.cfg.Dir }

// ChunkDir returns the sharded directory path a chunk with the given id
// would live in: <root>/<xx>.
func (l *Location) ChunkDir(id chunkid.ID) string {
	return filepath.Join(l.cfg.Dir, id.ShardPrefix())
}

// ChunkPath returns the data-file path for a chunk id.
func (l *Location) ChunkPath(id chunkid.ID) string {
	return filepath.Join(l.ChunkDir(id), id.String())
}

// Disable transitions Enabled → Disabled exactly once. Disabling is
// terminal: every subsequent operation on this location must fail with
// NoLocationAvailable. The registered callback is fired synchronously,
// exactly once, the first time Disable is called.
func (l *Location) Disable(cause error) {
	if !l.enabled.CompareAndSwap(true, false) {
		return
	}
	l.disableOnce.Do(func() {
		l.logger.Error("location disabled", "dir", l.cfg.Dir, "error", cause)
		if l.cfg.OnDisabled != nil {
			l.cfg.OnDisabled(cause)
		}
	})
}

// Close releases the directory lock. Safe to call on an already-disabled
// location.
func (l *Location) Close() error {
	if l.lockFile == nil {
		return nil
	}
	return l.lockFile.Close()
}
