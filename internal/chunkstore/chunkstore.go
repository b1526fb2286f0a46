// Package chunkstore implements the chunk registry (§4.2): a
// content-addressed index of chunks, shared in shape between the durable
// store (unbounded, indexed by id) and the bounded SLRU cache (indexed by
// id, evicted by disk footprint). Registration and unregistration are
// serialized through an ioqueue.Queue ("control invoker"); lookups read a
// lock-free published snapshot, matching §4.2's thread-discipline
// requirement.
//
// The dedup case table in RegisterExistingChunk mirrors the crash-recovery
// logic in the teacher's chunk/file.Manager.loadExisting (same-inode
// fatal, keep-the-survivor-by-rule), generalized from "one file per
// manager" to "many locations feeding one registry".
package chunkstore

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sync/atomic"

	"clusternode/internal/chunkid"
	"clusternode/internal/dnerrors"
	"clusternode/internal/ioqueue"
	"clusternode/internal/location"
	"clusternode/internal/slru"
)

// Entry is a registered chunk's bookkeeping record.
type Entry struct {
	ID       chunkid.ID
	Location *location.Location
	Inode    uint64
	DiskSize int64
	RowCount int64 // journal chunks only; used for dedup tie-breaking
	Sealed   bool
}

// Weight makes Entry usable as an slru.Weighted value for the cache variant.
func (e Entry) Weight() int64 { return e.DiskSize }

// Kind distinguishes the durable store from the bounded cache.
type Kind int

const (
	KindStore Kind = iota
	KindCache
)

// Listener receives registry lifecycle notifications.
type Listener interface {
	ChunkAdded(Entry)
	ChunkRemoved(Entry)
}

// NopListener implements Listener with no-ops.
type NopListener struct{}

func (NopListener) ChunkAdded(Entry)   {}
func (NopListener) ChunkRemoved(Entry) {}

// Registry is the content-addressed chunk index. One instance serves
// either a store or a cache, selected by Kind at construction.
type Registry struct {
	kind     Kind
	control  *ioqueue.Queue
	removal  *ioqueue.Queue
	listener Listener

	// snapshot is a *map[chunkid.ID]Entry published by the control
	// invoker; readers load it without ever touching control's mutex
	// (there isn't one — the map itself is immutable once published).
	snapshot atomic.Pointer[map[chunkid.ID]Entry]

	cache *slru.Cache[chunkid.ID, Entry] // non-nil only when kind == KindCache
}

// New creates a Registry of the given kind. cacheCapacityBytes is only
// consulted when kind == KindCache.
func New(kind Kind, listener Listener, cacheCapacityBytes int64) *Registry {
	if listener == nil {
		listener = NopListener{}
	}
	r := &Registry{
		kind:     kind,
		control:  ioqueue.New("chunk-registry", 64),
		removal:  ioqueue.New("chunk-registry-removal", 256),
		listener: listener,
	}
	empty := map[chunkid.ID]Entry{}
	r.snapshot.Store(&empty)

	if kind == KindCache {
		r.cache = slru.New[chunkid.ID, Entry](cacheCapacityBytes, func(id chunkid.ID, e Entry) {
			r.unregisterLocked(id)
			r.scheduleFileRemoval(e)
		})
	}
	return r
}

// Lookup performs a lock-free read against the published snapshot.
func (r *Registry) Lookup(id chunkid.ID) (Entry, bool) {
	m := *r.snapshot.Load()
	e, ok := m[id]
	return e, ok
}

// List returns a snapshot copy of every registered entry.
func (r *Registry) List() []Entry {
	m := *r.snapshot.Load()
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}

// RegisterNewChunk inserts a freshly-finished chunk. A duplicate id is a
// fatal invariant violation (programmer/data error, not a client error —
// per §9 these terminate rather than return an error).
func (r *Registry) RegisterNewChunk(ctx context.Context, e Entry) error {
	return r.control.Submit(ctx, func(ctx context.Context) error {
		m := *r.snapshot.Load()
		if _, exists := m[e.ID]; exists {
			panic(fmt.Sprintf("chunkstore: duplicate registration of chunk %s", e.ID))
		}
		r.publish(func(next map[chunkid.ID]Entry) { next[e.ID] = e })
		if r.cache != nil {
			r.cache.Put(e.ID, e)
		}
		r.listener.ChunkAdded(e)
		return nil
	})
}

// RegisterExistingChunk is used only during startup scans. If a chunk
// with the same id is already registered, the §4.2 case table decides the
// survivor; the loser is scheduled for removal rather than registered.
func (r *Registry) RegisterExistingChunk(ctx context.Context, e Entry) error {
	return r.control.Submit(ctx, func(ctx context.Context) error {
		m := *r.snapshot.Load()
		existing, exists := m[e.ID]
		if !exists {
			r.publish(func(next map[chunkid.ID]Entry) { next[e.ID] = e })
			if r.cache != nil {
				r.cache.Put(e.ID, e)
			}
			r.listener.ChunkAdded(e)
			return nil
		}

		if existing.Inode == e.Inode {
			panic(fmt.Sprintf("chunkstore: chunk %s aliases the same inode on two paths", e.ID))
		}

		switch e.ID.Type() {
		case chunkid.Blob, chunkid.Erasure:
			if existing.DiskSize == e.DiskSize {
				// Keep the older replica (existing), remove the newer (e).
				r.scheduleFileRemoval(e)
				return nil
			}
			panic(fmt.Sprintf("chunkstore: duplicate blob/erasure chunk %s with differing disk size", e.ID))

		case chunkid.Journal:
			if e.RowCount > existing.RowCount {
				r.publish(func(next map[chunkid.ID]Entry) { next[e.ID] = e })
				r.scheduleFileRemoval(existing)
				return nil
			}
			r.scheduleFileRemoval(e)
			return nil

		default:
			panic(fmt.Sprintf("chunkstore: duplicate chunk %s with unresolvable type %v", e.ID, e.ID.Type()))
		}
	})
}

// UnregisterChunk removes id from the index. Idempotent: unregistering an
// absent id is a no-op and does not fire ChunkRemoved again.
func (r *Registry) UnregisterChunk(ctx context.Context, id chunkid.ID) error {
	return r.control.Submit(ctx, func(ctx context.Context) error {
		return r.unregisterLocked(id)
	})
}

// unregisterLocked must only be called from within the control invoker.
func (r *Registry) unregisterLocked(id chunkid.ID) error {
	m := *r.snapshot.Load()
	e, ok := m[id]
	if !ok {
		return nil
	}
	r.publish(func(next map[chunkid.ID]Entry) { delete(next, id) })
	r.listener.ChunkRemoved(e)
	return nil
}

// RemoveChunk unregisters id and then schedules its on-disk removal on the
// registry's own removal invoker, which is shared by all locations (not on
// a per-location write pool). Returns once scheduling (not deletion) has
// been accepted.
func (r *Registry) RemoveChunk(ctx context.Context, id chunkid.ID) error {
	m := *r.snapshot.Load()
	e, ok := m[id]
	if !ok {
		return nil // already gone: idempotent
	}
	if err := r.UnregisterChunk(ctx, id); err != nil {
		return err
	}
	r.scheduleFileRemoval(e)
	return nil
}

// scheduleFileRemoval posts (fire-and-forget) the deletion of a chunk's
// on-disk files, decrementing the owning location's accounting once the
// delete completes. Runs on a dedicated removal invoker so a slow unlink
// never blocks the control invoker that serializes (un)registration.
func (r *Registry) scheduleFileRemoval(e Entry) {
	if e.Location == nil {
		return
	}
	loc := e.Location
	size := e.DiskSize
	id := e.ID
	_ = r.removal.Post(func(ctx context.Context) error {
		path := loc.ChunkPath(id)
		guard := loc.IncreasePendingIO(location.DirectionWrite, location.WorkloadRepair, size)
		defer guard.Release()

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove chunk %s data file: %w", id, err)
		}
		if err := os.Remove(path + ".meta"); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove chunk %s meta file: %w", id, err)
		}
		loc.UpdateUsedSpace(-size)
		loc.UpdateChunkCount(-1)
		return nil
	})
}

// publish copy-on-writes the snapshot map by applying mutate to a fresh
// copy, then atomically swapping the published pointer (release-store).
func (r *Registry) publish(mutate func(next map[chunkid.ID]Entry)) {
	cur := *r.snapshot.Load()
	next := make(map[chunkid.ID]Entry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	mutate(next)
	r.snapshot.Store(&next)
}

// GetNewChunkLocation picks, among enabled, non-full candidates, a
// uniformly-random location from those with the minimum active session
// count. Returns OutOfSpace if none qualify.
func GetNewChunkLocation(candidates []*location.Location, estimatedSize int64) (*location.Location, error) {
	var best []*location.Location
	var bestSessions int64 = -1

	for _, loc := range candidates {
		if !loc.Enabled() || !loc.HasEnoughSpace(estimatedSize) {
			continue
		}
		sc := loc.SessionCount()
		switch {
		case bestSessions == -1 || sc < bestSessions:
			bestSessions = sc
			best = []*location.Location{loc}
		case sc == bestSessions:
			best = append(best, loc)
		}
	}
	if len(best) == 0 {
		return nil, dnerrors.New(dnerrors.OutOfSpace, dnerrors.KindSpaceExhausted, nil)
	}
	return best[rand.IntN(len(best))], nil
}

// Close stops the control and removal invokers, waiting for pending work
// to finish.
func (r *Registry) Close() error {
	err := r.control.Close()
	if rerr := r.removal.Close(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}
