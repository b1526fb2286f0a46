// Package slru implements a segmented LRU: a small probationary segment
// for newly-inserted entries and a larger protected segment for entries
// that have been touched more than once. Both the chunk cache registry
// (§4.2) and the artifact cache (§4.5) are specified as "bounded async
// SLRU" caches; this package gives them one shared implementation.
//
// golang-lru is already part of the dependency graph (pulled in
// transitively by the raft stack); two instances of its plain LRU give an
// SLRU without hand-rolling a doubly-linked-list cache from scratch.
package slru

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// Weighted is implemented by cached values that have a disk/memory
// footprint, used to enforce the capacity bound by weight rather than by
// entry count.
type Weighted interface {
	Weight() int64
}

// EvictedFunc is called, outside any lock held by Cache, whenever an
// entry is evicted to make room. The evicted value is not removed from
// disk synchronously — callers schedule that separately (§4.2: "evicted
// chunk's file deletion is deferred until the cached chunk object is
// destroyed").
type EvictedFunc[K comparable, V Weighted] func(key K, value V)

// Cache is a segmented-LRU cache bounded by total weight rather than
// entry count. Roughly a fifth of the capacity is reserved for the
// probationary segment; entries promoted to protected on a second touch.
type Cache[K comparable, V Weighted] struct {
	mu sync.Mutex

	capacity int64
	used     int64

	probationCap int64
	probUsed     int64
	protUsed     int64

	probation *lru.Cache
	protected *lru.Cache

	onEvict EvictedFunc[K, V]
}

type entry[K comparable, V Weighted] struct {
	key   K
	value V
}

// New creates an SLRU cache bounded by capacityBytes. onEvict, if
// non-nil, is invoked for every entry evicted to make room.
func New[K comparable, V Weighted](capacityBytes int64, onEvict EvictedFunc[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		capacity:     capacityBytes,
		probationCap: capacityBytes / 5,
		onEvict:      onEvict,
	}
	// golang-lru requires a positive max entry count; we manage the real
	// weight bound ourselves and just need "unbounded enough" backing
	// stores, so size them generously and never let Add evict on our
	// behalf (we call RemoveOldest explicitly, under our own weight math).
	c.probation, _ = lru.NewWithEvict(1<<20, func(k, v any) {})
	c.protected, _ = lru.NewWithEvict(1<<20, func(k, v any) {})
	return c
}

// Get returns the cached value for key, promoting it to the protected
// segment on a hit.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.protected.Get(key); ok {
		c.protected.Add(key, v) // refresh recency
		return v.(entry[K, V]).value, true
	}
	if v, ok := c.probation.Get(key); ok {
		e := v.(entry[K, V])
		c.probation.Remove(key)
		c.probUsed -= e.value.Weight()
		c.protected.Add(key, e)
		c.protUsed += e.value.Weight()
		// Keep the probationary share free: demote the oldest protected
		// entries while protected holds more than capacity-probationCap.
		for c.protUsed > c.capacity-c.probationCap && c.protected.Len() > 1 {
			k, pv, _ := c.protected.RemoveOldest()
			pe := pv.(entry[K, V])
			c.protUsed -= pe.value.Weight()
			c.probation.Add(k, pe)
			c.probUsed += pe.value.Weight()
		}
		return e.value, true
	}
	var zero V
	return zero, false
}

// Put inserts key/value into the probationary segment, evicting entries
// (oldest probationary first, then oldest protected) until the cache fits
// within capacity.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := value.Weight()
	c.probation.Add(key, entry[K, V]{key: key, value: value})
	c.probUsed += w
	c.used += w

	for c.used > c.capacity {
		if c.probation.Len() > 0 {
			k, v, _ := c.probation.RemoveOldest()
			e := v.(entry[K, V])
			c.probUsed -= e.value.Weight()
			c.used -= e.value.Weight()
			if c.onEvict != nil {
				c.onEvict(k.(K), e.value)
			}
			continue
		}
		if c.protected.Len() > 0 {
			k, v, _ := c.protected.RemoveOldest()
			e := v.(entry[K, V])
			c.protUsed -= e.value.Weight()
			c.used -= e.value.Weight()
			if c.onEvict != nil {
				c.onEvict(k.(K), e.value)
			}
			continue
		}
		break // nothing left to evict; capacity smaller than a single entry
	}
}

// Remove evicts key without invoking onEvict (used when the caller is
// removing the entry intentionally, e.g. explicit invalidation).
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.protected.Peek(key); ok {
		c.protUsed -= v.(entry[K, V]).value.Weight()
		c.used -= v.(entry[K, V]).value.Weight()
		c.protected.Remove(key)
		return
	}
	if v, ok := c.probation.Peek(key); ok {
		c.probUsed -= v.(entry[K, V]).value.Weight()
		c.used -= v.(entry[K, V]).value.Weight()
		c.probation.Remove(key)
	}
}

// Len returns the total number of cached entries across both segments.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probation.Len() + c.protected.Len()
}

// Used returns the total weight currently held by the cache.
func (c *Cache[K, V]) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}
