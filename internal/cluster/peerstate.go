package cluster

import (
	"sync"
	"time"
)

type peerEntry struct {
	stats    *NodeStats
	received time.Time
}

// PeerState stores the most recent NodeStats from each cluster peer.
// Entries expire after a configurable TTL (typically 3× the broadcast interval).
type PeerState struct {
	mu      sync.RWMutex
	entries map[string]peerEntry
	ttl     time.Duration
}

// NewPeerState creates a PeerState with the given TTL.
func NewPeerState(ttl time.Duration) *PeerState {
	return &PeerState{
		entries: make(map[string]peerEntry),
		ttl:     ttl,
	}
}

// Update stores or replaces the stats for the given sender.
func (p *PeerState) Update(senderID string, stats *NodeStats, received time.Time) {
	p.mu.Lock()
	p.entries[senderID] = peerEntry{stats: stats, received: received}
	p.mu.Unlock()
}

// Get returns the latest stats for the given sender, or nil if absent or expired.
func (p *PeerState) Get(senderID string) *NodeStats {
	p.mu.RLock()
	e, ok := p.entries[senderID]
	p.mu.RUnlock()
	if !ok || time.Since(e.received) > p.ttl {
		return nil
	}
	return e.stats
}

// HandleBroadcast is a subscriber callback for the cluster broadcast system.
// It extracts NodeStats from the broadcast message and stores it.
func (p *PeerState) HandleBroadcast(msg *BroadcastMessage) {
	if ns := msg.GetNodeStats(); ns != nil {
		received := time.Now()
		if !msg.Timestamp.IsZero() {
			received = msg.Timestamp
		}
		p.Update(msg.SenderId, ns, received)
	}
}
