// Package sessionmgr implements the session manager (§4.6): a
// map[ChunkId]Session bounded by a max-concurrent-session limit, with a
// lease renewed by every touch. Session starts and terminations run on
// the manager's control invoker; the map itself is guarded by a mutex,
// since lookups, touches and the per-session Done watcher reach it from
// other goroutines.
//
// Grounded on the teacher's internal/orchestrator/registry.go — a
// name-keyed component registry with existence checks before insert —
// generalized here with a lease timer and an injected per-type-tag
// construction seam instead of a static component table.
package sessionmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"clusternode/internal/chunkid"
	"clusternode/internal/chunkstore"
	"clusternode/internal/ioqueue"
	"clusternode/internal/location"
)

// Session is the subset of a write session's contract the manager needs
// to supervise its lifetime. blobsession.Session satisfies this.
type Session interface {
	ID() chunkid.ID
	Cancel(reason error) error
	Done() <-chan struct{}
}

// Factory constructs the session variant appropriate for a chunk id's
// object-type tag, once a location has been chosen.
type Factory func(id chunkid.ID, loc *location.Location) (Session, error)

var (
	ErrTooManySessions = errors.New("sessionmgr: max concurrent sessions reached")
	ErrSessionExists   = errors.New("sessionmgr: session already exists for this chunk id")
	ErrNoSuchSession   = errors.New("sessionmgr: no such session")
)

// Options configures a Manager.
type Options struct {
	MaxConcurrentSessions int
	SessionTimeout        time.Duration
	Factories             map[chunkid.ObjectType]Factory
}

type tracked struct {
	session Session
	loc     *location.Location
	timer   *time.Timer
}

// Manager maintains the active session table.
type Manager struct {
	opts    Options
	control *ioqueue.Queue

	mu       sync.Mutex // guards sessions; taken by control-invoker tasks, Touch, Get, Count and the Done-channel watcher
	sessions map[chunkid.ID]*tracked
}

// New creates a session manager.
func New(opts Options) *Manager {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 5 * time.Minute
	}
	return &Manager{
		opts:     opts,
		control:  ioqueue.New("session-manager", 64),
		sessions: make(map[chunkid.ID]*tracked),
	}
}

// StartSession allocates a location from candidates via
// chunkstore.GetNewChunkLocation, constructs the session variant
// appropriate for id's type tag, and tracks it under a fresh lease.
func (m *Manager) StartSession(ctx context.Context, id chunkid.ID, candidates []*location.Location) (Session, error) {
	factory, ok := m.opts.Factories[id.Type()]
	if !ok {
		return nil, fmt.Errorf("sessionmgr: no session factory registered for object type %s", id.Type())
	}

	var result Session
	err := m.control.Submit(ctx, func(ctx context.Context) error {
		m.mu.Lock()
		_, exists := m.sessions[id]
		count := len(m.sessions)
		m.mu.Unlock()

		if exists {
			return ErrSessionExists
		}
		if m.opts.MaxConcurrentSessions > 0 && count >= m.opts.MaxConcurrentSessions {
			return ErrTooManySessions
		}

		loc, err := chunkstore.GetNewChunkLocation(candidates, 0)
		if err != nil {
			return err
		}

		sess, err := factory(id, loc)
		if err != nil {
			return fmt.Errorf("construct session: %w", err)
		}
		loc.AcquireSession()

		t := &tracked{session: sess, loc: loc}
		t.timer = time.AfterFunc(m.opts.SessionTimeout, func() {
			_ = m.Terminate(context.Background(), id, fmt.Errorf("sessionmgr: lease expired"))
		})

		m.mu.Lock()
		m.sessions[id] = t
		m.mu.Unlock()

		go func() {
			<-sess.Done()
			_ = m.remove(id)
		}()

		result = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Touch renews the lease for id. Any of PutBlocks/GetBlock/FlushBlocks/
// SendBlocks is required by §4.6 to call this on every successful touch.
func (m *Manager) Touch(id chunkid.ID) error {
	m.mu.Lock()
	t, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ErrNoSuchSession
	}
	t.timer.Reset(m.opts.SessionTimeout)
	return nil
}

// Terminate cancels the session for id (if any) with reason and removes
// it from the table. Idempotent.
func (m *Manager) Terminate(ctx context.Context, id chunkid.ID, reason error) error {
	return m.control.Submit(ctx, func(ctx context.Context) error {
		m.mu.Lock()
		t, ok := m.sessions[id]
		m.mu.Unlock()
		if !ok {
			return nil
		}
		_ = t.session.Cancel(reason)
		return m.removeLocked(id)
	})
}

// remove drops id from the table outside the control invoker (used by
// the Done-channel watcher goroutine, which must not block waiting on
// its own termination path re-entering the invoker it was spawned from).
func (m *Manager) remove(id chunkid.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLockedNoMutex(id)
}

func (m *Manager) removeLocked(id chunkid.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLockedNoMutex(id)
}

// removeLockedNoMutex assumes m.mu is already held.
func (m *Manager) removeLockedNoMutex(id chunkid.ID) error {
	t, ok := m.sessions[id]
	if !ok {
		return nil
	}
	t.timer.Stop()
	t.loc.ReleaseSession()
	delete(m.sessions, id)
	return nil
}

// Get returns the currently tracked session for id, if any.
func (m *Manager) Get(id chunkid.ID) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return t.session, true
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops the control invoker.
func (m *Manager) Close() error {
	return m.control.Close()
}
