package sessionmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"clusternode/internal/chunkid"
	"clusternode/internal/location"
)

type fakeSession struct {
	id       chunkid.ID
	done     chan struct{}
	canceled error
}

func newFakeSession(id chunkid.ID) *fakeSession {
	return &fakeSession{id: id, done: make(chan struct{})}
}

func (f *fakeSession) ID() chunkid.ID { return f.id }

func (f *fakeSession) Cancel(reason error) error {
	f.canceled = reason
	select {
	case <-f.done:
	default:
		close(f.done)
	}
	return nil
}

func (f *fakeSession) Done() <-chan struct{} { return f.done }

func newTestLocation(t *testing.T) *location.Location {
	t.Helper()
	dir := t.TempDir()
	loc, err := location.New(location.Config{Dir: dir, Medium: "ssd", Type: location.Store})
	if err != nil {
		t.Fatalf("location.New: %v", err)
	}
	t.Cleanup(func() { _ = loc.Close() })
	return loc
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m := New(opts)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestStartSessionConstructsAndTracks(t *testing.T) {
	loc := newTestLocation(t)
	var built *fakeSession
	m := newTestManager(t, Options{
		MaxConcurrentSessions: 2,
		Factories: map[chunkid.ObjectType]Factory{
			chunkid.Blob: func(id chunkid.ID, loc *location.Location) (Session, error) {
				built = newFakeSession(id)
				return built, nil
			},
		},
	})

	id := chunkid.New(chunkid.Blob)
	sess, err := m.StartSession(context.Background(), id, []*location.Location{loc})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if sess.ID() != id {
		t.Fatalf("session id = %v, want %v", sess.ID(), id)
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}
	if loc.SessionCount() != 1 {
		t.Fatalf("SessionCount() = %d, want 1", loc.SessionCount())
	}
}

func TestStartSessionDuplicateRejected(t *testing.T) {
	loc := newTestLocation(t)
	m := newTestManager(t, Options{
		MaxConcurrentSessions: 2,
		Factories: map[chunkid.ObjectType]Factory{
			chunkid.Blob: func(id chunkid.ID, loc *location.Location) (Session, error) {
				return newFakeSession(id), nil
			},
		},
	})

	id := chunkid.New(chunkid.Blob)
	if _, err := m.StartSession(context.Background(), id, []*location.Location{loc}); err != nil {
		t.Fatalf("first StartSession: %v", err)
	}
	if _, err := m.StartSession(context.Background(), id, []*location.Location{loc}); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("second StartSession err = %v, want ErrSessionExists", err)
	}
}

func TestStartSessionRejectsOverLimit(t *testing.T) {
	loc := newTestLocation(t)
	m := newTestManager(t, Options{
		MaxConcurrentSessions: 1,
		Factories: map[chunkid.ObjectType]Factory{
			chunkid.Blob: func(id chunkid.ID, loc *location.Location) (Session, error) {
				return newFakeSession(id), nil
			},
		},
	})

	if _, err := m.StartSession(context.Background(), chunkid.New(chunkid.Blob), []*location.Location{loc}); err != nil {
		t.Fatalf("first StartSession: %v", err)
	}
	if _, err := m.StartSession(context.Background(), chunkid.New(chunkid.Blob), []*location.Location{loc}); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("second StartSession err = %v, want ErrTooManySessions", err)
	}
}

func TestStartSessionUnknownTypeTag(t *testing.T) {
	loc := newTestLocation(t)
	m := newTestManager(t, Options{Factories: map[chunkid.ObjectType]Factory{}})

	_, err := m.StartSession(context.Background(), chunkid.New(chunkid.Journal), []*location.Location{loc})
	if err == nil {
		t.Fatal("expected error for unregistered object type")
	}
}

func TestTerminateCancelsAndRemoves(t *testing.T) {
	loc := newTestLocation(t)
	var built *fakeSession
	m := newTestManager(t, Options{
		MaxConcurrentSessions: 2,
		Factories: map[chunkid.ObjectType]Factory{
			chunkid.Blob: func(id chunkid.ID, loc *location.Location) (Session, error) {
				built = newFakeSession(id)
				return built, nil
			},
		},
	})

	id := chunkid.New(chunkid.Blob)
	if _, err := m.StartSession(context.Background(), id, []*location.Location{loc}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	reason := errors.New("client abort")
	if err := m.Terminate(context.Background(), id, reason); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !errors.Is(built.canceled, reason) {
		t.Fatalf("session canceled with %v, want %v", built.canceled, reason)
	}

	// Done-channel watcher removes the entry asynchronously; poll briefly.
	deadline := time.Now().Add(time.Second)
	for m.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if m.Count() != 0 {
		t.Fatalf("Count() = %d after Terminate, want 0", m.Count())
	}
	if loc.SessionCount() != 0 {
		t.Fatalf("SessionCount() = %d after Terminate, want 0", loc.SessionCount())
	}
}

func TestTerminateUnknownIsNoop(t *testing.T) {
	m := newTestManager(t, Options{Factories: map[chunkid.ObjectType]Factory{}})
	if err := m.Terminate(context.Background(), chunkid.New(chunkid.Blob), errors.New("x")); err != nil {
		t.Fatalf("Terminate on unknown id: %v", err)
	}
}

func TestTouchRenewsLease(t *testing.T) {
	loc := newTestLocation(t)
	m := newTestManager(t, Options{
		SessionTimeout:        50 * time.Millisecond,
		MaxConcurrentSessions: 2,
		Factories: map[chunkid.ObjectType]Factory{
			chunkid.Blob: func(id chunkid.ID, loc *location.Location) (Session, error) {
				return newFakeSession(id), nil
			},
		},
	})

	id := chunkid.New(chunkid.Blob)
	if _, err := m.StartSession(context.Background(), id, []*location.Location{loc}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// Keep touching faster than the lease timeout; the session must survive.
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		if err := m.Touch(id); err != nil {
			t.Fatalf("Touch: %v", err)
		}
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 (session should have survived touches)", m.Count())
	}
}

func TestLeaseExpiryTerminatesSession(t *testing.T) {
	loc := newTestLocation(t)
	var built *fakeSession
	m := newTestManager(t, Options{
		SessionTimeout:        20 * time.Millisecond,
		MaxConcurrentSessions: 2,
		Factories: map[chunkid.ObjectType]Factory{
			chunkid.Blob: func(id chunkid.ID, loc *location.Location) (Session, error) {
				built = newFakeSession(id)
				return built, nil
			},
		},
	})

	id := chunkid.New(chunkid.Blob)
	if _, err := m.StartSession(context.Background(), id, []*location.Location{loc}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for m.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Count() != 0 {
		t.Fatal("expected session to be terminated after lease expiry")
	}
	if built.canceled == nil {
		t.Fatal("expected session to have been canceled on lease expiry")
	}
}
