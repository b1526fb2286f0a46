package persistance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"clusternode/internal/fairshare"

	hraft "github.com/hashicorp/raft"
)

// newTestRaft creates a single-node in-memory raft instance that
// becomes leader immediately — no cluster, no network, just raft's
// log + FSM machinery for persistence testing.
func newTestRaft(t *testing.T) (*hraft.Raft, *FSM) {
	t.Helper()

	fsm := New()

	conf := hraft.DefaultConfig()
	conf.LocalID = "test-node"
	conf.LogOutput = io.Discard
	conf.HeartbeatTimeout = 50 * time.Millisecond
	conf.ElectionTimeout = 50 * time.Millisecond
	conf.LeaderLeaseTimeout = 50 * time.Millisecond

	logStore := hraft.NewInmemStore()
	stableStore := hraft.NewInmemStore()
	snapStore := hraft.NewInmemSnapshotStore()
	_, transport := hraft.NewInmemTransport("test-node")

	r, err := hraft.NewRaft(conf, fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		t.Fatalf("NewRaft: %v", err)
	}
	t.Cleanup(func() {
		if err := r.Shutdown().Error(); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})

	boot := hraft.Configuration{
		Servers: []hraft.Server{{ID: "test-node", Address: transport.LocalAddr()}},
	}
	if err := r.BootstrapCluster(boot).Error(); err != nil {
		t.Fatalf("BootstrapCluster: %v", err)
	}

	select {
	case <-r.LeaderCh():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for leadership")
	}

	return r, fsm
}

// newNonLeaderRaft creates a raft instance that is never bootstrapped,
// so raft.Apply() always fails with raft.ErrNotLeader.
func newNonLeaderRaft(t *testing.T) (*hraft.Raft, *FSM) {
	t.Helper()

	fsm := New()
	conf := hraft.DefaultConfig()
	conf.LocalID = "follower"
	conf.LogOutput = io.Discard
	conf.HeartbeatTimeout = 50 * time.Millisecond
	conf.ElectionTimeout = 50 * time.Millisecond
	conf.LeaderLeaseTimeout = 50 * time.Millisecond

	logStore := hraft.NewInmemStore()
	stableStore := hraft.NewInmemStore()
	snapStore := hraft.NewInmemSnapshotStore()
	_, transport := hraft.NewInmemTransport("follower")

	r, err := hraft.NewRaft(conf, fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		t.Fatalf("NewRaft: %v", err)
	}
	t.Cleanup(func() { _ = r.Shutdown().Error() })

	return r, fsm
}

type mockForwarder struct {
	called bool
	data   []byte
	err    error
}

func (m *mockForwarder) Forward(ctx context.Context, data []byte) error {
	m.called = true
	m.data = data
	return m.err
}

func TestStoreSetAndLoadPoolState(t *testing.T) {
	r, fsm := newTestRaft(t)
	s := New(r, fsm, nil, 5*time.Second)

	if err := s.SetPoolState(context.Background(), "batch", fairshare.Resources{CPU: 2, Memory: 512}); err != nil {
		t.Fatalf("SetPoolState: %v", err)
	}

	doc := s.Load(context.Background())
	if doc.PoolStates["batch"].CPU != 2 {
		t.Fatalf("unexpected pool state: %+v", doc.PoolStates)
	}
}

func TestStoreSetAndRemoveSchedulingSegment(t *testing.T) {
	r, fsm := newTestRaft(t)
	s := New(r, fsm, nil, 5*time.Second)

	if err := s.SetSchedulingSegment(context.Background(), "node-1", "ssd"); err != nil {
		t.Fatalf("SetSchedulingSegment: %v", err)
	}
	segment, ok := s.SchedulingSegment("node-1")
	if !ok || segment != "ssd" {
		t.Fatalf("unexpected segment: %q, ok=%v", segment, ok)
	}

	if err := s.RemoveSchedulingSegment(context.Background(), "node-1"); err != nil {
		t.Fatalf("RemoveSchedulingSegment: %v", err)
	}
	if _, ok := s.SchedulingSegment("node-1"); ok {
		t.Fatal("expected segment binding to be removed")
	}
}

func TestApplyRawForwardsOnNotLeader(t *testing.T) {
	r, fsm := newNonLeaderRaft(t)
	s := New(r, fsm, nil, 200*time.Millisecond)
	fwd := &mockForwarder{}
	s.SetForwarder(fwd)

	data := []byte("command-bytes")
	if err := s.ApplyRaw(context.Background(), data); err != nil {
		t.Fatalf("ApplyRaw: %v", err)
	}
	if !fwd.called {
		t.Fatal("expected forwarder to be called")
	}
	if string(fwd.data) != string(data) {
		t.Fatalf("forwarder got %q, want %q", fwd.data, data)
	}
}

func TestApplyRawNoForwarderReturnsError(t *testing.T) {
	r, fsm := newNonLeaderRaft(t)
	s := New(r, fsm, nil, 200*time.Millisecond)

	if err := s.ApplyRaw(context.Background(), []byte("command-bytes")); err == nil {
		t.Fatal("expected error with no leader and no forwarder")
	}
}

func TestApplyRawForwarderError(t *testing.T) {
	r, fsm := newNonLeaderRaft(t)
	s := New(r, fsm, nil, 200*time.Millisecond)
	fwdErr := errors.New("leader unreachable")
	s.SetForwarder(&mockForwarder{err: fwdErr})

	err := s.ApplyRaw(context.Background(), []byte("command-bytes"))
	if !errors.Is(err, fwdErr) {
		t.Fatalf("expected forwarder error, got: %v", err)
	}
}

func TestRestoreFairShareDropsUnknownPools(t *testing.T) {
	r, fsm := newTestRaft(t)
	s := New(r, fsm, nil, 5*time.Second)

	ctx := context.Background()
	if err := s.SetPoolState(ctx, "known", fairshare.Resources{CPU: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPoolState(ctx, "stale", fairshare.Resources{CPU: 9}); err != nil {
		t.Fatal(err)
	}

	mgr, err := fairshare.New(fairshare.Options{Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		t.Fatalf("fairshare.New: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	mgr.SetPool(fairshare.PoolSpec{Name: "known"})

	isKnown := func(name string) bool { return name == "known" }
	s.RestoreFairShare(ctx, mgr, isKnown, slog.New(slog.DiscardHandler))

	states := mgr.PoolStates()
	if _, ok := states["stale"]; ok {
		t.Fatal("expected unrecognized pool state to be dropped")
	}
	if got, ok := states["known"]; !ok || got.CPU != 1 {
		t.Fatalf("expected known pool state to survive restore, got %+v ok=%v", got, ok)
	}
}
