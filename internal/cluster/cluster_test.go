package cluster_test

import (
	"context"
	"io"
	"testing"
	"time"

	"clusternode/internal/cluster"
	"clusternode/internal/fairshare"
	"clusternode/internal/persistance"

	"github.com/Jille/raftadmin/proto"
	hraft "github.com/hashicorp/raft"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// testNode bundles a cluster server, raft instance, and persisted
// scheduler-state store for testing.
type testNode struct {
	srv   *cluster.Server
	raft  *hraft.Raft
	store *persistance.Store
	fsm   *persistance.FSM
}

func (n *testNode) close() {
	n.srv.Stop()
	_ = n.raft.Shutdown().Error()
}

// newTestNode creates a cluster node listening on a random port.
func newTestNode(t *testing.T, nodeID string, bootstrap bool) *testNode {
	t.Helper()

	// Create cluster server on random port.
	srv, err := cluster.New(cluster.Config{
		ClusterAddr: "127.0.0.1:0",
		NodeID:      nodeID,
	})
	if err != nil {
		t.Fatalf("cluster.New: %v", err)
	}

	// Get transport before creating raft.
	transport := srv.Transport()

	fsm := persistance.New()

	conf := hraft.DefaultConfig()
	conf.LocalID = hraft.ServerID(nodeID)
	conf.LogOutput = io.Discard
	conf.HeartbeatTimeout = 500 * time.Millisecond
	conf.ElectionTimeout = 500 * time.Millisecond
	conf.LeaderLeaseTimeout = 250 * time.Millisecond

	logStore := hraft.NewInmemStore()
	stableStore := hraft.NewInmemStore()
	snapStore := hraft.NewInmemSnapshotStore()

	r, err := hraft.NewRaft(conf, fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		t.Fatalf("NewRaft: %v", err)
	}

	if bootstrap {
		boot := hraft.Configuration{
			Servers: []hraft.Server{
				{ID: hraft.ServerID(nodeID), Address: transport.LocalAddr()},
			},
		}
		if err := r.BootstrapCluster(boot).Error(); err != nil {
			t.Fatalf("BootstrapCluster: %v", err)
		}
	}

	store := persistance.New(r, fsm, nil, 10*time.Second)

	// Wire the cluster server.
	srv.SetRaft(r)
	srv.SetApplyFn(store.ApplyRaw)

	// Enable leader forwarding.
	fwd := cluster.NewForwarder(r, nil)
	store.SetForwarder(fwd)
	t.Cleanup(func() { _ = fwd.Close() })

	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	return &testNode{srv: srv, raft: r, store: store, fsm: fsm}
}

// waitLeader waits for a node to become leader.
func waitLeader(t *testing.T, r *hraft.Raft, timeout time.Duration) {
	t.Helper()
	select {
	case <-r.LeaderCh():
	case <-time.After(timeout):
		t.Fatal("timed out waiting for leadership")
	}
}

// addVoter adds a voter to the cluster via raftadmin gRPC.
func addVoter(t *testing.T, leaderAddr, voterID, voterAddr string) {
	t.Helper()
	conn, err := grpc.NewClient(leaderAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial leader for AddVoter: %v", err)
	}
	defer conn.Close()

	client := proto.NewRaftAdminClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.AddVoter(ctx, &proto.AddVoterRequest{
		Id:      voterID,
		Address: voterAddr,
	})
	if err != nil {
		t.Fatalf("AddVoter: %v", err)
	}

	// Await the future.
	_, err = client.Await(ctx, resp)
	if err != nil {
		t.Fatalf("Await AddVoter: %v", err)
	}
}

func TestSingleNodeForwardApply(t *testing.T) {
	node := newTestNode(t, "node-1", true)
	defer node.close()

	waitLeader(t, node.raft, 5*time.Second)

	// Write a pool state via the store (goes through raft.Apply on leader).
	ctx := context.Background()
	err := node.store.SetPoolState(ctx, "pool-a", fairshare.Resources{CPU: 4})
	if err != nil {
		t.Fatalf("SetPoolState: %v", err)
	}

	// Verify it's readable.
	doc := node.store.Load(ctx)
	vol, ok := doc.PoolStates["pool-a"]
	if !ok {
		t.Fatal("expected pool state, got none")
	}
	if vol.CPU != 4 {
		t.Errorf("got CPU %v, want 4", vol.CPU)
	}
}

func TestThreeNodeCluster(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping multi-node cluster test in short mode")
	}

	// Bootstrap node 1.
	node1 := newTestNode(t, "node-1", true)
	defer node1.close()
	waitLeader(t, node1.raft, 5*time.Second)

	// Create nodes 2 and 3 (no bootstrap).
	node2 := newTestNode(t, "node-2", false)
	defer node2.close()

	node3 := newTestNode(t, "node-3", false)
	defer node3.close()

	// Add nodes 2 and 3 as voters via raftadmin.
	addVoter(t, node1.srv.Addr(), "node-2", node2.srv.Addr())
	addVoter(t, node1.srv.Addr(), "node-3", node3.srv.Addr())

	// Give Raft a moment to stabilize.
	time.Sleep(500 * time.Millisecond)

	// Write a pool state on the leader.
	ctx := context.Background()
	if err := node1.store.SetPoolState(ctx, "pool-leader", fairshare.Resources{CPU: 2}); err != nil {
		t.Fatalf("SetPoolState on leader: %v", err)
	}

	// Verify the pool state is replicated to node 2 and 3.
	var ok2, ok3 bool
	for range 20 {
		_, ok2 = node2.store.Load(ctx).PoolStates["pool-leader"]
		_, ok3 = node3.store.Load(ctx).PoolStates["pool-leader"]
		if ok2 && ok3 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !ok2 {
		t.Error("pool state not replicated to node-2")
	}
	if !ok3 {
		t.Error("pool state not replicated to node-3")
	}

	// Write on a follower — should be forwarded to the leader.
	if err := node2.store.SetPoolState(ctx, "pool-follower", fairshare.Resources{CPU: 1}); err != nil {
		t.Fatalf("SetPoolState on follower: %v", err)
	}

	// Verify the pool state written via follower is readable on the leader.
	var leaderVol fairshare.Resources
	var leaderOK bool
	for range 20 {
		leaderVol, leaderOK = node1.store.Load(ctx).PoolStates["pool-follower"]
		if leaderOK {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !leaderOK {
		t.Fatal("pool state written on follower not found on leader")
	}
	if leaderVol.CPU != 1 {
		t.Errorf("got CPU %v, want 1", leaderVol.CPU)
	}
}
