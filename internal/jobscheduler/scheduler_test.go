package jobscheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"clusternode/internal/fairshare"
)

// fakeController always grants a job of a fixed size unless told to fail.
type fakeController struct {
	grant     fairshare.Resources
	fail      bool
	failWhy   string
	nextJobID int
	calls     int
}

func (c *fakeController) ScheduleJob(ctx context.Context, operationID string, available fairshare.Resources, node NodeDescriptor, opts ScheduleOptions) (ScheduleResult, error) {
	c.calls++
	if c.fail {
		return ScheduleResult{FailReasons: []string{c.failWhy}}, nil
	}
	if !c.grant.LessOrEqual(available) {
		return ScheduleResult{FailReasons: []string{"insufficient"}}, nil
	}
	c.nextJobID++
	return ScheduleResult{Job: &JobStartDescriptor{
		JobID:       JobID(operationID + "-job"),
		OperationID: operationID,
		Usage:       c.grant,
	}}, nil
}

func newManagerWithTree(t *testing.T, pools map[string]fairshare.PoolSpec, ops map[string]fairshare.OperationSpec, total fairshare.Resources) *fairshare.Tree {
	t.Helper()
	m, err := fairshare.New(fairshare.Options{Logger: slog.Default(), TickInterval: time.Hour})
	if err != nil {
		t.Fatalf("fairshare.New: %v", err)
	}
	defer m.Close()
	m.SetTotalResources(total)
	for _, p := range pools {
		m.SetPool(p)
	}
	for _, op := range ops {
		m.RegisterOperation(op)
	}
	tree, err := m.Tick()
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	return tree
}

func cfg1() fairshare.GuaranteeConfig {
	return fairshare.DefaultGuaranteeConfig()
}

func TestRunHeartbeatStage1SchedulesBestRankedOperation(t *testing.T) {
	pools := map[string]fairshare.PoolSpec{
		"p": {Name: "p", Config: cfg1()},
	}
	ops := map[string]fairshare.OperationSpec{
		"under": {ID: "under", Pool: "p", Config: cfg1(), Demand: fairshare.Resources{CPU: 10}, Usage: fairshare.Resources{CPU: 1}},
		"over":  {ID: "over", Pool: "p", Config: cfg1(), Demand: fairshare.Resources{CPU: 10}, Usage: fairshare.Resources{CPU: 9}},
	}
	tree := newManagerWithTree(t, pools, ops, fairshare.Resources{CPU: 10})

	s := New(Options{})
	underC := &fakeController{grant: fairshare.Resources{CPU: 1}}
	overC := &fakeController{grant: fairshare.Resources{CPU: 1}}
	s.RegisterController("under", underC)
	s.RegisterController("over", overC)

	res, err := s.RunHeartbeat(context.Background(), tree, SchedulingContext{
		Node:          NodeDescriptor{ID: "n1"},
		FreeResources: fairshare.Resources{CPU: 4},
		Limits:        fairshare.Resources{CPU: 100},
	})
	if err != nil {
		t.Fatalf("RunHeartbeat: %v", err)
	}
	if len(res.Started) != 1 {
		t.Fatalf("expected exactly one job started, got %d", len(res.Started))
	}
	if res.Started[0].OperationID != "under" {
		t.Fatalf("expected the under-served operation to win, got %q", res.Started[0].OperationID)
	}
	if res.Started[0].Stage != "non-preemptive" {
		t.Fatalf("expected non-preemptive stage, got %q", res.Started[0].Stage)
	}
}

func TestRunHeartbeatPackingFallback(t *testing.T) {
	pools := map[string]fairshare.PoolSpec{
		"p": {Name: "p", Config: cfg1()},
	}
	ops := map[string]fairshare.OperationSpec{
		"a": {ID: "a", Pool: "p", Config: cfg1(), Demand: fairshare.Resources{CPU: 10}, Usage: fairshare.Resources{CPU: 1}},
	}
	tree := newManagerWithTree(t, pools, ops, fairshare.Resources{CPU: 10})

	s := New(Options{})
	fc := &fakeController{fail: true, failWhy: "packing"}
	s.RegisterController("a", fc)

	res, err := s.RunHeartbeat(context.Background(), tree, SchedulingContext{
		Node:          NodeDescriptor{ID: "n1"},
		FreeResources: fairshare.Resources{CPU: 4},
		Limits:        fairshare.Resources{CPU: 100},
	})
	if err != nil {
		t.Fatalf("RunHeartbeat: %v", err)
	}
	if len(res.Started) != 0 {
		t.Fatalf("fake controller always fails, expected no job started, got %d", len(res.Started))
	}
	// Stage 1 ran once, stage 2 retried once with IgnorePacking.
	if fc.calls != 2 {
		t.Fatalf("expected stage 1 + packing-fallback retry (2 calls), got %d", fc.calls)
	}
}

func TestRunHeartbeatNoJobWhenNoControllerRegistered(t *testing.T) {
	pools := map[string]fairshare.PoolSpec{
		"p": {Name: "p", Config: cfg1()},
	}
	ops := map[string]fairshare.OperationSpec{
		"a": {ID: "a", Pool: "p", Config: cfg1(), Demand: fairshare.Resources{CPU: 10}},
	}
	tree := newManagerWithTree(t, pools, ops, fairshare.Resources{CPU: 10})

	s := New(Options{})
	res, err := s.RunHeartbeat(context.Background(), tree, SchedulingContext{
		Node:          NodeDescriptor{ID: "n1"},
		FreeResources: fairshare.Resources{CPU: 4},
		Limits:        fairshare.Resources{CPU: 100},
	})
	if err != nil {
		t.Fatalf("RunHeartbeat: %v", err)
	}
	if len(res.Started) != 0 {
		t.Fatalf("expected no job started with no controllers registered, got %d", len(res.Started))
	}
}

func TestAbortOnOvercommitAbortsLowestPriorityFirst(t *testing.T) {
	pools := map[string]fairshare.PoolSpec{
		"p": {Name: "p", Config: cfg1()},
	}
	satisfied := cfg1()
	ops := map[string]fairshare.OperationSpec{
		"a": {ID: "a", Pool: "p", Config: satisfied, Demand: fairshare.Resources{CPU: 5}, Usage: fairshare.Resources{CPU: 5}},
		"b": {ID: "b", Pool: "p", Config: satisfied, Demand: fairshare.Resources{CPU: 5}, Usage: fairshare.Resources{CPU: 5}},
	}
	tree := newManagerWithTree(t, pools, ops, fairshare.Resources{CPU: 10})

	s := New(Options{})
	now := time.Now()
	running := []RunningJob{
		{ID: "job-a", OperationID: "a", Usage: fairshare.Resources{CPU: 6}, StartedAt: now.Add(-time.Minute)},
		{ID: "job-b", OperationID: "b", Usage: fairshare.Resources{CPU: 6}, StartedAt: now},
	}
	res, err := s.RunHeartbeat(context.Background(), tree, SchedulingContext{
		Node:        NodeDescriptor{ID: "n1"},
		Limits:      fairshare.Resources{CPU: 10},
		RunningJobs: running,
	})
	if err != nil {
		t.Fatalf("RunHeartbeat: %v", err)
	}
	if len(res.Aborted) == 0 {
		t.Fatal("expected overcommitted node to abort at least one job")
	}
}

func TestGracefulPreemptionScanSignalsPreemptibleGracefulJobs(t *testing.T) {
	pools := map[string]fairshare.PoolSpec{
		"p": {Name: "p", Config: cfg1()},
	}
	ops := map[string]fairshare.OperationSpec{
		"a": {ID: "a", Pool: "p", Config: cfg1(), Demand: fairshare.Resources{CPU: 5}, Usage: fairshare.Resources{CPU: 5}},
	}
	tree := newManagerWithTree(t, pools, ops, fairshare.Resources{CPU: 5})

	s := New(Options{GracefulInterruptTimeout: time.Minute})
	running := []RunningJob{
		{ID: "job-a", OperationID: "a", PreemptionMode: PreemptionModeGraceful},
	}
	res, err := s.RunHeartbeat(context.Background(), tree, SchedulingContext{
		Node:        NodeDescriptor{ID: "n1"},
		Limits:      fairshare.Resources{CPU: 100},
		RunningJobs: running,
	})
	if err != nil {
		t.Fatalf("RunHeartbeat: %v", err)
	}
	if len(res.GracefulSignals) != 1 {
		t.Fatalf("expected one graceful signal, got %d", len(res.GracefulSignals))
	}
	if res.GracefulSignals[0].InterruptTimeout != time.Minute {
		t.Fatalf("expected configured interrupt timeout, got %v", res.GracefulSignals[0].InterruptTimeout)
	}
}

func TestRegisterAndUnregisterController(t *testing.T) {
	s := New(Options{})
	fc := &fakeController{grant: fairshare.Resources{CPU: 1}}
	s.RegisterController("a", fc)
	if _, ok := s.controllerFor("a"); !ok {
		t.Fatal("expected controller to be registered")
	}
	s.UnregisterController("a")
	if _, ok := s.controllerFor("a"); ok {
		t.Fatal("expected controller to be gone after unregister")
	}
}

func TestDeactivatesOperationAfterRepeatedFailures(t *testing.T) {
	s := New(Options{MaxScheduleFailures: 2})
	fc := &fakeController{fail: true, failWhy: "boom"}
	s.RegisterController("a", fc)

	for i := 0; i < 2; i++ {
		s.recordFailure("a")
	}
	if _, ok := s.controllerFor("a"); ok {
		t.Fatal("expected operation to be deactivated after reaching the failure budget")
	}
}
