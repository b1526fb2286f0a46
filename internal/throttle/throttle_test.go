package throttle

import (
	"context"
	"testing"
	"time"
)

func TestUnlimitedNeverBlocks(t *testing.T) {
	th := New(0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := th.Acquire(ctx, 1<<30); err != nil {
		t.Fatalf("Acquire on unlimited throttler: %v", err)
	}
}

func TestTryAcquireRespectsBurst(t *testing.T) {
	th := New(10, 10)
	if !th.TryAcquire(10) {
		t.Fatal("expected first 10-byte acquire to succeed within burst")
	}
	if th.TryAcquire(10) {
		t.Fatal("expected second acquire to fail, burst exhausted")
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	th := New(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := th.Acquire(ctx, 100); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
