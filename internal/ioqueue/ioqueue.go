// Package ioqueue implements the single-consumer serialized work queue
// ("invoker") that §5 requires as the sole serialization primitive for
// every subsystem: one goroutine drains a command channel, so callers
// never share a mutex with disk IO or RPC calls. This is the idiomatic Go
// rendering of the source's coroutine/invoker model called for by the
// REDESIGN FLAGS in spec §9 ("coroutine-style await ... expressed here as
// tasks that own a continuation scheduled on a named invoker").
//
// The teacher achieves the same single-writer discipline with a bare
// sync.Mutex around Manager state (internal/chunk/file/manager.go); here
// the discipline is a channel instead of a lock, which is what lets a
// write-pool invoker block on disk IO without blocking the control
// invoker that submitted the task.
package ioqueue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Submit/Post once the queue has been closed.
var ErrClosed = errors.New("ioqueue: closed")

// task is a unit of work dispatched to the invoker goroutine.
type task struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Queue is a single-consumer work queue: exactly one goroutine executes
// submitted tasks, strictly in submission order. Submit/Post may be
// called concurrently by many goroutines; execution itself never is.
type Queue struct {
	name  string
	tasks chan task
	drain chan struct{}

	mu     sync.RWMutex // guards closed; held (read) across every send to tasks
	closed bool
}

// New starts a Queue named name (used only for logging/metrics labels)
// with the given pending-task buffer depth.
func New(name string, depth int) *Queue {
	if depth < 1 {
		depth = 1
	}
	q := &Queue{
		name:  name,
		tasks: make(chan task, depth),
		drain: make(chan struct{}),
	}
	go q.run()
	return q
}

// Name returns the queue's label.
func (q *Queue) Name() string { return q.name }

func (q *Queue) run() {
	defer close(q.drain)
	for t := range q.tasks {
		t.done <- t.fn(context.Background())
	}
}

// enqueue sends t to the worker goroutine, returning ErrClosed if the
// queue has already been closed. Holding mu for read excludes Close
// (which takes the write lock) for the duration of the channel send, so
// a send can never race a channel close.
func (q *Queue) enqueue(ctx context.Context, t task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues fn and blocks until it has run (or ctx is cancelled
// first — cancellation does not stop fn once it has started executing,
// since the invoker contract is strictly sequential and never abandons a
// task mid-flight).
func (q *Queue) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	t := task{fn: fn, done: make(chan error, 1)}
	if err := q.enqueue(ctx, t); err != nil {
		return err
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post enqueues fn without waiting for it to run ("fire and forget",
// e.g. scheduled file deletion after unregistration, §4.2).
func (q *Queue) Post(fn func(ctx context.Context) error) error {
	t := task{fn: fn, done: make(chan error, 1)}
	return q.enqueue(context.Background(), t)
}

// Close stops accepting new tasks and waits for whatever was already
// enqueued to finish draining.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	<-q.drain
	return nil
}
