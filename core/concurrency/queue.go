// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Blocking FIFO queue for cross-goroutine handoff.

package concurrency

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-rpc/api"
)

// Queue is a mutex-guarded FIFO with blocking pop and optional capacity.
// Storage is an eapache ring that grows on demand; capacity 0 means unbounded.
type Queue[T any] struct {
	mu       sync.Mutex
	items    *queue.Queue
	capacity int
	closed   bool

	// notEmpty is closed and replaced on every push; notFull on every pop.
	notEmpty chan struct{}
	notFull  chan struct{}
}

// NewQueue creates an unbounded queue.
func NewQueue[T any]() *Queue[T] {
	return NewBoundedQueue[T](0)
}

// NewBoundedQueue creates a queue holding at most capacity items.
// capacity <= 0 yields an unbounded queue.
func NewBoundedQueue[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		items:    queue.New(),
		capacity: capacity,
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}
}

// Push appends item, blocking while a bounded queue is full.
// Pushing onto a closed queue is dropped and reported by PushContext only.
func (q *Queue[T]) Push(item T) {
	_ = q.PushContext(context.Background(), item)
}

// PushContext appends item, waiting for room on a bounded queue until ctx is done.
func (q *Queue[T]) PushContext(ctx context.Context, item T) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return api.ErrClosed
		}
		if q.capacity == 0 || q.items.Length() < q.capacity {
			q.addLocked(item)
			q.mu.Unlock()
			return nil
		}
		wait := q.notFull
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryPush appends item without blocking; a full bounded queue yields ErrQueueFull.
func (q *Queue[T]) TryPush(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return api.ErrClosed
	}
	if q.capacity != 0 && q.items.Length() >= q.capacity {
		return api.ErrQueueFull
	}
	q.addLocked(item)
	return nil
}

func (q *Queue[T]) addLocked(item T) {
	q.items.Add(item)
	close(q.notEmpty)
	q.notEmpty = make(chan struct{})
}

func (q *Queue[T]) removeLocked() T {
	item, _ := q.items.Remove().(T)
	close(q.notFull)
	q.notFull = make(chan struct{})
	return item
}

// Pop removes the oldest item, blocking until one is available.
// On a closed, drained queue the zero value is returned.
func (q *Queue[T]) Pop() T {
	item, _ := q.PopContext(context.Background())
	return item
}

// PopContext removes the oldest item, blocking until one is available or ctx is done.
func (q *Queue[T]) PopContext(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if q.items.Length() > 0 {
			item := q.removeLocked()
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			var zero T
			return zero, api.ErrClosed
		}
		wait := q.notEmpty
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryPop removes the oldest item if there is one.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Length() == 0 {
		var zero T
		return zero, false
	}
	return q.removeLocked(), true
}

// WaitFor pops with a deadline; expiry yields ErrQueueTimedOut.
func (q *Queue[T]) WaitFor(timeout time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	item, err := q.PopContext(ctx)
	if err == context.DeadlineExceeded {
		return item, api.ErrQueueTimedOut
	}
	return item, err
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Cap returns the configured capacity, 0 for unbounded.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Close marks the queue closed and wakes all waiters. A non-empty queue is not
// closed and ErrQueueNotEmpty is returned.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Length() != 0 {
		return api.Errorf(api.ErrCodeQueueNotEmpty, "queue still holds %d items", q.items.Length())
	}
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.notEmpty)
	close(q.notFull)
	return nil
}

// Shutdown closes the queue regardless of content and returns what was left.
func (q *Queue[T]) Shutdown() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	rest := make([]T, 0, q.items.Length())
	for q.items.Length() > 0 {
		item, _ := q.items.Remove().(T)
		rest = append(rest, item)
	}
	if !q.closed {
		q.closed = true
		close(q.notEmpty)
		close(q.notFull)
	}
	return rest
}
