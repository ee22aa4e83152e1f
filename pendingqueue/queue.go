// Package pendingqueue is an in-memory bounded FIFO used as the pending
// queue of an ordering pool.
//
// The queue is the single synchronization point between concurrent
// submitters and the per-pool scheduler: Push appends under the queue lock,
// which defines the arrival order used by first-come-first-served pools,
// and DrainUpTo atomically removes a batch so no transaction can be drained
// twice or skipped.
package pendingqueue

import (
	"errors"
	"sync"
)

var (
	ErrQueueFull = errors.New("pending queue is full")
	ErrClosed    = errors.New("pending queue is closed")
)

const DefaultCapacity = 4096

// Queue is a bounded FIFO. The zero value is not usable, use New.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	closed   bool
	notify   chan struct{}
}

func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push appends an item and returns the new queue length. It fails with
// ErrQueueFull when the capacity is reached so submitters get backpressure
// instead of unbounded memory growth.
func (q *Queue[T]) Push(item T) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	if len(q.items) >= q.capacity {
		return len(q.items), ErrQueueFull
	}
	q.items = append(q.items, item)
	q.signalLocked()
	return len(q.items), nil
}

// PushFront returns items to the head of the queue in the given order. It
// is used by the scheduler to requeue a batch that could not be ordered,
// and ignores the capacity bound so a drained batch is never lost.
func (q *Queue[T]) PushFront(items []T) error {
	if len(items) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(append(make([]T, 0, len(items)+len(q.items)), items...), q.items...)
	q.signalLocked()
	return nil
}

// DrainUpTo atomically removes and returns up to n items in arrival order.
func (q *Queue[T]) DrainUpTo(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	drained := make([]T, n)
	copy(drained, q.items[:n])
	remaining := make([]T, len(q.items)-n)
	copy(remaining, q.items[n:])
	q.items = remaining
	return drained
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Notify returns a channel that receives a signal after items are added.
// The channel is buffered with a single slot, a receiver that missed
// intermediate signals still observes the latest state via Len.
func (q *Queue[T]) Notify() <-chan struct{} {
	return q.notify
}

// Close rejects all future pushes. Already queued items can still be
// drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *Queue[T]) signalLocked() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
