// Package queue provides an unbounded, goroutine-safe FIFO queue with a
// bounded-wait pop.
package queue

import (
	"context"
	"sync"
	"time"
)

// Queue is a FIFO queue safe for concurrent producers and consumers.
// The zero value is not usable; call New.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

// Push appends item to the tail. It never blocks.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryPop removes the head item without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// Pop removes the head item, waiting at most wait for one to arrive.
// It returns false on timeout or when ctx is done.
func (q *Queue[T]) Pop(ctx context.Context, wait time.Duration) (T, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		if item, ok := q.TryPop(); ok {
			return item, true
		}

		select {
		case <-q.signal:
		case <-timer.C:
			return q.TryPop()
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
