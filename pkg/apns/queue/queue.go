// Package queue provides the unbounded FIFO used for outbound, retry and event
// traffic. Producers never block; a consumer blocks in Take until an item is
// available, its context is done, or it is interrupted.
package queue

import (
	"context"
	"sync"

	apnserrors "github.com/kart-io/apnshub/pkg/errors"
)

// ErrInterrupted is returned by Take when the interrupt channel fires first.
var ErrInterrupted = apnserrors.New(apnserrors.ErrQueueTimeout, "take interrupted")

// Queue is an unbounded, concurrency-safe FIFO.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	// ready holds a token while the queue may be non-empty.
	ready chan struct{}
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Put appends item.
func (q *Queue[T]) Put(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
}

// PutAll appends items in order.
func (q *Queue[T]) PutAll(items []T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()
	q.signal()
}

// Poll removes and returns the head without blocking.
func (q *Queue[T]) Poll() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// release the backing array once drained
		q.items = nil
	} else {
		q.signal()
	}
	return item, true
}

// Take removes and returns the head, blocking while the queue is empty.
// It returns ctx.Err() when ctx is done and ErrInterrupted when interrupt
// delivers a value or is closed. A nil interrupt channel never fires.
func (q *Queue[T]) Take(ctx context.Context, interrupt <-chan struct{}) (T, error) {
	for {
		if item, ok := q.Poll(); ok {
			return item, nil
		}
		select {
		case <-q.ready:
		case <-interrupt:
			var zero T
			return zero, ErrInterrupted
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether the queue holds no items.
func (q *Queue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Snapshot returns a copy of the queued items, head first.
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]T(nil), q.items...)
}

// Drain removes and returns every queued item.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
