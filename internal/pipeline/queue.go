package pipeline

import "context"

// Queue is a bounded FIFO hand-off between two pipeline activities. Put
// blocks while the queue is full and Get blocks while it is empty; both give
// up when their context is cancelled.
type Queue[T any] struct {
	ch chan T
}

// NewQueue returns a queue holding up to capacity items. A capacity below 1
// is treated as 1.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Put appends v, blocking while the queue is full.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get removes and returns the oldest item, blocking while the queue is empty.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	select {
	case v := <-q.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }
