package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrBufferFull is returned by [Async.RecordTurn] when the pending buffer is
// full and the turn was dropped.
var ErrBufferFull = errors.New("journal: buffer full")

// ErrClosed is returned by [Async.RecordTurn] after Close.
var ErrClosed = errors.New("journal: closed")

const defaultBuffer = 64

// Async decouples callers from a slow [Recorder]. RecordTurn never blocks:
// turns are queued and written by a single background goroutine in order.
type Async struct {
	next Recorder
	ch   chan Turn

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

var _ Recorder = (*Async)(nil)

// NewAsync starts the background writer. buffer <= 0 selects a default of 64.
func NewAsync(next Recorder, buffer int) *Async {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	a := &Async{
		next: next,
		ch:   make(chan Turn, buffer),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

// RecordTurn queues turn for writing. It returns [ErrBufferFull] when the
// queue is full.
func (a *Async) RecordTurn(_ context.Context, turn Turn) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.ch <- turn:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops accepting turns and waits until queued turns are written or
// ctx expires.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for turn := range a.ch {
		if err := a.next.RecordTurn(context.Background(), turn); err != nil {
			slog.Warn("journal: failed to record turn",
				"direction", turn.Direction,
				"context_id", turn.ContextID,
				"error", err,
			)
		}
	}
}
