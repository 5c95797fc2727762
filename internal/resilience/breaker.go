// Package resilience guards translation backends with circuit breakers and
// fails over from the primary LLM backend to configured fallbacks.
//
// A [Breaker] is the classic three-state breaker: closed while calls
// succeed, open after MaxFailures consecutive failures, half-open once the
// reset timeout has elapsed. [LLMFallback] puts one breaker in front of every
// backend and tries them in order when a translation stream cannot be opened.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker rejects
// calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults noted.
type BreakerConfig struct {
	// Name labels log records, e.g. the backend name "groq".
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenProbes is the number of successful probes needed to close the
	// breaker again. Default: 1.
	HalfOpenProbes int

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker's lock released.
	OnStateChange func(name string, from, to State)

	now func() time.Time
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	successes int
}

// NewBreaker creates a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Name returns the configured label.
func (b *Breaker) Name() string { return b.cfg.Name }

// Execute runs fn unless the breaker is open. A failure of fn counts against
// the breaker only while ctx is still live, so a caller abandoning a turn
// never trips it.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()
	if err != nil && ctx.Err() != nil {
		b.release(probe)
		return err
	}
	b.record(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	var changed func()
	defer func() {
		b.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	switch b.state {
	case StateOpen:
		if b.cfg.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		changed = b.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.inFlight+b.successes >= b.cfg.HalfOpenProbes {
			return false, ErrCircuitOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.dropProbe()
	b.mu.Unlock()
}

// dropProbe must hold b.mu. Probes admitted before a re-trip may finish
// after the counter was cleared.
func (b *Breaker) dropProbe() {
	if b.inFlight > 0 {
		b.inFlight--
	}
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	var changed func()
	defer func() {
		b.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	if probe {
		b.dropProbe()
		if b.state != StateHalfOpen {
			return
		}
		if err != nil {
			changed = b.trip()
			return
		}
		b.successes++
		if b.successes >= b.cfg.HalfOpenProbes {
			changed = b.transition(StateClosed)
		}
		return
	}

	if err == nil {
		b.failures = 0
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.cfg.MaxFailures {
		changed = b.trip()
	}
}

// trip opens the breaker. Must hold b.mu.
func (b *Breaker) trip() func() {
	b.openedAt = b.cfg.now()
	return b.transition(StateOpen)
}

// transition switches state and resets the counters of the new state. Must
// hold b.mu. The returned func reports the change and must be called after
// unlocking.
func (b *Breaker) transition(to State) func() {
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	b.inFlight = 0

	name, hook := b.cfg.Name, b.cfg.OnStateChange
	return func() {
		slog.Info("circuit breaker state change", "backend", name, "from", from.String(), "to", to.String())
		if hook != nil {
			hook(name, from, to)
		}
	}
}

// State returns the current state. An open breaker whose timeout has elapsed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	if b.state == StateClosed {
		b.failures = 0
		b.mu.Unlock()
		return
	}
	changed := b.transition(StateClosed)
	b.mu.Unlock()
	changed()
}
