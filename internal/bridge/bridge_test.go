package bridge

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

// fakeDirection returns err after release is closed, or nil when ctx ends.
type fakeDirection struct {
	name    string
	err     error
	release chan struct{}
	stopped chan struct{}
}

func newFake(name string, err error) *fakeDirection {
	return &fakeDirection{name: name, err: err, release: make(chan struct{}), stopped: make(chan struct{})}
}

func (f *fakeDirection) Name() string { return f.name }

func (f *fakeDirection) Run(ctx context.Context) error {
	defer close(f.stopped)
	select {
	case <-f.release:
		return f.err
	case <-ctx.Done():
		return nil
	}
}

func runAsync(ctx context.Context, r *Runner) <-chan error {
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run")
		return nil
	}
}

func TestRunner_NoDirections(t *testing.T) {
	t.Parallel()
	if err := New().Run(t.Context()); err == nil {
		t.Error("expected error for empty bridge")
	}
}

func TestRunner_Directions(t *testing.T) {
	t.Parallel()
	r := New(newFake("en-es", nil), newFake("es-en", nil))
	if got := r.Directions(); !slices.Equal(got, []string{"en-es", "es-en"}) {
		t.Errorf("Directions() = %v", got)
	}
}

func TestRunner_CancelStopsAll(t *testing.T) {
	t.Parallel()
	a, b := newFake("en-es", nil), newFake("es-en", nil)
	ctx, cancel := context.WithCancel(t.Context())
	done := runAsync(ctx, New(a, b))

	cancel()
	if err := waitErr(t, done); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestRunner_FailureDoesNotStopOtherDirection(t *testing.T) {
	t.Parallel()
	boom := errors.New("pipeline en-es: capture: device unavailable")
	a, b := newFake("en-es", boom), newFake("es-en", nil)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := runAsync(ctx, New(a, b))

	close(a.release)
	<-a.stopped

	select {
	case <-b.stopped:
		t.Fatal("healthy direction stopped after the other failed")
	case <-done:
		t.Fatal("Run returned while a direction was still running")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	err := waitErr(t, done)
	if !errors.Is(err, boom) {
		t.Errorf("Run = %v, want it to wrap %v", err, boom)
	}
}

func TestRunner_JoinsAllFailures(t *testing.T) {
	t.Parallel()
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	a, b := newFake("en-es", errA), newFake("es-en", errB)
	close(a.release)
	close(b.release)

	err := New(a, b).Run(t.Context())
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("Run = %v, want both failures", err)
	}
}

func TestRunner_OneWay(t *testing.T) {
	t.Parallel()
	a := newFake("en-es", nil)
	close(a.release)
	if err := New(a).Run(t.Context()); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}
