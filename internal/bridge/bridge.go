// Package bridge runs the translation directions of one bridge side by side.
//
// Each direction is an independent [Direction] (in practice a
// *pipeline.Supervisor). A fatal failure in one direction never cancels the
// other: [Runner.Run] waits for every direction to stop and reports all fatal
// errors together.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Direction is one independently supervised translation direction.
type Direction interface {
	Name() string
	Run(ctx context.Context) error
}

// Runner owns the directions of a bridge.
type Runner struct {
	directions []Direction
}

// New creates a Runner for the given directions. A single direction gives a
// one-way bridge.
func New(directions ...Direction) *Runner {
	d := make([]Direction, len(directions))
	copy(d, directions)
	return &Runner{directions: d}
}

// Directions returns the names of the directions in start order.
func (r *Runner) Directions() []string {
	names := make([]string, len(r.directions))
	for i, d := range r.directions {
		names[i] = d.Name()
	}
	return names
}

// Run starts every direction and blocks until all of them have returned.
// Cancelling ctx stops all directions. The result joins the fatal errors of
// the directions that failed, in start order, and is nil when every direction
// stopped cleanly.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.directions) == 0 {
		return errors.New("bridge: no directions")
	}

	errs := make([]error, len(r.directions))
	var wg sync.WaitGroup
	for i, d := range r.directions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("direction starting", "direction", d.Name())
			if err := d.Run(ctx); err != nil {
				slog.Error("direction failed", "direction", d.Name(), "error", err)
				errs[i] = err
				return
			}
			slog.Info("direction stopped", "direction", d.Name())
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}
