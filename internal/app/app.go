// Package app wires the configured providers into a running bridge.
//
// New builds one [pipeline.Supervisor] per configured direction, Run drives
// them through a [bridge.Runner] until the context is cancelled or every
// direction has stopped, and Shutdown releases the resources handed to the
// App (journal writer, database pool) in reverse registration order.
//
// Tests inject mocks through [Providers] and the functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/lingobridge/internal/bridge"
	"github.com/MrWong99/lingobridge/internal/config"
	"github.com/MrWong99/lingobridge/internal/health"
	"github.com/MrWong99/lingobridge/internal/journal"
	"github.com/MrWong99/lingobridge/internal/observe"
	"github.com/MrWong99/lingobridge/internal/pipeline"
	"github.com/MrWong99/lingobridge/pkg/audio"
	"github.com/MrWong99/lingobridge/pkg/provider/llm"
	"github.com/MrWong99/lingobridge/pkg/provider/s2s"
	"github.com/MrWong99/lingobridge/pkg/provider/stt"
	"github.com/MrWong99/lingobridge/pkg/provider/tts"
	"github.com/MrWong99/lingobridge/pkg/provider/vad"
)

// Providers holds one value per provider slot, usually built by main from
// the config registry. VAD and Audio are always required; LLM, STT and TTS
// only when a direction cascades, S2S only when one runs in s2s mode.
type Providers struct {
	LLM   llm.Provider
	STT   stt.Provider
	TTS   tts.Provider
	VAD   vad.Engine
	Audio audio.Platform
	S2S   s2s.Provider
}

// App owns the supervisors of one bridge.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics  *observe.Metrics
	journal  journal.Recorder
	checkers []health.Checker

	supervisors []*pipeline.Supervisor
	runner      *bridge.Runner

	// closers run in reverse order during Shutdown.
	closers  []func(context.Context) error
	stopOnce sync.Once
}

// Option configures an App.
type Option func(*App)

// WithJournal records every translation turn to rec.
func WithJournal(rec journal.Recorder) Option {
	return func(a *App) { a.journal = rec }
}

// WithMetrics overrides the metric instruments, e.g. with ones backed by a
// manual reader in tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithChecker adds a readiness checker next to the per-direction ones.
func WithChecker(c health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c) }
}

// WithCloser registers fn to run during Shutdown.
func WithCloser(fn func(context.Context) error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New builds a supervisor for every direction in cfg. cfg must already be
// validated, as returned by [config.Load].
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if providers == nil {
		return nil, errors.New("app: nil providers")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}

	deps := pipeline.Deps{
		Capture: providers.Audio,
		STT:     providers.STT,
		LLM:     providers.LLM,
		TTS:     providers.TTS,
		VAD:     providers.VAD,
		S2S:     providers.S2S,
		Metrics: a.metrics,
		Journal: a.journal,
	}

	var dirs []bridge.Direction
	for _, pc := range cfg.PipelineConfigs() {
		sup, err := pipeline.NewSupervisor(pc, deps)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.supervisors = append(a.supervisors, sup)
		dirs = append(dirs, sup)
	}
	if len(dirs) == 0 {
		return nil, errors.New("app: no directions configured")
	}
	a.runner = bridge.New(dirs...)
	return a, nil
}

// Supervisors returns the direction supervisors in configuration order.
func (a *App) Supervisors() []*pipeline.Supervisor {
	return a.supervisors
}

// Checkers returns one readiness checker per direction followed by the
// checkers passed via [WithChecker].
func (a *App) Checkers() []health.Checker {
	out := make([]health.Checker, 0, len(a.supervisors)+len(a.checkers))
	for _, sup := range a.supervisors {
		out = append(out, health.DirectionChecker(sup))
	}
	return append(out, a.checkers...)
}

// Run blocks until every direction has stopped. It returns nil after a clean
// cancellation and the joined fatal errors of the failed directions
// otherwise.
func (a *App) Run(ctx context.Context) error {
	slog.Info("bridge running", "directions", a.runner.Directions())
	return a.runner.Run(ctx)
}

// Shutdown runs the registered closers in reverse order. Closers not yet
// started when ctx expires are skipped and ctx's error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				errs = append(errs, err)
				return
			}
			if err := a.closers[i](ctx); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
				errs = append(errs, err)
			}
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
