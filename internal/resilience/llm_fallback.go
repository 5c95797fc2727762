package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/lingobridge/pkg/provider/llm"
)

// ErrAllFailed is returned when no backend could open a stream.
var ErrAllFailed = errors.New("all llm backends failed")

type backend struct {
	name     string
	provider llm.Provider
	breaker  *Breaker
}

// LLMFallback implements [llm.Provider] over a primary backend and ordered
// fallbacks, each behind its own [Breaker].
//
// Only opening the stream fails over. Once a backend has returned a channel,
// errors inside the stream are the translator's to handle, since replaying a
// half-spoken translation on another backend would repeat audio.
type LLMFallback struct {
	cfg      BreakerConfig
	backends []backend
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] preferring primary. cfg is the
// template for every backend's breaker; its Name is replaced per backend.
func NewLLMFallback(name string, primary llm.Provider, cfg BreakerConfig) *LLMFallback {
	f := &LLMFallback{cfg: cfg}
	f.AddFallback(name, primary)
	return f
}

// AddFallback appends a backend tried after those already registered. It must
// not be called concurrently with StreamCompletion.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	cfg := f.cfg
	cfg.Name = name
	f.backends = append(f.backends, backend{name: name, provider: p, breaker: NewBreaker(cfg)})
}

// Backends returns the backend names in failover order.
func (f *LLMFallback) Backends() []string {
	names := make([]string, len(f.backends))
	for i, b := range f.backends {
		names[i] = b.name
	}
	return names
}

// StreamCompletion opens a stream on the first backend that accepts it.
// Backends with an open breaker are skipped. A cancelled ctx stops the
// failover immediately and returns ctx's error. When every backend fails, the
// result wraps both [ErrAllFailed] and the last backend error.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	var lastErr error
	for _, b := range f.backends {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var ch <-chan llm.Chunk
		err := b.breaker.Execute(ctx, func() error {
			var err error
			ch, err = b.provider.StreamCompletion(ctx, req)
			return err
		})
		if err == nil {
			return ch, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping llm backend", "backend", b.name, "reason", "circuit open")
			continue
		}
		slog.Warn("llm backend failed, trying next", "backend", b.name, "error", err)
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
