// Package observe carries the bridge's telemetry: OpenTelemetry metrics and
// traces, context-aware logging and the HTTP middleware of the health and
// metrics server.
//
// Metrics go through the OpenTelemetry API; [InitProvider] bridges them to a
// Prometheus registry scraped at /metrics. Production code shares
// [DefaultMetrics]. Tests build their own with [NewMetrics] and a manual
// reader.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/lingobridge"

// Metrics holds every instrument the bridge records. Instruments are safe for
// concurrent use. Most are labelled with the direction name.
type Metrics struct {
	// Turn latencies, in seconds.
	TranslationDuration metric.Float64Histogram
	FirstChunkLatency   metric.Float64Histogram
	FirstAudioLatency   metric.Float64Histogram

	Transcripts       metric.Int64Counter
	TranslationChunks metric.Int64Counter
	Reconnects        metric.Int64Counter
	PlaybackDrops     metric.Int64Counter

	// GatedFrames is labelled with state "speech" or "silence".
	GatedFrames metric.Int64Counter

	// StageErrors is labelled with direction, stage and error kind.
	StageErrors metric.Int64Counter

	// BreakerTransitions is labelled with the backend and the new state.
	BreakerTransitions metric.Int64Counter

	ActiveDirections metric.Int64UpDownCounter

	// HTTPRequestDuration is labelled with route pattern and status code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets spans a fast first token up to a slow full turn.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type builder struct {
	m    metric.Meter
	errs []error
}

func (b *builder) histogram(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.m.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.m.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.m.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

// NewMetrics creates every instrument from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &builder{m: mp.Meter(meterName)}
	m := &Metrics{
		TranslationDuration: b.histogram("lingobridge.translation.duration", "Duration of a translation turn.", latencyBuckets...),
		FirstChunkLatency:   b.histogram("lingobridge.translation.first_chunk", "Time from transcript to first translation chunk.", latencyBuckets...),
		FirstAudioLatency:   b.histogram("lingobridge.synthesis.first_audio", "Time from first chunk sent to first audio received.", latencyBuckets...),

		Transcripts:        b.counter("lingobridge.transcripts", "Final transcripts handed to the translator."),
		TranslationChunks:  b.counter("lingobridge.translation.chunks", "Translation chunks sent to synthesis."),
		Reconnects:         b.counter("lingobridge.synthesis.reconnects", "Synthesis reconnect attempts."),
		PlaybackDrops:      b.counter("lingobridge.playback.drops", "Audio chunks dropped after a failed device write."),
		GatedFrames:        b.counter("lingobridge.capture.frames", "Captured frames by gate state."),
		StageErrors:        b.counter("lingobridge.stage.errors", "Pipeline errors by direction, stage and kind."),
		BreakerTransitions: b.counter("lingobridge.breaker.transitions", "Circuit breaker state changes by backend."),

		ActiveDirections: b.gauge("lingobridge.active_directions", "Directions currently running."),

		HTTPRequestDuration: b.histogram("lingobridge.http.request.duration", "HTTP request latency by route and status."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instance built from the global
// meter provider on first use. Call it after [InitProvider].
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func direction(dir string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("direction", dir))
}

func (m *Metrics) RecordTranscript(ctx context.Context, dir string) {
	m.Transcripts.Add(ctx, 1, direction(dir))
}

func (m *Metrics) RecordChunk(ctx context.Context, dir string) {
	m.TranslationChunks.Add(ctx, 1, direction(dir))
}

func (m *Metrics) RecordReconnect(ctx context.Context, dir string) {
	m.Reconnects.Add(ctx, 1, direction(dir))
}

func (m *Metrics) RecordPlaybackDrop(ctx context.Context, dir string) {
	m.PlaybackDrops.Add(ctx, 1, direction(dir))
}

// RecordTurn records the total duration of a completed translation turn.
func (m *Metrics) RecordTurn(ctx context.Context, dir string, d time.Duration) {
	m.TranslationDuration.Record(ctx, d.Seconds(), direction(dir))
}

func (m *Metrics) RecordFirstChunk(ctx context.Context, dir string, d time.Duration) {
	m.FirstChunkLatency.Record(ctx, d.Seconds(), direction(dir))
}

func (m *Metrics) RecordFirstAudio(ctx context.Context, dir string, d time.Duration) {
	m.FirstAudioLatency.Record(ctx, d.Seconds(), direction(dir))
}

// RecordGatedFrame counts one captured frame under its gate state.
func (m *Metrics) RecordGatedFrame(ctx context.Context, dir string, speech bool) {
	state := "silence"
	if speech {
		state = "speech"
	}
	m.GatedFrames.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", dir),
		attribute.String("state", state),
	))
}

func (m *Metrics) RecordStageError(ctx context.Context, dir, stage, kind string) {
	m.StageErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", dir),
		attribute.String("stage", stage),
		attribute.String("kind", kind),
	))
}

// RecordBreakerTransition counts a circuit breaker of backend entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("state", state),
	))
}

// DirectionRunning marks dir as running and returns the func that unmarks it.
func (m *Metrics) DirectionRunning(ctx context.Context, dir string) (done func()) {
	m.ActiveDirections.Add(ctx, 1, direction(dir))
	return func() { m.ActiveDirections.Add(context.WithoutCancel(ctx), -1, direction(dir)) }
}
