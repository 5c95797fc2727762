package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures [InitProvider].
type ProviderConfig struct {
	// ServiceName defaults to "lingobridge".
	ServiceName    string
	ServiceVersion string

	// MetricReader replaces the Prometheus exporter, e.g. with a
	// [sdkmetric.ManualReader] in tests.
	MetricReader sdkmetric.Reader

	// TraceExporter receives finished spans. Without one, spans are sampled
	// for log correlation but never exported.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider installs global meter and tracer providers. By default the
// meter provider feeds the Prometheus exporter, which registers with the
// default Prometheus registry served by promhttp.Handler.
//
// The returned function flushes and shuts down both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "lingobridge"
	}
	// The service attributes carry no schema URL so that the merge never
	// conflicts with the SDK's default resource, whose semconv version moves
	// with every SDK release.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, err
	}

	reader := cfg.MetricReader
	if reader == nil {
		exp, err := promexporter.New()
		if err != nil {
			return nil, err
		}
		reader = exp
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
