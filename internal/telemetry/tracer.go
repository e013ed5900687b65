// Package telemetry wires OpenTelemetry tracing and Prometheus metrics
// shared by both binaries, adapted from the pattern the hector example
// repo uses for its observability package.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerConfig configures tracing for one process.
type TracerConfig struct {
	Enabled      bool
	ServiceName  string
	SamplingRate float64
}

// InitTracer installs a global TracerProvider. When disabled it installs
// nothing and callers fall back to otel's no-op default. The stdout
// exporter is used in place of an OTLP collector, since this deployment
// has none configured — spans are logged, not shipped.
func InitTracer(ctx context.Context, cfg TracerConfig) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	rate := cfg.SamplingRate
	if rate <= 0 {
		rate = 0.1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(rate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// Tracer returns a named tracer off the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
