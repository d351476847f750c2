// Package telemetry provides OpenTelemetry tracing setup.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Option customizes the tracer provider.
type Option func(*options)

type options struct {
	processors []sdktrace.SpanProcessor
	version    string
}

// WithSpanProcessor attaches a processor, e.g. a batcher around an exporter.
func WithSpanProcessor(p sdktrace.SpanProcessor) Option {
	return func(o *options) { o.processors = append(o.processors, p) }
}

// WithServiceVersion records the build version on the resource.
func WithServiceVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// InitTracerProvider initializes the global trace provider and propagator.
// Without processors spans are sampled but not exported, which still keeps
// trace context flowing into published events.
func InitTracerProvider(ctx context.Context, serviceName string, opts ...Option) (*sdktrace.TracerProvider, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(serviceName))}
	if o.version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(o.version)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	}
	for _, p := range o.processors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(p))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}
