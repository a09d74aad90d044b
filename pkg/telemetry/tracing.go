package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/odvcencio/foreman"

// TracerProvider holds the OpenTelemetry tracer provider
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// NewTracerProvider creates a provider exporting spans as JSON to w. A nil
// writer means stdout.
func NewTracerProvider(serviceName, version string, w io.Writer) (*TracerProvider, error) {
	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if w != nil {
		opts = append(opts, stdouttrace.WithWriter(w))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider}, nil
}

// Shutdown flushes pending spans and stops the provider
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	return tp.provider.Shutdown(ctx)
}

// Tracer returns the foreman tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Span attribute keys
var (
	AttrPlanID   = attribute.Key("foreman.plan.id")
	AttrTraceID  = attribute.Key("foreman.trace.id")
	AttrStep     = attribute.Key("foreman.step.index")
	AttrTool     = attribute.Key("foreman.tool.name")
	AttrWorker   = attribute.Key("foreman.worker.id")
	AttrAttempt  = attribute.Key("foreman.attempt")
	AttrOutcome  = attribute.Key("foreman.outcome")
	AttrFailMode = attribute.Key("foreman.failure.mode")
)
