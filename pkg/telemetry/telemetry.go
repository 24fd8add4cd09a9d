// Functions for working with OpenTelemetry in pipelined.

package telemetry

import (
	"context"
	"runtime"
	"time"

	"github.com/nais/pipelined/pkg/version"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	otrace "go.opentelemetry.io/otel/trace"
)

const (
	batchTimeout = 5 * time.Second

	// Metadata key used for carrying trace context inside bus events.
	TraceParentKey = "traceparent"

	tracerName = "github.com/nais/pipelined"
)

// Initialize the OpenTelemetry library.
//
// You MUST call `Shutdown()` on the tracer provider before exiting,
// lest traces are not sent to the collector.
func New(ctx context.Context, serviceName string, collectorEndpointURL string) (*trace.TracerProvider, error) {
	otel.SetTextMapPropagator(newPropagator())

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.OSName(runtime.GOOS),
		semconv.ServiceVersion(version.Version()),
	)

	traceExporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(collectorEndpointURL))
	if err != nil {
		return nil, err
	}

	tracerProvider := trace.NewTracerProvider(
		trace.WithBatcher(traceExporter, trace.WithBatchTimeout(batchTimeout)),
		trace.WithResource(res),
	)

	otel.SetTracerProvider(tracerProvider)

	return tracerProvider, nil
}

// Tracer returns the global tracer. Spans are no-ops until New has been called.
func Tracer() otrace.Tracer {
	return otel.Tracer(tracerName)
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

// TraceParent serializes the span context found in ctx into a W3C traceparent value.
// Returns an empty string when ctx carries no valid span.
func TraceParent(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)
	return carrier[TraceParentKey]
}

// WithTraceParent returns a context carrying the remote span described by traceParent.
func WithTraceParent(ctx context.Context, traceParent string) context.Context {
	if len(traceParent) == 0 {
		return ctx
	}
	carrier := propagation.MapCarrier{TraceParentKey: traceParent}
	return propagation.TraceContext{}.Extract(ctx, carrier)
}
