package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/jordanhubbard/lessonloop"

var (
	// Global tracer for the application. It is a no-op until InitTelemetry runs.
	Tracer trace.Tracer = otel.Tracer(instrumentationName)

	// Global meter for custom metrics
	Meter metric.Meter = otel.Meter(instrumentationName)

	// Custom metrics
	CyclesStarted   metric.Int64Counter
	LessonsRecorded metric.Int64Counter
	PhaseLatency    metric.Float64Histogram
)

func init() {
	if err := initMetrics(); err != nil {
		log.Printf("[Telemetry] Warning: failed to create instruments: %v", err)
	}
}

// Options configures InitTelemetry.
type Options struct {
	ServiceName  string
	OTLPEndpoint string
	// Exporter overrides the OTLP exporter, mainly for tests.
	Exporter sdktrace.SpanExporter
}

// InitTelemetry initializes OpenTelemetry tracing. With neither an endpoint
// nor an exporter, spans are recorded but not exported.
func InitTelemetry(ctx context.Context, opts Options) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}

	exporter := opts.Exporter
	if exporter == nil && opts.OTLPEndpoint != "" {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(opts.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
	}
	if exporter != nil {
		// Each invocation is short lived; a syncer avoids losing the tail of the batch.
		providerOpts = append(providerOpts, sdktrace.WithSyncer(exporter))
	}

	traceProvider := sdktrace.NewTracerProvider(providerOpts...)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	Tracer = otel.Tracer(opts.ServiceName)
	Meter = otel.Meter(opts.ServiceName)
	if err := initMetrics(); err != nil {
		return nil, err
	}

	if opts.OTLPEndpoint != "" {
		log.Printf("[Telemetry] Initialized with endpoint %s", opts.OTLPEndpoint)
	}

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return traceProvider.Shutdown(shutdownCtx)
	}, nil
}

// initMetrics creates all custom metrics
func initMetrics() error {
	var err error

	CyclesStarted, err = Meter.Int64Counter(
		"lessonloop.cycles.started",
		metric.WithDescription("Number of pre-run phases started"),
	)
	if err != nil {
		return err
	}

	LessonsRecorded, err = Meter.Int64Counter(
		"lessonloop.lessons.recorded",
		metric.WithDescription("Number of lessons appended by post-run"),
	)
	if err != nil {
		return err
	}

	PhaseLatency, err = Meter.Float64Histogram(
		"lessonloop.phase.latency",
		metric.WithDescription("Orchestrator phase latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	return nil
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
