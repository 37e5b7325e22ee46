package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "medlink"

// Config selects the exporter and the resource attributes of this process.
type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	// SampleRate applies to root spans; children follow their parent.
	SampleRate float64
	InstanceID string
	Role       string
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "medlink",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// TracerProvider owns the SDK provider; a disabled one is a no-op.
type TracerProvider struct {
	sdk *tracesdk.TracerProvider
}

// Init installs the global tracer provider and W3C propagation. With tracing
// disabled the otel no-op provider stays in place.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create jaeger exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		attribute.String("environment", cfg.Environment),
	}
	if cfg.InstanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceIDKey.String(cfg.InstanceID))
	}
	if cfg.Role != "" {
		attrs = append(attrs, RoleKey.String(cfg.Role))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{sdk: provider}, nil
}

// Shutdown flushes buffered spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.sdk == nil {
		return nil
	}
	return tp.sdk.Shutdown(ctx)
}

var (
	RoleKey       = attribute.Key("session.role")
	GenerationKey = attribute.Key("session.generation")
	EndpointKey   = attribute.Key("signaling.endpoint")
	SourceURLKey  = attribute.Key("playback.source_url")
	StatusCodeKey = attribute.Key("http.status_code")
	DurationKey   = attribute.Key("duration_ms")
)

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// MeasureDuration records the elapsed milliseconds since start on the span in ctx.
func MeasureDuration(ctx context.Context, start time.Time, operation string) {
	AddSpanAttributes(ctx,
		attribute.String("operation", operation),
		DurationKey.Int64(time.Since(start).Milliseconds()),
	)
}

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}

// TraceWebSocketMessage spans one command received on the status websocket.
func TraceWebSocketMessage(ctx context.Context, messageType string) (context.Context, trace.Span) {
	return StartSpan(ctx, "ws."+messageType,
		trace.WithAttributes(attribute.String("ws.message_type", messageType)),
	)
}

func TraceSignaling(ctx context.Context, endpoint string) (context.Context, trace.Span) {
	return StartSpan(ctx, "whip.exchange",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(EndpointKey.String(endpoint)),
	)
}

func TraceCapture(ctx context.Context, source string) (context.Context, trace.Span) {
	return StartSpan(ctx, "capture.acquire",
		trace.WithAttributes(attribute.String("capture.source", source)),
	)
}

// TracePublish spans one publish generation from capture to Connecting.
func TracePublish(ctx context.Context, operation string, generation uint64) (context.Context, trace.Span) {
	return StartSpan(ctx, "publish."+operation,
		trace.WithAttributes(GenerationKey.Int64(int64(generation))),
	)
}

func TracePlayback(ctx context.Context, operation, sourceURL string) (context.Context, trace.Span) {
	return StartSpan(ctx, "playback."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(SourceURLKey.String(sourceURL)),
	)
}
