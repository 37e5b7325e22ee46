package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("tracing should be disabled by default")
	}
	if cfg.ServiceName != "medlink" {
		t.Errorf("ServiceName = %q, want medlink", cfg.ServiceName)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("SampleRate = %v, want 1", cfg.SampleRate)
	}
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	var nilProvider *TracerProvider
	if err := nilProvider.Shutdown(context.Background()); err != nil {
		t.Errorf("nil Shutdown() error = %v", err)
	}
}

func TestHelpersOnNoopSpans(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test")
	defer span.End()

	if span.IsRecording() {
		t.Fatal("no provider is installed, span should not record")
	}
	AddSpanAttributes(ctx, attribute.String("k", "v"))
	RecordError(ctx, errors.New("boom"))
	MeasureDuration(ctx, time.Now().Add(-10*time.Millisecond), "test")
}

func TestDomainSpans(t *testing.T) {
	ctx := context.Background()

	starts := map[string]func() (context.Context, trace.Span){
		"http": func() (context.Context, trace.Span) {
			return TraceHTTPRequest(ctx, "GET", "/api/v1/session/status")
		},
		"ws": func() (context.Context, trace.Span) {
			return TraceWebSocketMessage(ctx, "refresh")
		},
		"whip": func() (context.Context, trace.Span) {
			return TraceSignaling(ctx, "http://relay:8889/doctorStream/whip")
		},
		"capture": func() (context.Context, trace.Span) {
			return TraceCapture(ctx, "rtp")
		},
		"publish": func() (context.Context, trace.Span) {
			return TracePublish(ctx, "start", 3)
		},
		"playback": func() (context.Context, trace.Span) {
			return TracePlayback(ctx, "manifest", "http://relay:8888/patientStream/index.m3u8")
		},
	}

	for name, start := range starts {
		spanCtx, span := start()
		if spanCtx == nil || span == nil {
			t.Errorf("%s: nil context or span", name)
			continue
		}
		span.End()
	}
}
