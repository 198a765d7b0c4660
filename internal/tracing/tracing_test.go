package tracing

import (
	"context"
	"testing"

	"github.com/BerylCAtieno/upload-insights-api/internal/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestSanitizeEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"collector:4317", "collector:4317"},
		{"http://collector:4317", "collector:4317"},
		{"https://collector:4317/v1/traces", "collector:4317"},
		{" localhost:4317/ ", "localhost:4317"},
	}
	for _, tt := range tests {
		if got := sanitizeEndpoint(tt.in); got != tt.want {
			t.Errorf("sanitizeEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: false}, utils.Discard())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestTraceContextRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "enqueue")
	defer span.End()

	parent, state := TraceContextStrings(ctx)
	if parent == "" {
		t.Fatal("expected a traceparent for a recording span")
	}

	restored := ContextWithRemoteParent(context.Background(), parent, state)
	sc := trace.SpanContextFromContext(restored)
	if !sc.IsRemote() || sc.TraceID() != span.SpanContext().TraceID() {
		t.Fatalf("trace id not restored: %v", sc.TraceID())
	}
}

func TestContextWithRemoteParentIgnoresEmpty(t *testing.T) {
	ctx := context.Background()
	if got := ContextWithRemoteParent(ctx, " ", ""); got != ctx {
		t.Fatal("empty traceparent should return the input context")
	}
}
