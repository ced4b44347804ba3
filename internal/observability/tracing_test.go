package observability

import (
	"context"
	"errors"
	"testing"
)

func TestNewTracerNoEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "parley-test"})
	defer shutdown(context.Background())

	ctx, span := tracer.Start(context.Background(), "test_op")
	if span == nil {
		t.Fatal("Expected a span even with tracing disabled")
	}
	span.End()

	if id := GetTraceID(ctx); id != "" {
		t.Errorf("Expected empty trace ID for no-op tracer, got %q", id)
	}
}

func TestTraceEventAttributes(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "parley-test"})
	defer shutdown(context.Background())

	ctx, span := tracer.TraceEvent(context.Background(), "send_message", "room1", "u1")
	defer span.End()

	if ctx == nil {
		t.Fatal("Expected context from TraceEvent")
	}
	// No-op spans must still accept attributes and errors without panicking.
	tracer.SetAttributes(span, "delivered", 3, "excluded", "conn-1")
	tracer.RecordError(span, errors.New("boom"))
	tracer.RecordError(span, nil)
}
