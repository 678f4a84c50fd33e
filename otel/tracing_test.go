package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/blockberries/sendberry"
)

func newTestTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewTracer(tp), exporter
}

func attr(span tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestNewTracer_NilProvider(t *testing.T) {
	tracer := NewTracer(nil)
	if tracer == nil || tracer.tracer == nil {
		t.Fatal("NewTracer(nil) returned an unusable tracer")
	}

	// Spans from the noop provider must still be safe to end.
	_, span := tracer.StartHandshake(context.Background(), sendberry.DirectionOutbound)
	span.End(sendberry.ResultSuccess, nil)
}

func TestTracer_StartTransfer(t *testing.T) {
	tracer, exporter := newTestTracer(t)
	id := uuid.New()

	ctx, span := tracer.StartTransfer(context.Background(), id, sendberry.DirectionOutbound, 1024)
	if !trace.SpanContextFromContext(ctx).IsValid() {
		t.Error("returned context does not carry the span")
	}
	span.End(sendberry.OutcomeCompleted, nil)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name != SpanTransfer {
		t.Errorf("span name = %q, want %q", got.Name, SpanTransfer)
	}
	if got.SpanKind != trace.SpanKindProducer {
		t.Errorf("span kind = %v, want producer", got.SpanKind)
	}
	if v, ok := attr(got, AttrTransferID); !ok || v.AsString() != id.String() {
		t.Errorf("transfer.id = %v, want %s", v.AsString(), id)
	}
	if v, ok := attr(got, AttrTransferLength); !ok || v.AsInt64() != 1024 {
		t.Errorf("transfer.length = %v, want 1024", v.AsInt64())
	}
	if v, ok := attr(got, AttrOutcome); !ok || v.AsString() != sendberry.OutcomeCompleted {
		t.Errorf("outcome = %v, want %s", v.AsString(), sendberry.OutcomeCompleted)
	}
	if got.Status.Code != codes.Ok {
		t.Errorf("status code = %v, want Ok", got.Status.Code)
	}
}

func TestTracer_InboundTransferIsConsumer(t *testing.T) {
	tracer, exporter := newTestTracer(t)

	_, span := tracer.StartTransfer(context.Background(), uuid.New(), sendberry.DirectionInbound, 10)
	span.End(sendberry.OutcomeCancelled, nil)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].SpanKind != trace.SpanKindConsumer {
		t.Errorf("span kind = %v, want consumer", spans[0].SpanKind)
	}
}

func TestTracer_StartReconnect(t *testing.T) {
	tracer, exporter := newTestTracer(t)
	connID := uuid.New()

	_, span := tracer.StartReconnect(context.Background(), connID, 3)
	span.End(sendberry.ResultFailure, errors.New("no route"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name != SpanReconnect {
		t.Errorf("span name = %q, want %q", got.Name, SpanReconnect)
	}
	if v, ok := attr(got, AttrConnectionID); !ok || v.AsString() != connID.String() {
		t.Errorf("connection.id = %v, want %s", v.AsString(), connID)
	}
	if v, ok := attr(got, AttrReconnectAttempt); !ok || v.AsInt64() != 3 {
		t.Errorf("reconnect.attempt = %v, want 3", v.AsInt64())
	}
	if got.Status.Code != codes.Error {
		t.Errorf("status code = %v, want Error", got.Status.Code)
	}
	if len(got.Events) == 0 {
		t.Error("expected the error to be recorded as a span event")
	}
}

func TestTracer_StartHandshake(t *testing.T) {
	tracer, exporter := newTestTracer(t)

	_, in := tracer.StartHandshake(context.Background(), sendberry.DirectionInbound)
	in.End(sendberry.ResultTimeout, context.DeadlineExceeded)
	_, out := tracer.StartHandshake(context.Background(), sendberry.DirectionOutbound)
	out.End(sendberry.ResultSuccess, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].SpanKind != trace.SpanKindServer {
		t.Errorf("inbound span kind = %v, want server", spans[0].SpanKind)
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("inbound status = %v, want Error", spans[0].Status.Code)
	}
	if spans[1].SpanKind != trace.SpanKindClient {
		t.Errorf("outbound span kind = %v, want client", spans[1].SpanKind)
	}
	if v, _ := attr(spans[1], AttrOutcome); v.AsString() != sendberry.ResultSuccess {
		t.Errorf("outcome = %q, want %q", v.AsString(), sendberry.ResultSuccess)
	}
}

func TestSpan_NestsUnderParent(t *testing.T) {
	tracer, exporter := newTestTracer(t)

	ctx, parent := tracer.StartReconnect(context.Background(), uuid.New(), 1)
	_, child := tracer.StartHandshake(ctx, sendberry.DirectionOutbound)
	child.End(sendberry.ResultSuccess, nil)
	parent.End(sendberry.ResultSuccess, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("handshake span is not a child of the reconnect span")
	}
}
