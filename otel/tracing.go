// Package otel provides OpenTelemetry tracing integration for sendberry.
//
// # Spans
//
// The following spans are created during normal operation:
//
//	sendberry.handshake   (one per transport, inbound or outbound)
//	sendberry.reconnect   (one per establishment attempt of a connection)
//	sendberry.transfer    (one per transfer, from start to completion or cancellation)
//
// # Attributes
//
//   - connection.id: The managed connection's identifier
//   - connection.direction: "inbound" or "outbound"
//   - reconnect.attempt: 1-based attempt number
//   - transfer.id: The transfer's identifier
//   - transfer.length: Total transfer length in bytes
//   - outcome: The outcome passed to Span.End
//
// # Example Usage
//
//	import (
//	    "github.com/blockberries/sendberry"
//	    sendberryotel "github.com/blockberries/sendberry/otel"
//	    "go.opentelemetry.io/otel"
//	)
//
//	func main() {
//	    tracer := sendberryotel.NewTracer(otel.GetTracerProvider())
//
//	    cfg := sendberry.NewConfig(router, sendberry.WithTracer(tracer))
//	    peer, err := sendberry.New(cfg)
//	    // ...
//	}
package otel

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/blockberries/sendberry"
)

const (
	// TracerName is the name used for the OpenTelemetry tracer.
	TracerName = "github.com/blockberries/sendberry"

	// Span names
	SpanHandshake = "sendberry.handshake"
	SpanReconnect = "sendberry.reconnect"
	SpanTransfer  = "sendberry.transfer"

	// Attribute keys
	AttrConnectionID        = "connection.id"
	AttrConnectionDirection = "connection.direction"
	AttrReconnectAttempt    = "reconnect.attempt"
	AttrTransferID          = "transfer.id"
	AttrTransferLength      = "transfer.length"
	AttrOutcome             = "outcome"
)

// Tracer implements sendberry.Tracer on top of an OpenTelemetry
// TracerProvider.
//
// Tracer is safe for concurrent use.
type Tracer struct {
	tracer trace.Tracer
}

var _ sendberry.Tracer = (*Tracer)(nil)

// NewTracer creates a new Tracer using the given TracerProvider.
// If provider is nil, a no-op tracer is used.
func NewTracer(provider trace.TracerProvider) *Tracer {
	if provider == nil {
		provider = noop.NewTracerProvider()
	}
	return &Tracer{tracer: provider.Tracer(TracerName)}
}

// StartTransfer starts a span covering one transfer.
func (t *Tracer) StartTransfer(ctx context.Context, transferID uuid.UUID, direction string, length int64) (context.Context, sendberry.Span) {
	kind := trace.SpanKindProducer
	if direction == sendberry.DirectionInbound {
		kind = trace.SpanKindConsumer
	}
	ctx, span := t.tracer.Start(ctx, SpanTransfer,
		trace.WithAttributes(
			attribute.String(AttrTransferID, transferID.String()),
			attribute.String(AttrConnectionDirection, direction),
			attribute.Int64(AttrTransferLength, length),
		),
		trace.WithSpanKind(kind),
	)
	return ctx, &Span{span: span}
}

// StartReconnect starts a span covering one establishment attempt.
func (t *Tracer) StartReconnect(ctx context.Context, connectionID uuid.UUID, attempt int) (context.Context, sendberry.Span) {
	ctx, span := t.tracer.Start(ctx, SpanReconnect,
		trace.WithAttributes(
			attribute.String(AttrConnectionID, connectionID.String()),
			attribute.Int(AttrReconnectAttempt, attempt),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	return ctx, &Span{span: span}
}

// StartHandshake starts a span covering a handshake exchange.
func (t *Tracer) StartHandshake(ctx context.Context, direction string) (context.Context, sendberry.Span) {
	kind := trace.SpanKindClient
	if direction == sendberry.DirectionInbound {
		kind = trace.SpanKindServer
	}
	ctx, span := t.tracer.Start(ctx, SpanHandshake,
		trace.WithAttributes(attribute.String(AttrConnectionDirection, direction)),
		trace.WithSpanKind(kind),
	)
	return ctx, &Span{span: span}
}

// Span adapts an OpenTelemetry span to sendberry.Span.
type Span struct {
	span trace.Span
}

// End records the outcome, marks the span failed if err is non-nil, and
// ends it.
func (s *Span) End(outcome string, err error) {
	if outcome != "" {
		s.span.SetAttributes(attribute.String(AttrOutcome, outcome))
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

// OTel returns the underlying OpenTelemetry span.
func (s *Span) OTel() trace.Span {
	return s.span
}
