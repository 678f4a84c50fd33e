// Package telemetry defines the metrics and tracing hooks used inside
// sendberry. The public prometheus and otel packages implement them.
package telemetry

import (
	"context"

	"github.com/google/uuid"
)

// Label values shared by metrics and spans.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"

	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultTimeout = "timeout"

	ReasonExpected   = "expected"
	ReasonUnexpected = "unexpected"
)

// Metrics defines the metrics collection interface for sendberry.
//
// Implementations must be safe for concurrent use.
//
// Metric naming convention:
//   - Counters: <name>_total (e.g., transfers_started_total)
//   - Gauges: current_<name> (e.g., current_connections)
type Metrics interface {
	// ConnectionOpened increments when a managed connection becomes connected.
	// Labels: direction (inbound, outbound)
	ConnectionOpened(direction string)

	// ConnectionClosed increments when a managed connection ends for good.
	// Labels: direction (inbound, outbound), reason (expected, unexpected)
	ConnectionClosed(direction, reason string)

	// HandshakeResult records the result of reading a connection handshake.
	// Labels: result (success, failure, timeout)
	HandshakeResult(result string)

	// ReconnectAttempt records the result of one reconnect attempt.
	// Labels: result (success, failure)
	ReconnectAttempt(result string)

	// TransferStarted increments when a transfer starts.
	// Labels: direction (inbound, outbound)
	TransferStarted(direction string)

	// TransferEnded increments when a transfer reaches a terminal state.
	// Labels: direction (inbound, outbound), outcome (completed, cancelled)
	TransferEnded(direction, outcome string)

	// BytesSent records transfer payload bytes handed to a transport.
	BytesSent(bytes int)

	// BytesReceived records transfer payload bytes accepted from a transport.
	BytesReceived(bytes int)

	// PacketDropped records a packet discarded by the transfer protocol.
	// Labels: reason
	PacketDropped(reason string)

	// EventEmitted records a peer event being emitted.
	// Labels: kind
	EventEmitted(kind string)

	// EventDropped records a peer event dropped due to a full buffer.
	EventDropped()
}

// NopMetrics discards all metrics.
type NopMetrics struct{}

var _ Metrics = NopMetrics{}

func (NopMetrics) ConnectionOpened(direction string)         {}
func (NopMetrics) ConnectionClosed(direction, reason string) {}
func (NopMetrics) HandshakeResult(result string)             {}
func (NopMetrics) ReconnectAttempt(result string)            {}
func (NopMetrics) TransferStarted(direction string)          {}
func (NopMetrics) TransferEnded(direction, outcome string)   {}
func (NopMetrics) BytesSent(bytes int)                       {}
func (NopMetrics) BytesReceived(bytes int)                   {}
func (NopMetrics) PacketDropped(reason string)               {}
func (NopMetrics) EventEmitted(kind string)                  {}
func (NopMetrics) EventDropped()                             {}

// Span is a unit of traced work.
type Span interface {
	// End finishes the span with an outcome label and an optional error.
	End(outcome string, err error)
}

// Tracer creates spans for transfers, reconnects, and handshakes.
//
// Implementations must be safe for concurrent use.
type Tracer interface {
	StartTransfer(ctx context.Context, transferID uuid.UUID, direction string, length int64) (context.Context, Span)
	StartReconnect(ctx context.Context, connectionID uuid.UUID, attempt int) (context.Context, Span)
	StartHandshake(ctx context.Context, direction string) (context.Context, Span)
}

// NopTracer creates spans that record nothing.
type NopTracer struct{}

var _ Tracer = NopTracer{}

type nopSpan struct{}

func (nopSpan) End(string, error) {}

func (NopTracer) StartTransfer(ctx context.Context, _ uuid.UUID, _ string, _ int64) (context.Context, Span) {
	return ctx, nopSpan{}
}

func (NopTracer) StartReconnect(ctx context.Context, _ uuid.UUID, _ int) (context.Context, Span) {
	return ctx, nopSpan{}
}

func (NopTracer) StartHandshake(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, nopSpan{}
}

// MetricsOrNop returns m, or NopMetrics when m is nil.
func MetricsOrNop(m Metrics) Metrics {
	if m == nil {
		return NopMetrics{}
	}
	return m
}

// TracerOrNop returns t, or NopTracer when t is nil.
func TracerOrNop(t Tracer) Tracer {
	if t == nil {
		return NopTracer{}
	}
	return t
}
