package sendberry

import "github.com/blockberries/sendberry/internal/telemetry"

// Metrics defines the metrics collection interface for sendberry. See the
// prometheus package for a Prometheus implementation.
//
// Implementations must be safe for concurrent use.
type Metrics = telemetry.Metrics

// NopMetrics is a no-op metrics implementation that discards all metrics.
// It is the default when no metrics collector is configured.
type NopMetrics = telemetry.NopMetrics

// Tracer creates spans for transfers, reconnects and handshakes. See the
// otel package for an OpenTelemetry implementation.
type Tracer = telemetry.Tracer

// Span is a unit of traced work created by a Tracer.
type Span = telemetry.Span

// NopTracer creates spans that record nothing.
type NopTracer = telemetry.NopTracer

// Label values passed to Metrics and Span implementations.
const (
	DirectionInbound  = telemetry.DirectionInbound
	DirectionOutbound = telemetry.DirectionOutbound

	OutcomeCompleted = telemetry.OutcomeCompleted
	OutcomeCancelled = telemetry.OutcomeCancelled

	ResultSuccess = telemetry.ResultSuccess
	ResultFailure = telemetry.ResultFailure
	ResultTimeout = telemetry.ResultTimeout

	ReasonExpected   = telemetry.ReasonExpected
	ReasonUnexpected = telemetry.ReasonUnexpected
)
