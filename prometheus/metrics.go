// Package prometheus provides a Prometheus implementation of the
// sendberry.Metrics interface.
//
// # Metric Names
//
// All metrics use the configured namespace prefix (default: "sendberry").
//
// # Counters
//
//	sendberry_connections_opened_total{direction="inbound|outbound"}
//	sendberry_connections_closed_total{direction="inbound|outbound",reason="expected|unexpected"}
//	sendberry_handshake_results_total{result="success|failure|timeout"}
//	sendberry_reconnect_attempts_total{result="success|failure"}
//	sendberry_transfers_started_total{direction="inbound|outbound"}
//	sendberry_transfers_ended_total{direction="inbound|outbound",outcome="completed|cancelled"}
//	sendberry_bytes_sent_total
//	sendberry_bytes_received_total
//	sendberry_packets_dropped_total{reason="<reason>"}
//	sendberry_events_emitted_total{kind="<kind>"}
//	sendberry_events_dropped_total
//
// # Gauges
//
//	sendberry_active_transfers{direction="inbound|outbound"}
//
// # Example Usage
//
//	metrics := prommetrics.NewMetrics("myapp")
//	cfg := sendberry.NewConfig(router, sendberry.WithMetrics(metrics))
//
//	http.Handle("/metrics", promhttp.Handler())
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/blockberries/sendberry"
)

// DefaultNamespace is the default namespace for all metrics.
const DefaultNamespace = "sendberry"

// Metrics implements the sendberry.Metrics interface using Prometheus
// metrics.
//
// Metrics is safe for concurrent use.
type Metrics struct {
	// Connection metrics
	connectionsOpened *prometheus.CounterVec
	connectionsClosed *prometheus.CounterVec
	handshakeResults  *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec

	// Transfer metrics
	transfersStarted *prometheus.CounterVec
	transfersEnded   *prometheus.CounterVec
	activeTransfers  *prometheus.GaugeVec
	bytesSent        prometheus.Counter
	bytesReceived    prometheus.Counter
	packetsDropped   *prometheus.CounterVec

	// Event metrics
	eventsEmitted *prometheus.CounterVec
	eventsDropped prometheus.Counter
}

// Ensure Metrics implements sendberry.Metrics.
var _ sendberry.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics collector registered with the
// default registry. Registering twice panics; use NewMetricsWithRegisterer
// with a custom registry to avoid that.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates a new Prometheus metrics collector with
// the given namespace and registerer.
//
// If namespace is empty, DefaultNamespace is used.
// If registerer is nil, metrics will not be registered automatically.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		connectionsOpened: counterVec("connections_opened_total",
			"Total number of managed connections that became connected", "direction"),
		connectionsClosed: counterVec("connections_closed_total",
			"Total number of managed connections that ended", "direction", "reason"),
		handshakeResults: counterVec("handshake_results_total",
			"Total number of connection handshakes by result", "result"),
		reconnectAttempts: counterVec("reconnect_attempts_total",
			"Total number of transport establishment attempts by result", "result"),
		transfersStarted: counterVec("transfers_started_total",
			"Total number of transfers started", "direction"),
		transfersEnded: counterVec("transfers_ended_total",
			"Total number of transfers ended by outcome", "direction", "outcome"),
		activeTransfers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_transfers",
			Help:      "Current number of transfers in progress",
		}, []string{"direction"}),
		bytesSent:      counter("bytes_sent_total", "Total transfer payload bytes sent"),
		bytesReceived:  counter("bytes_received_total", "Total transfer payload bytes received"),
		packetsDropped: counterVec("packets_dropped_total", "Total number of packets discarded", "reason"),
		eventsEmitted:  counterVec("events_emitted_total", "Total number of peer events emitted by kind", "kind"),
		eventsDropped:  counter("events_dropped_total", "Total number of peer events dropped due to buffer full"),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.connectionsOpened,
			m.connectionsClosed,
			m.handshakeResults,
			m.reconnectAttempts,
			m.transfersStarted,
			m.transfersEnded,
			m.activeTransfers,
			m.bytesSent,
			m.bytesReceived,
			m.packetsDropped,
			m.eventsEmitted,
			m.eventsDropped,
		)
	}

	return m
}

// ConnectionOpened implements sendberry.Metrics.
func (m *Metrics) ConnectionOpened(direction string) {
	m.connectionsOpened.WithLabelValues(direction).Inc()
}

// ConnectionClosed implements sendberry.Metrics.
func (m *Metrics) ConnectionClosed(direction, reason string) {
	m.connectionsClosed.WithLabelValues(direction, reason).Inc()
}

// HandshakeResult implements sendberry.Metrics.
func (m *Metrics) HandshakeResult(result string) {
	m.handshakeResults.WithLabelValues(result).Inc()
}

// ReconnectAttempt implements sendberry.Metrics.
func (m *Metrics) ReconnectAttempt(result string) {
	m.reconnectAttempts.WithLabelValues(result).Inc()
}

// TransferStarted implements sendberry.Metrics.
func (m *Metrics) TransferStarted(direction string) {
	m.transfersStarted.WithLabelValues(direction).Inc()
	m.activeTransfers.WithLabelValues(direction).Inc()
}

// TransferEnded implements sendberry.Metrics.
func (m *Metrics) TransferEnded(direction, outcome string) {
	m.transfersEnded.WithLabelValues(direction, outcome).Inc()
	m.activeTransfers.WithLabelValues(direction).Dec()
}

// BytesSent implements sendberry.Metrics.
func (m *Metrics) BytesSent(bytes int) {
	m.bytesSent.Add(float64(bytes))
}

// BytesReceived implements sendberry.Metrics.
func (m *Metrics) BytesReceived(bytes int) {
	m.bytesReceived.Add(float64(bytes))
}

// PacketDropped implements sendberry.Metrics.
func (m *Metrics) PacketDropped(reason string) {
	m.packetsDropped.WithLabelValues(reason).Inc()
}

// EventEmitted implements sendberry.Metrics.
func (m *Metrics) EventEmitted(kind string) {
	m.eventsEmitted.WithLabelValues(kind).Inc()
}

// EventDropped implements sendberry.Metrics.
func (m *Metrics) EventDropped() {
	m.eventsDropped.Inc()
}
