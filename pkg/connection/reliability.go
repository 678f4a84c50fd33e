package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/blockberries/sendberry/internal/serial"
	"github.com/blockberries/sendberry/internal/telemetry"
	"github.com/blockberries/sendberry/pkg/logging"
	"github.com/blockberries/sendberry/pkg/module"
	"github.com/blockberries/sendberry/pkg/packetconn"
)

// Default reliability settings.
const (
	DefaultReconnectBaseDelay   = 500 * time.Millisecond
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultReconnectMaxAttempts = 5
	DefaultAttemptTimeout       = 30 * time.Second
	DefaultAcceptorGracePeriod  = 60 * time.Second
)

// Establisher opens a transport for a managed connection and completes
// the handshake on it. It is called from its own goroutine.
type Establisher interface {
	EstablishUnderlyingConnection(ctx context.Context, connectionID uuid.UUID, destinations []uuid.UUID) (module.UnderlyingConnection, error)
}

// ReliabilityDelegate is notified about transport level changes. All calls
// happen on the executor.
type ReliabilityDelegate interface {
	// ConnectionConnected is called whenever a transport was attached. It
	// may be called repeatedly for one connection.
	ConnectionConnected()

	// ConnectionClosedExpectedly is called after a local or remote close.
	ConnectionClosedExpectedly()

	// ConnectionClosedUnexpectedly is called when the transport could not
	// be kept alive.
	ConnectionClosedUnexpectedly(err *Error)

	// TransportInterrupted is called when the transport was lost and
	// recovery begins.
	TransportInterrupted()

	// TransportReplaced is called after a new transport was swapped in.
	TransportReplaced()
}

// ReliabilityOptions configures a ReliabilityManager.
type ReliabilityOptions struct {
	// IsEstablisher marks the side that initiated the connection. Only the
	// establisher reconnects automatically.
	IsEstablisher bool

	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	AttemptTimeout time.Duration
	GracePeriod    time.Duration

	Clock   clock.Clock
	Logger  logging.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

func (o *ReliabilityOptions) applyDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultReconnectBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultReconnectMaxDelay
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultReconnectMaxAttempts
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultAcceptorGracePeriod
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	o.Logger = logging.OrNop(o.Logger)
	o.Metrics = telemetry.MetricsOrNop(o.Metrics)
	o.Tracer = telemetry.TracerOrNop(o.Tracer)
}

// ReliabilityManager owns the transport of a packet connection: initial
// establishment, automatic reconnects, route upgrades, and graceful or
// abrupt closing.
type ReliabilityManager struct {
	conn        *packetconn.Conn
	exec        serial.Executor
	establisher Establisher
	delegate    ReliabilityDelegate
	opts        ReliabilityOptions
	backoff     *BackoffCalculator

	state      ConnectionState
	reconnect  *ReconnectState
	graceTimer *clock.Timer
	upgrading  bool

	// generation invalidates results of attempts started before a close.
	generation int
	reconnects uint64
}

// NewReliabilityManager creates a manager for conn.
func NewReliabilityManager(
	conn *packetconn.Conn,
	exec serial.Executor,
	establisher Establisher,
	delegate ReliabilityDelegate,
	opts ReliabilityOptions,
) *ReliabilityManager {
	opts.applyDefaults()
	return &ReliabilityManager{
		conn:        conn,
		exec:        exec,
		establisher: establisher,
		delegate:    delegate,
		opts:        opts,
		backoff:     NewBackoffCalculator(opts.BaseDelay, opts.MaxDelay),
		state:       StateDisconnected,
	}
}

// IsEstablisher reports whether the local side initiated the connection.
func (r *ReliabilityManager) IsEstablisher() bool { return r.opts.IsEstablisher }

// State returns the transport state.
func (r *ReliabilityManager) State() ConnectionState { return r.state }

// Reconnects returns the number of successful transport replacements.
func (r *ReliabilityManager) Reconnects() uint64 { return r.reconnects }

// ReconnectAttempts returns the attempts made by the running sequence.
func (r *ReliabilityManager) ReconnectAttempts() int {
	if r.reconnect == nil {
		return 0
	}
	return r.reconnect.Attempts
}

func (r *ReliabilityManager) transition(to ConnectionState) {
	if err := r.state.ValidateTransition(to); err != nil {
		r.opts.Logger.Error("unexpected connection state change",
			"connection_id", r.conn.ID(), "error", err)
	}
	r.state = to
}

// AttemptReconnect starts a reconnect sequence: up to MaxAttempts
// establishment attempts with exponential backoff between them.
func (r *ReliabilityManager) AttemptReconnect() error {
	switch {
	case r.state == StateClosing || r.state == StateClosed:
		return ErrConnectionClosed
	case r.state == StateConnected:
		return ErrAlreadyConnected
	case r.reconnect != nil:
		return ErrReconnectInProgress
	}

	if r.state == StateDisconnected && r.conn.Counters().Swaps == 0 {
		r.transition(StateConnecting)
	} else if r.state != StateReconnecting {
		r.transition(StateReconnecting)
	}
	r.stopGraceTimer()
	r.reconnect = NewReconnectState()
	r.runAttempt()
	return nil
}

func (r *ReliabilityManager) runAttempt() {
	rs := r.reconnect
	rs.timer = nil
	rs.Attempts++

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.AttemptTimeout)
	rs.Cancel = cancel
	ctx, span := r.opts.Tracer.StartReconnect(ctx, r.conn.ID(), rs.Attempts)

	gen := r.generation
	id, dests := r.conn.ID(), r.conn.Destinations()
	r.opts.Logger.Debug("establishing transport", "connection_id", id, "attempt", rs.Attempts)

	go func() {
		transport, err := r.establisher.EstablishUnderlyingConnection(ctx, id, dests)
		cancel()
		if !r.exec.Post(func() { r.attemptDone(gen, rs, span, transport, err) }) {
			discard(transport)
			span.End(telemetry.ResultFailure, ErrConnectionClosed)
		}
	}()
}

func (r *ReliabilityManager) attemptDone(gen int, rs *ReconnectState, span telemetry.Span, transport module.UnderlyingConnection, err error) {
	if gen != r.generation || rs != r.reconnect {
		span.End(telemetry.ResultFailure, ErrConnectionClosed)
		if transport != nil {
			_ = transport.Close()
		}
		return
	}
	rs.Cancel = nil

	if err == nil {
		err = r.conn.Swap(transport)
	}
	if err != nil {
		span.End(telemetry.ResultFailure, err)
		r.opts.Metrics.ReconnectAttempt(telemetry.ResultFailure)
		rs.LastErr = err
		r.opts.Logger.Warn("transport establishment failed",
			"connection_id", r.conn.ID(), "attempt", rs.Attempts, "error", err)

		if !ShouldRetry(rs.Attempts, r.opts.MaxAttempts) {
			r.reconnectExhausted(rs)
			return
		}
		r.backoff.ScheduleNext(rs, r.opts.Clock.Now())
		rs.timer = r.opts.Clock.AfterFunc(rs.CurrentDelay, func() {
			r.exec.Post(func() {
				if r.reconnect == rs && r.generation == gen {
					r.runAttempt()
				}
			})
		})
		return
	}

	span.End(telemetry.ResultSuccess, nil)
	r.opts.Metrics.ReconnectAttempt(telemetry.ResultSuccess)
	r.reconnect = nil
	r.attached()
}

func (r *ReliabilityManager) reconnectExhausted(rs *ReconnectState) {
	r.reconnect = nil
	r.transition(StateDisconnected)

	code := ErrCodeReconnectFailed
	if errors.Is(rs.LastErr, ErrHandshake) {
		code = ErrCodeHandshakeFailed
	}
	msg := fmt.Sprintf("no transport after %d attempts", rs.Attempts)
	r.opts.Logger.Warn("giving up on connection", "connection_id", r.conn.ID(),
		"attempts", rs.Attempts, "error", rs.LastErr)
	r.delegate.ConnectionClosedUnexpectedly(newError(code, r.conn.ID(), msg, rs.LastErr))
}

// attached runs after a transport was swapped in.
func (r *ReliabilityManager) attached() {
	if r.conn.Counters().Swaps > 1 {
		r.reconnects++
	}
	r.transition(StateConnected)
	r.delegate.TransportReplaced()
	r.delegate.ConnectionConnected()
}

// AcceptTransport swaps in a transport opened by the remote establisher.
func (r *ReliabilityManager) AcceptTransport(transport module.UnderlyingConnection) error {
	if r.state == StateClosing || r.state == StateClosed {
		_ = transport.Close()
		return ErrConnectionClosed
	}
	if r.reconnect != nil {
		r.reconnect.Stop()
		r.reconnect = nil
	}
	r.stopGraceTimer()
	if err := r.conn.Swap(transport); err != nil {
		return err
	}
	r.attached()
	return nil
}

// Upgrade replaces a working transport with one over a better route.
// Failures keep the current transport.
func (r *ReliabilityManager) Upgrade() {
	if r.state != StateConnected || r.upgrading || !r.opts.IsEstablisher {
		return
	}
	r.upgrading = true
	gen := r.generation
	id, dests := r.conn.ID(), r.conn.Destinations()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.AttemptTimeout)
		defer cancel()
		transport, err := r.establisher.EstablishUnderlyingConnection(ctx, id, dests)
		posted := r.exec.Post(func() {
			r.upgrading = false
			lost := r.state == StateReconnecting
			if gen != r.generation || (r.state != StateConnected && !lost) || r.reconnect != nil {
				if transport != nil {
					_ = transport.Close()
				}
				return
			}
			if err == nil {
				err = r.conn.Swap(transport)
			}
			switch {
			case err != nil && lost:
				r.opts.Logger.Info("route upgrade failed after transport loss, reconnecting",
					"connection_id", id, "error", err)
				r.reconnect = NewReconnectState()
				r.runAttempt()
			case err != nil:
				r.opts.Logger.Info("route upgrade failed, keeping current transport",
					"connection_id", id, "error", err)
			case lost:
				r.attached()
			default:
				r.opts.Logger.Debug("transport upgraded", "connection_id", id)
				r.reconnects++
				r.delegate.TransportReplaced()
			}
		})
		if !posted {
			discard(transport)
		}
	}()
}

// discard closes a transport nobody will attach.
func discard(transport module.UnderlyingConnection) {
	if transport != nil {
		_ = transport.Close()
	}
}

// HandleTransportLost reacts to an unexpected transport failure. The
// establisher reconnects; the acceptor waits for the establisher.
// ConnectionClosedUnexpectedly is deliberately held back until recovery
// fails, so a transparent reconnect surfaces no error to the application.
func (r *ReliabilityManager) HandleTransportLost(cause error) {
	if r.state != StateConnected {
		return
	}
	r.transition(StateReconnecting)
	r.delegate.TransportInterrupted()

	if r.opts.IsEstablisher {
		if r.upgrading {
			// The pending upgrade brings the replacement.
			return
		}
		r.reconnect = NewReconnectState()
		r.runAttempt()
		return
	}

	gen := r.generation
	r.graceTimer = r.opts.Clock.AfterFunc(r.opts.GracePeriod, func() {
		r.exec.Post(func() {
			if gen != r.generation || r.state != StateReconnecting || r.reconnect != nil {
				return
			}
			r.graceTimer = nil
			r.transition(StateDisconnected)
			r.delegate.ConnectionClosedUnexpectedly(
				newError(ErrCodeTransportLost, r.conn.ID(), "transport lost", cause))
		})
	})
}

// CloseConnection closes gracefully when a transport is attached and
// abruptly otherwise, then reports an expected closure.
func (r *ReliabilityManager) CloseConnection() {
	if r.state == StateClosing || r.state == StateClosed {
		return
	}
	r.cancelPending()
	r.transition(StateClosing)
	r.conn.CloseGracefully(func(err error) {
		if err != nil && !errors.Is(err, packetconn.ErrClosed) {
			r.opts.Logger.Debug("close not flushed", "connection_id", r.conn.ID(), "error", err)
		}
		r.transition(StateClosed)
		r.delegate.ConnectionClosedExpectedly()
	})
}

// HandleRemoteClose reacts to a Close packet from the remote side.
func (r *ReliabilityManager) HandleRemoteClose() {
	if r.state == StateClosed {
		return
	}
	r.cancelPending()
	_ = r.conn.Close()
	r.transition(StateClosed)
	r.delegate.ConnectionClosedExpectedly()
}

// Shutdown tears the connection down without callbacks. Used when the
// local peer stops.
func (r *ReliabilityManager) Shutdown() error {
	r.cancelPending()
	r.state = StateClosed
	return r.conn.Close()
}

func (r *ReliabilityManager) cancelPending() {
	r.generation++
	if r.reconnect != nil {
		r.reconnect.Stop()
		r.reconnect = nil
	}
	r.stopGraceTimer()
}

func (r *ReliabilityManager) stopGraceTimer() {
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
}
