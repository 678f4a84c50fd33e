// Package packetconn frames packets onto the raw transports of one managed
// connection and swaps transports without losing queued control packets.
//
// A Conn is confined to its executor: every method must be called from it,
// and every Handler and Source call happens on it. Only the per-transport
// read and write goroutines run elsewhere, and they post their results
// back to the executor.
package packetconn

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/blockberries/sendberry/internal/flow"
	"github.com/blockberries/sendberry/internal/serial"
	"github.com/blockberries/sendberry/internal/telemetry"
	"github.com/blockberries/sendberry/pkg/logging"
	"github.com/blockberries/sendberry/pkg/module"
	"github.com/blockberries/sendberry/pkg/packet"
)

const (
	// DefaultMaxPacketLength is the default packet body budget.
	DefaultMaxPacketLength = 32 * 1024

	// DefaultCloseTimeout bounds how long a graceful close waits for the
	// Close packet to be written.
	DefaultCloseTimeout = 5 * time.Second
)

var (
	// ErrClosed is returned when a closed Conn is used.
	ErrClosed = errors.New("packet connection closed")

	// ErrCloseTimeout is reported when a graceful close did not flush in
	// time and the transport was torn down.
	ErrCloseTimeout = errors.New("graceful close timed out")
)

// Handler receives what a Conn reads.
type Handler interface {
	// HandlePacket is called for every packet read from the current
	// transport, in transport order.
	HandlePacket(p packet.Packet)

	// HandleTransportLost is called when the current transport fails
	// outside of a close.
	HandleTransportLost(err error)
}

// Source produces data packets when the send window has room.
type Source interface {
	HasPending() bool
	NextPacket() (packet.Packet, bool)
}

// Options configures a Conn.
type Options struct {
	MaxPacketLength int
	MaxFrameSize    int
	HighWatermark   int
	LowWatermark    int
	CloseTimeout    time.Duration
	Clock           clock.Clock
	Logger          logging.Logger
	Metrics         telemetry.Metrics
}

func (o *Options) applyDefaults() {
	if o.MaxPacketLength <= 0 {
		o.MaxPacketLength = DefaultMaxPacketLength
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = packet.MaxFrameSize
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	o.Logger = logging.OrNop(o.Logger)
	o.Metrics = telemetry.MetricsOrNop(o.Metrics)
}

// Counters holds traffic totals of a Conn.
type Counters struct {
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	Swaps           uint64
}

// Conn is a packet connection to one or more destinations. It holds at
// most one transport at a time; it may have none while a replacement is
// being established.
type Conn struct {
	id           uuid.UUID
	destinations []uuid.UUID
	exec         serial.Executor
	opts         Options

	handler Handler
	source  Source

	window  *flow.Controller
	control []packet.Packet
	link    *link
	pumping bool

	closing    bool
	closed     bool
	closeDone  func(error)
	closeTimer *clock.Timer

	counters Counters
}

// New creates a Conn without a transport.
func New(id uuid.UUID, destinations []uuid.UUID, exec serial.Executor, opts Options) *Conn {
	opts.applyDefaults()
	return &Conn{
		id:           id,
		destinations: append([]uuid.UUID(nil), destinations...),
		exec:         exec,
		opts:         opts,
		window:       flow.NewController(opts.HighWatermark, opts.LowWatermark),
	}
}

// SetHandler sets the receiver of incoming packets and transport loss.
func (c *Conn) SetHandler(h Handler) { c.handler = h }

// SetSource sets the producer of data packets.
func (c *Conn) SetSource(s Source) { c.source = s }

// ID returns the managed connection identifier.
func (c *Conn) ID() uuid.UUID { return c.id }

// Destinations returns the peers this connection reaches.
func (c *Conn) Destinations() []uuid.UUID {
	return append([]uuid.UUID(nil), c.destinations...)
}

// DestinationCount returns the number of destinations.
func (c *Conn) DestinationCount() int { return len(c.destinations) }

// MaxPacketLength returns the packet body budget.
func (c *Conn) MaxPacketLength() int { return c.opts.MaxPacketLength }

// IsConnected reports whether a transport is attached.
func (c *Conn) IsConnected() bool { return c.link != nil && !c.closed }

// IsClosed reports whether the Conn was closed for good.
func (c *Conn) IsClosed() bool { return c.closed }

// Counters returns the traffic totals.
func (c *Conn) Counters() Counters { return c.counters }

// Transport returns the attached transport, or nil.
func (c *Conn) Transport() module.UnderlyingConnection {
	if c.link == nil {
		return nil
	}
	return c.link.transport
}

// SendControl queues a control packet ahead of data. Packets queued while
// no transport is attached are sent on the next one.
func (c *Conn) SendControl(p packet.Packet) {
	if c.closed {
		return
	}
	c.control = append(c.control, p)
	c.pump()
}

// NotifyDataAvailable wakes the scheduler.
func (c *Conn) NotifyDataAvailable() {
	c.pump()
}

// Swap attaches transport, replacing the current one if any. Control
// packets not yet written to the old transport move to the new one.
func (c *Conn) Swap(transport module.UnderlyingConnection) error {
	if c.closed {
		_ = transport.Close()
		return ErrClosed
	}
	if c.link != nil {
		c.detach()
	}
	high, _ := c.window.Watermarks()
	c.link = newLink(c, transport, high)
	c.link.start(c.opts.MaxFrameSize)
	c.counters.Swaps++
	c.opts.Logger.Debug("transport attached", "connection_id", c.id, "swaps", c.counters.Swaps)
	c.pump()
	return nil
}

// Disconnect drops the current transport without notifying the handler.
func (c *Conn) Disconnect() {
	if c.link != nil {
		c.detach()
	}
}

// CloseGracefully queues a Close packet and tears the transport down once
// it was written. Without a transport it closes right away. done runs on
// the executor.
func (c *Conn) CloseGracefully(done func(error)) {
	if c.closed || c.closing {
		if done != nil {
			done(ErrClosed)
		}
		return
	}
	if c.link == nil {
		err := c.Close()
		if done != nil {
			done(err)
		}
		return
	}

	c.closing = true
	c.closeDone = done
	c.control = append(c.control, packet.Close{})
	c.closeTimer = c.opts.Clock.AfterFunc(c.opts.CloseTimeout, func() {
		c.exec.Post(func() { c.finishClose(ErrCloseTimeout) })
	})
	c.pump()
}

// Close tears the connection down without notifying the remote side.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.control = nil
	c.window.Close()
	if c.closeTimer != nil {
		c.closeTimer.Stop()
	}
	if c.link != nil {
		l := c.link
		c.link = nil
		return l.stop()
	}
	return nil
}

func (c *Conn) finishClose(cause error) {
	if c.closed {
		return
	}
	err := c.Close()
	if cause != nil {
		c.opts.Logger.Warn("graceful close incomplete", "connection_id", c.id, "error", cause)
		err = cause
	}
	if done := c.closeDone; done != nil {
		c.closeDone = nil
		done(err)
	}
}

func (c *Conn) detach() {
	l := c.link
	c.link = nil
	_ = l.stop()
	c.control = append(l.drainControl(), c.control...)
	c.window.Reset()
}

// pump moves packets into the transport while the window has room.
// Control packets go first.
func (c *Conn) pump() {
	if c.pumping {
		return
	}
	c.pumping = true
	defer func() { c.pumping = false }()

	for c.link != nil && !c.closed {
		dataReady := !c.closing && c.source != nil && c.source.HasPending()
		if len(c.control) == 0 && !dataReady {
			return
		}
		if !c.window.TryAcquire() {
			return
		}

		var p packet.Packet
		if len(c.control) > 0 {
			p = c.control[0]
			c.control = c.control[1:]
		} else {
			var ok bool
			if p, ok = c.source.NextPacket(); !ok {
				c.window.Release()
				continue
			}
		}

		// NextPacket runs application callbacks, which may have closed or
		// detached the transport.
		if c.link == nil || c.closed {
			c.window.Release()
			c.requeue(p)
			return
		}
		if !c.link.enqueue(p) {
			c.opts.Logger.Error("send queue full despite open window", "connection_id", c.id)
			c.window.Release()
			c.requeue(p)
			return
		}
	}
}

func (c *Conn) requeue(p packet.Packet) {
	if _, isData := p.(packet.TransferData); isData || c.closed {
		return
	}
	c.control = append([]packet.Packet{p}, c.control...)
}

func (c *Conn) written(l *link, p packet.Packet, size int, err error) {
	if l != c.link {
		return
	}
	if err != nil {
		c.linkFailed(l, err)
		return
	}
	c.window.Release()
	c.counters.BytesSent += uint64(size)
	c.counters.PacketsSent++
	c.opts.Metrics.BytesSent(size)

	if _, isClose := p.(packet.Close); isClose && c.closing {
		c.finishClose(nil)
		return
	}
	c.pump()
}

func (c *Conn) received(l *link, p packet.Packet, size int) {
	if l != c.link || c.closed {
		return
	}
	c.counters.BytesReceived += uint64(size)
	c.counters.PacketsReceived++
	c.opts.Metrics.BytesReceived(size)
	if c.handler != nil {
		c.handler.HandlePacket(p)
	}
}

func (c *Conn) linkFailed(l *link, err error) {
	if l != c.link || c.closed {
		return
	}
	c.detach()
	if c.closing {
		c.finishClose(nil)
		return
	}
	c.opts.Logger.Debug("transport lost", "connection_id", c.id, "error", err)
	if c.handler != nil {
		c.handler.HandleTransportLost(err)
	}
}
