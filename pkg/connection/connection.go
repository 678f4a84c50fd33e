package connection

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/blockberries/sendberry/internal/serial"
	"github.com/blockberries/sendberry/internal/telemetry"
	"github.com/blockberries/sendberry/pkg/logging"
	"github.com/blockberries/sendberry/pkg/module"
	"github.com/blockberries/sendberry/pkg/packet"
	"github.com/blockberries/sendberry/pkg/packetconn"
	"github.com/blockberries/sendberry/pkg/transfer"
)

// Options configures a Connection.
type Options struct {
	// IsEstablisher marks the side that initiated the connection.
	IsEstablisher bool

	MaxPacketLength   int
	MaxFrameSize      int
	SendHighWatermark int
	SendLowWatermark  int
	FinishedCacheSize int

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	AttemptTimeout       time.Duration
	AcceptorGracePeriod  time.Duration

	Clock   clock.Clock
	Logger  logging.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer

	// OnRelease is called when the connection is finished and its owner
	// should drop it. OnRetain is called when a released connection is
	// revived by Reconnect.
	OnRelease func(*Connection)
	OnRetain  func(*Connection)
}

// Stats is a snapshot of connection counters.
type Stats struct {
	State              ConnectionState
	ConnectedAt        time.Time
	BytesSent          uint64
	BytesReceived      uint64
	PacketsSent        uint64
	PacketsReceived    uint64
	TransfersStarted   uint64
	TransfersCompleted uint64
	TransfersCancelled uint64
	ActiveTransfers    int
	Reconnects         uint64
}

// Connection is a managed connection to one or more remote peers. It
// sends and receives transfers and survives transport failures.
//
// A Connection is confined to the executor of its local peer: call its
// methods from callbacks or through LocalPeer.Do.
type Connection struct {
	id          uuid.UUID
	exec        serial.Executor
	conn        *packetconn.Conn
	transfers   *transfer.Manager
	reliability *ReliabilityManager
	logger      logging.Logger
	metrics     telemetry.Metrics
	clock       clock.Clock

	onRelease func(*Connection)
	onRetain  func(*Connection)
	released  bool

	connected   bool
	closed      bool
	connectedAt time.Time

	onConnect  func(*Connection)
	onTransfer func(*Connection, *transfer.InTransfer)
	onData     func(*Connection, []byte)
	onClose    func(*Connection)
	onError    func(*Connection, *Error)

	autoReceived map[uuid.UUID]*transfer.InTransfer
}

// New creates a Connection without a transport. Establishers call
// Reconnect to establish one; acceptors attach the incoming transport with
// AcceptTransport.
func New(id uuid.UUID, destinations []uuid.UUID, exec serial.Executor, establisher Establisher, opts Options) (*Connection, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	logger := logging.OrNop(opts.Logger)
	metrics := telemetry.MetricsOrNop(opts.Metrics)

	c := &Connection{
		id:           id,
		exec:         exec,
		logger:       logger,
		metrics:      metrics,
		clock:        opts.Clock,
		onRelease:    opts.OnRelease,
		onRetain:     opts.OnRetain,
		autoReceived: make(map[uuid.UUID]*transfer.InTransfer),
	}

	c.conn = packetconn.New(id, destinations, exec, packetconn.Options{
		MaxPacketLength: opts.MaxPacketLength,
		MaxFrameSize:    opts.MaxFrameSize,
		HighWatermark:   opts.SendHighWatermark,
		LowWatermark:    opts.SendLowWatermark,
		Clock:           opts.Clock,
		Logger:          logger,
		Metrics:         metrics,
	})

	transfers, err := transfer.NewManager(c.conn, c, transfer.Options{
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            opts.Tracer,
		FinishedCacheSize: opts.FinishedCacheSize,
	})
	if err != nil {
		return nil, err
	}
	c.transfers = transfers

	c.reliability = NewReliabilityManager(c.conn, exec, establisher, c, ReliabilityOptions{
		IsEstablisher:  opts.IsEstablisher,
		BaseDelay:      opts.ReconnectBaseDelay,
		MaxDelay:       opts.ReconnectMaxDelay,
		MaxAttempts:    opts.ReconnectMaxAttempts,
		AttemptTimeout: opts.AttemptTimeout,
		GracePeriod:    opts.AcceptorGracePeriod,
		Clock:          opts.Clock,
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         opts.Tracer,
	})

	c.conn.SetHandler(c)
	c.conn.SetSource(c.transfers)
	return c, nil
}

// ID returns the connection identifier, shared by all participants.
func (c *Connection) ID() uuid.UUID { return c.id }

// Destinations returns the remote peers of the connection.
func (c *Connection) Destinations() []uuid.UUID { return c.conn.Destinations() }

// IsConnected reports whether the connection is usable. It stays true
// while a lost transport is being replaced.
func (c *Connection) IsConnected() bool { return c.connected }

// IsClosed reports whether the connection was closed for good.
func (c *Connection) IsClosed() bool { return c.closed }

// IsEstablisher reports whether the local side initiated the connection.
func (c *Connection) IsEstablisher() bool { return c.reliability.IsEstablisher() }

// State returns the transport state.
func (c *Connection) State() ConnectionState { return c.reliability.State() }

// Send starts a transfer of data.
func (c *Connection) Send(data []byte) *transfer.OutTransfer {
	return c.SendStream(uint64(len(data)), transfer.BytesProvider(data))
}

// SendStream starts a transfer of length bytes produced by provider. It
// may be called before the connection is connected; data flows once it is.
func (c *Connection) SendStream(length uint64, provider transfer.DataProvider) *transfer.OutTransfer {
	t := c.transfers.StartTransfer(length, provider)
	if c.closed {
		c.logger.Warn("send on closed connection", "connection_id", c.id)
		c.transfers.Cancel(t)
	}
	return t
}

// Close closes the connection. Pending data is flushed before the close is
// signalled to the remote side.
func (c *Connection) Close() {
	c.reliability.CloseConnection()
}

// Reconnect establishes a new transport for a disconnected connection. It
// is ignored, with an error log, while the connection is connected.
func (c *Connection) Reconnect() {
	if c.connected {
		c.logger.Error("reconnect called on a connected connection", "connection_id", c.id)
		return
	}
	if c.closed {
		c.logger.Error("reconnect called on a closed connection", "connection_id", c.id)
		return
	}
	if err := c.reliability.AttemptReconnect(); err != nil {
		c.logger.Warn("reconnect not started", "connection_id", c.id, "error", err)
		return
	}
	c.retain()
}

// AcceptTransport attaches a transport opened by the remote establisher.
func (c *Connection) AcceptTransport(transport module.UnderlyingConnection) error {
	if c.closed {
		_ = transport.Close()
		return ErrConnectionClosed
	}
	c.retain()
	return c.reliability.AcceptTransport(transport)
}

// Upgrade moves the connection to a better route if one can be
// established. The current transport stays in use until then.
func (c *Connection) Upgrade() {
	c.reliability.Upgrade()
}

// Shutdown closes the connection without notifying the remote side or
// firing callbacks.
func (c *Connection) Shutdown() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.connected = false
	err := c.reliability.Shutdown()
	c.transfers.Close(ErrConnectionClosed)
	return err
}

// OnConnect sets the callback fired when the connection becomes usable.
// It fires immediately if the connection is already connected.
func (c *Connection) OnConnect(fn func(*Connection)) {
	c.onConnect = fn
	if c.connected && fn != nil {
		fn(c)
	}
}

// OnTransfer sets the handler for incoming transfers. The handler must
// choose a reception mode on the transfer. It takes precedence over
// OnData.
func (c *Connection) OnTransfer(fn func(*Connection, *transfer.InTransfer)) {
	c.onTransfer = fn
}

// OnData sets a handler receiving each incoming transfer as a whole. It is
// used only when no OnTransfer handler is set.
func (c *Connection) OnData(fn func(*Connection, []byte)) {
	c.onData = fn
}

// OnClose sets the callback fired when the connection closes. Unexpected
// closes go to OnError instead when it is set.
func (c *Connection) OnClose(fn func(*Connection)) {
	c.onClose = fn
}

// OnError sets the callback fired when the connection closes unexpectedly.
func (c *Connection) OnError(fn func(*Connection, *Error)) {
	c.onError = fn
}

// Stats returns a snapshot of the connection counters.
func (c *Connection) Stats() Stats {
	pc := c.conn.Counters()
	ts := c.transfers.Stats()
	return Stats{
		State:              c.reliability.State(),
		ConnectedAt:        c.connectedAt,
		BytesSent:          pc.BytesSent,
		BytesReceived:      pc.BytesReceived,
		PacketsSent:        pc.PacketsSent,
		PacketsReceived:    pc.PacketsReceived,
		TransfersStarted:   ts.Started,
		TransfersCompleted: ts.Completed,
		TransfersCancelled: ts.Cancelled,
		ActiveTransfers:    ts.ActiveIncoming + ts.ActiveOutgoing,
		Reconnects:         c.reliability.Reconnects(),
	}
}

// HandlePacket implements packetconn.Handler.
func (c *Connection) HandlePacket(p packet.Packet) {
	switch p.(type) {
	case packet.Close:
		c.logger.Debug("remote closed connection", "connection_id", c.id)
		c.reliability.HandleRemoteClose()
	case packet.Handshake:
		c.logger.Warn("unexpected handshake on established transport", "connection_id", c.id)
		c.metrics.PacketDropped("unexpected_handshake")
	default:
		c.transfers.HandlePacket(p)
	}
}

// HandleTransportLost implements packetconn.Handler.
func (c *Connection) HandleTransportLost(err error) {
	c.logger.Info("transport lost", "connection_id", c.id,
		"establisher", c.reliability.IsEstablisher(), "error", err)
	c.reliability.HandleTransportLost(err)
}

// NotifyTransferStarted implements transfer.Delegate.
func (c *Connection) NotifyTransferStarted(t *transfer.InTransfer) {
	switch {
	case c.onTransfer != nil:
		c.onTransfer(c, t)
	case c.onData != nil:
		id := t.ID()
		c.autoReceived[id] = t
		t.OnCompleteData(func(_ *transfer.InTransfer, data []byte) {
			if c.onData != nil {
				c.onData(c, data)
			}
		})
		t.OnEnd(func(transfer.Transfer) { delete(c.autoReceived, id) })
	default:
		c.logger.Warn("no OnTransfer or OnData handler set, discarding incoming transfer",
			"connection_id", c.id, "transfer_id", t.ID(), "length", t.Length())
	}
}

// ConnectionConnected implements ReliabilityDelegate. Only the first call
// of a connected period fires OnConnect.
func (c *Connection) ConnectionConnected() {
	if c.connected {
		return
	}
	c.connected = true
	c.connectedAt = c.clock.Now()
	c.logger.Info("connection connected", "connection_id", c.id)
	c.metrics.ConnectionOpened(c.direction())
	if c.onConnect != nil {
		c.onConnect(c)
	}
}

// ConnectionClosedExpectedly implements ReliabilityDelegate.
func (c *Connection) ConnectionClosedExpectedly() {
	c.connected = false
	c.closed = true
	c.transfers.Close(ErrConnectionClosed)
	c.logger.Info("connection closed", "connection_id", c.id)
	c.metrics.ConnectionClosed(c.direction(), telemetry.ReasonExpected)
	c.release()
	if c.onClose != nil {
		c.onClose(c)
	}
}

// ConnectionClosedUnexpectedly implements ReliabilityDelegate. On the
// establisher transfers stay interrupted so that a later Reconnect can
// resume them. The acceptor cannot reconnect, so its transfers end here.
func (c *Connection) ConnectionClosedUnexpectedly(err *Error) {
	c.connected = false
	if !c.IsEstablisher() {
		c.transfers.Close(err)
	}
	c.logger.Warn("connection lost", "connection_id", c.id, "code", err.Code, "error", err.Cause)
	c.metrics.ConnectionClosed(c.direction(), telemetry.ReasonUnexpected)
	c.release()
	switch {
	case c.onError != nil:
		c.onError(c, err)
	case c.onClose != nil:
		c.onClose(c)
	}
}

// TransportInterrupted implements ReliabilityDelegate.
func (c *Connection) TransportInterrupted() {
	c.transfers.Interrupt()
}

// TransportReplaced implements ReliabilityDelegate.
func (c *Connection) TransportReplaced() {
	c.transfers.Resume()
}

// Transfer returns the active transfer with the given id.
func (c *Connection) Transfer(id uuid.UUID) (transfer.Transfer, bool) {
	if t, ok := c.transfers.Outgoing(id); ok {
		return t, true
	}
	if t, ok := c.transfers.Incoming(id); ok {
		return t, true
	}
	return nil, false
}

func (c *Connection) direction() string {
	if c.reliability.IsEstablisher() {
		return telemetry.DirectionOutbound
	}
	return telemetry.DirectionInbound
}

func (c *Connection) release() {
	if c.released {
		return
	}
	c.released = true
	if c.onRelease != nil {
		c.onRelease(c)
	}
}

func (c *Connection) retain() {
	if !c.released {
		return
	}
	c.released = false
	if c.onRetain != nil {
		c.onRetain(c)
	}
}

// IsClosedError reports whether err means the connection is closed.
func IsClosedError(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, packetconn.ErrClosed)
}
