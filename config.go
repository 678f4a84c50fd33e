package sendberry

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/blockberries/sendberry/pkg/connection"
	"github.com/blockberries/sendberry/pkg/module"
	"github.com/blockberries/sendberry/pkg/packet"
	"github.com/blockberries/sendberry/pkg/packetconn"
)

// Default configuration values.
const (
	DefaultHandshakeTimeout          = 10 * time.Second
	DefaultReconnectBaseDelay        = connection.DefaultReconnectBaseDelay
	DefaultReconnectMaxDelay         = connection.DefaultReconnectMaxDelay
	DefaultReconnectMaxAttempts      = connection.DefaultReconnectMaxAttempts
	DefaultAttemptTimeout            = connection.DefaultAttemptTimeout
	DefaultAcceptorGracePeriod       = connection.DefaultAcceptorGracePeriod
	DefaultMaxPacketLength           = packetconn.DefaultMaxPacketLength
	DefaultSendHighWatermark         = 64
	DefaultSendLowWatermark          = 16
	DefaultFinishedTransferCacheSize = 1024
	DefaultEventBufferSize           = 100
)

// Config holds the configuration for a LocalPeer.
type Config struct {
	// PeerID identifies the local peer. A random id is used when unset.
	PeerID uuid.UUID

	// Name is an optional human readable name.
	Name string

	// Router discovers peers and establishes raw transports. Required.
	Router module.Router

	// HandshakeTimeout bounds reading the handshake of an incoming
	// transport and writing it on an outgoing one.
	HandshakeTimeout time.Duration

	// ReconnectBaseDelay is the delay before the second reconnect attempt;
	// the first one runs immediately.
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay caps the exponential backoff.
	ReconnectMaxDelay time.Duration

	// ReconnectMaxAttempts is the number of attempts before a connection
	// is reported as failed.
	ReconnectMaxAttempts int

	// AttemptTimeout bounds a single establishment attempt.
	AttemptTimeout time.Duration

	// AcceptorGracePeriod is how long an accepting side waits for the
	// establisher to reconnect after a transport loss.
	AcceptorGracePeriod time.Duration

	// MaxPacketLength is the largest packet, header included, the transfer
	// scheduler produces.
	MaxPacketLength int

	// SendHighWatermark and SendLowWatermark bound the packets queued per
	// transport.
	SendHighWatermark int
	SendLowWatermark  int

	// FinishedTransferCacheSize is the number of finished transfer ids
	// remembered per connection to recognise late packets.
	FinishedTransferCacheSize int

	// EventBufferSize is the buffer size of the Events channel.
	EventBufferSize int

	// Logger is the logger for the peer. If nil, a NopLogger is used.
	// The logger must be safe for concurrent use.
	Logger Logger

	// Metrics is the metrics collector. If nil, NopMetrics is used.
	Metrics Metrics

	// Tracer creates spans for transfers, reconnects and handshakes. If
	// nil, NopTracer is used.
	Tracer Tracer

	// Clock drives every timer. Tests use a mock clock.
	Clock clock.Clock
}

// Validate checks that the configuration is valid and returns an error
// describing any problems found.
func (c *Config) Validate() error {
	if c.Router == nil {
		return ErrMissingRouter
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("%w: handshake timeout cannot be negative", ErrInvalidConfig)
	}
	if c.ReconnectBaseDelay < 0 {
		return fmt.Errorf("%w: reconnect base delay cannot be negative", ErrInvalidConfig)
	}
	if c.ReconnectMaxDelay < 0 {
		return fmt.Errorf("%w: reconnect max delay cannot be negative", ErrInvalidConfig)
	}
	if c.ReconnectMaxDelay > 0 && c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("%w: reconnect max delay cannot be less than base delay", ErrInvalidConfig)
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("%w: reconnect max attempts cannot be negative", ErrInvalidConfig)
	}
	if c.AttemptTimeout < 0 || c.AcceptorGracePeriod < 0 {
		return fmt.Errorf("%w: timeouts cannot be negative", ErrInvalidConfig)
	}
	if c.MaxPacketLength != 0 && c.MaxPacketLength <= packet.DataHeaderOverhead {
		return fmt.Errorf("%w: max packet length must exceed the %d byte data header",
			ErrInvalidConfig, packet.DataHeaderOverhead)
	}
	if c.MaxPacketLength > packet.MaxFrameSize {
		return fmt.Errorf("%w: max packet length exceeds the %d byte frame limit",
			ErrInvalidConfig, packet.MaxFrameSize)
	}
	if c.SendHighWatermark < 0 || c.SendLowWatermark < 0 {
		return fmt.Errorf("%w: watermarks cannot be negative", ErrInvalidConfig)
	}
	if c.SendHighWatermark > 0 && c.SendLowWatermark >= c.SendHighWatermark {
		return fmt.Errorf("%w: low watermark must be below high watermark", ErrInvalidConfig)
	}
	if c.FinishedTransferCacheSize < 0 {
		return fmt.Errorf("%w: finished transfer cache size cannot be negative", ErrInvalidConfig)
	}
	if c.EventBufferSize < 0 {
		return fmt.Errorf("%w: event buffer size cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// applyDefaults sets default values for any unset optional fields.
func (c *Config) applyDefaults() {
	if c.PeerID == uuid.Nil {
		c.PeerID = uuid.New()
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.ReconnectMaxAttempts == 0 {
		c.ReconnectMaxAttempts = DefaultReconnectMaxAttempts
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.AcceptorGracePeriod == 0 {
		c.AcceptorGracePeriod = DefaultAcceptorGracePeriod
	}
	if c.MaxPacketLength == 0 {
		c.MaxPacketLength = DefaultMaxPacketLength
	}
	if c.SendHighWatermark == 0 {
		c.SendHighWatermark = DefaultSendHighWatermark
	}
	if c.SendLowWatermark == 0 {
		c.SendLowWatermark = DefaultSendLowWatermark
		if c.SendLowWatermark >= c.SendHighWatermark {
			c.SendLowWatermark = c.SendHighWatermark / 2
		}
	}
	if c.FinishedTransferCacheSize == 0 {
		c.FinishedTransferCacheSize = DefaultFinishedTransferCacheSize
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = DefaultEventBufferSize
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.Tracer == nil {
		c.Tracer = NopTracer{}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// ConfigOption is a functional option for configuring a LocalPeer.
type ConfigOption func(*Config)

// WithPeerID sets the local peer identifier.
func WithPeerID(id uuid.UUID) ConfigOption {
	return func(c *Config) { c.PeerID = id }
}

// WithName sets the local peer name.
func WithName(name string) ConfigOption {
	return func(c *Config) { c.Name = name }
}

// WithHandshakeTimeout sets the handshake timeout.
func WithHandshakeTimeout(d time.Duration) ConfigOption {
	return func(c *Config) { c.HandshakeTimeout = d }
}

// WithReconnectBaseDelay sets the initial backoff delay.
func WithReconnectBaseDelay(d time.Duration) ConfigOption {
	return func(c *Config) { c.ReconnectBaseDelay = d }
}

// WithReconnectMaxDelay sets the maximum backoff delay.
func WithReconnectMaxDelay(d time.Duration) ConfigOption {
	return func(c *Config) { c.ReconnectMaxDelay = d }
}

// WithReconnectMaxAttempts sets the number of reconnect attempts.
func WithReconnectMaxAttempts(n int) ConfigOption {
	return func(c *Config) { c.ReconnectMaxAttempts = n }
}

// WithAttemptTimeout sets the timeout of one establishment attempt.
func WithAttemptTimeout(d time.Duration) ConfigOption {
	return func(c *Config) { c.AttemptTimeout = d }
}

// WithAcceptorGracePeriod sets how long an acceptor waits for a reconnect.
func WithAcceptorGracePeriod(d time.Duration) ConfigOption {
	return func(c *Config) { c.AcceptorGracePeriod = d }
}

// WithMaxPacketLength sets the largest packet the scheduler produces.
func WithMaxPacketLength(n int) ConfigOption {
	return func(c *Config) { c.MaxPacketLength = n }
}

// WithSendWatermarks sets the send queue watermarks.
func WithSendWatermarks(high, low int) ConfigOption {
	return func(c *Config) {
		c.SendHighWatermark = high
		c.SendLowWatermark = low
	}
}

// WithFinishedTransferCacheSize sets the size of the finished transfer cache.
func WithFinishedTransferCacheSize(n int) ConfigOption {
	return func(c *Config) { c.FinishedTransferCacheSize = n }
}

// WithEventBufferSize sets the buffer size for the events channel.
func WithEventBufferSize(size int) ConfigOption {
	return func(c *Config) { c.EventBufferSize = size }
}

// WithLogger sets the logger. The logger must be safe for concurrent use.
func WithLogger(l Logger) ConfigOption {
	return func(c *Config) { c.Logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m Metrics) ConfigOption {
	return func(c *Config) { c.Metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) ConfigOption {
	return func(c *Config) { c.Tracer = t }
}

// WithClock sets the clock driving timers.
func WithClock(clk clock.Clock) ConfigOption {
	return func(c *Config) { c.Clock = clk }
}

// NewConfig creates a Config for router and applies opts and defaults. It
// does not validate the configuration.
func NewConfig(router module.Router, opts ...ConfigOption) *Config {
	c := &Config{Router: router}
	for _, opt := range opts {
		opt(c)
	}
	c.applyDefaults()
	return c
}

func (c *Config) connectionOptions(isEstablisher bool) connection.Options {
	return connection.Options{
		IsEstablisher:        isEstablisher,
		MaxPacketLength:      c.MaxPacketLength,
		SendHighWatermark:    c.SendHighWatermark,
		SendLowWatermark:     c.SendLowWatermark,
		FinishedCacheSize:    c.FinishedTransferCacheSize,
		ReconnectBaseDelay:   c.ReconnectBaseDelay,
		ReconnectMaxDelay:    c.ReconnectMaxDelay,
		ReconnectMaxAttempts: c.ReconnectMaxAttempts,
		AttemptTimeout:       c.AttemptTimeout,
		AcceptorGracePeriod:  c.AcceptorGracePeriod,
		Clock:                c.Clock,
		Logger:               c.Logger,
		Metrics:              c.Metrics,
		Tracer:               c.Tracer,
	}
}
