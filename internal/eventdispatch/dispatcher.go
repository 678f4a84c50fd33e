// Package eventdispatch delivers peer events to a buffered channel without
// blocking the executor.
package eventdispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what happened.
type Kind int

const (
	// PeerDiscovered is emitted when the router reports a new peer.
	PeerDiscovered Kind = iota + 1

	// PeerRemoved is emitted when a peer is no longer reachable.
	PeerRemoved

	// ConnectionOpened is emitted when a managed connection is registered,
	// either by Connect or by an incoming handshake.
	ConnectionOpened

	// ConnectionClosed is emitted when a managed connection is released.
	ConnectionClosed

	// HandshakeFailed is emitted when an incoming transport is rejected.
	HandshakeFailed
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case PeerDiscovered:
		return "peer_discovered"
	case PeerRemoved:
		return "peer_removed"
	case ConnectionOpened:
		return "connection_opened"
	case ConnectionClosed:
		return "connection_closed"
	case HandshakeFailed:
		return "handshake_failed"
	default:
		return "unknown"
	}
}

// Event describes a change in the local peer's view of the network.
type Event struct {
	Kind Kind

	// PeerID is the remote peer, if any.
	PeerID uuid.UUID

	// ConnectionID is the managed connection, if any.
	ConnectionID uuid.UUID

	// Error is set for failures.
	Error error

	Timestamp time.Time
}

// IsError returns true if this event represents an error condition.
func (e Event) IsError() bool {
	return e.Error != nil
}

// Dispatcher manages event emission to a buffered channel. Sends never
// block; events that do not fit are dropped and reported to OnDrop.
type Dispatcher struct {
	events  chan Event
	onDrop  func(Event)
	mu      sync.Mutex
	closed  bool
	dropped uint64
}

// NewDispatcher creates a dispatcher with the given buffer size. onDrop
// may be nil.
func NewDispatcher(bufferSize int, onDrop func(Event)) *Dispatcher {
	return &Dispatcher{
		events: make(chan Event, bufferSize),
		onDrop: onDrop,
	}
}

// Emit delivers event, or drops it if the buffer is full. It reports
// whether the event was delivered.
func (d *Dispatcher) Emit(event Event) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	select {
	case d.events <- event:
		d.mu.Unlock()
		return true
	default:
		d.dropped++
		d.mu.Unlock()
	}
	if d.onDrop != nil {
		d.onDrop(event)
	}
	return false
}

// Events returns the channel for the application to consume. It is closed
// when the dispatcher is closed.
func (d *Dispatcher) Events() <-chan Event {
	return d.events
}

// Dropped returns the number of events dropped so far.
func (d *Dispatcher) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close closes the events channel. It is safe to call Close multiple times.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.closed {
		d.closed = true
		close(d.events)
	}
}

// IsClosed returns true if the dispatcher has been closed.
func (d *Dispatcher) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
