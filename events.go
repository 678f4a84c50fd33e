package sendberry

import (
	"github.com/blockberries/sendberry/internal/eventdispatch"
	"github.com/blockberries/sendberry/pkg/connection"
)

// Connection states, re-exported from the connection package.
const (
	StateDisconnected = connection.StateDisconnected
	StateConnecting   = connection.StateConnecting
	StateConnected    = connection.StateConnected
	StateReconnecting = connection.StateReconnecting
	StateClosing      = connection.StateClosing
	StateClosed       = connection.StateClosed
)

// PeerEvent describes a change in the local peer's view of the network.
// Events are delivered on LocalPeer.Events and never block the peer; when
// the application falls behind, events are dropped.
type PeerEvent = eventdispatch.Event

// PeerEventKind identifies what a PeerEvent reports.
type PeerEventKind = eventdispatch.Kind

// Peer event kinds.
const (
	EventPeerDiscovered   = eventdispatch.PeerDiscovered
	EventPeerRemoved      = eventdispatch.PeerRemoved
	EventConnectionOpened = eventdispatch.ConnectionOpened
	EventConnectionClosed = eventdispatch.ConnectionClosed
	EventHandshakeFailed  = eventdispatch.HandshakeFailed
)
