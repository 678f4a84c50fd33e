// Package module defines the contract between a local peer and the
// discovery and routing layer that supplies raw transports.
//
// A Router discovers nodes, reports route changes, and establishes
// (possibly multi-hop, possibly multicast) byte streams to sets of nodes.
// The peer layer frames, multiplexes and heals connections on top of
// these streams.
package module

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
)

var (
	// ErrRouterStopped is returned by operations on a stopped router.
	ErrRouterStopped = errors.New("router stopped")

	// ErrUnknownNode is returned when a destination is not reachable.
	ErrUnknownNode = errors.New("unknown node")

	// ErrMulticastUnsupported is returned by routers that only reach one
	// destination per connection.
	ErrMulticastUnsupported = errors.New("multicast connections not supported")
)

// UnderlyingConnection is a raw, order-preserving duplex byte stream.
type UnderlyingConnection interface {
	io.ReadWriteCloser

	// IsConnected reports whether the stream is still usable.
	IsConnected() bool
}

// Node is a peer known to the router.
type Node struct {
	ID   uuid.UUID
	Name string

	// Hops is the length of the best known route; 1 for direct links.
	Hops int
}

// Handler receives router events. Calls may come from any goroutine and
// must not block.
type Handler interface {
	// FoundNode reports a newly reachable node.
	FoundNode(node Node)

	// LostNode reports that a node is no longer reachable.
	LostNode(id uuid.UUID)

	// ImprovedRoute reports a better route to a known node.
	ImprovedRoute(node Node)

	// IncomingConnection hands over a stream opened by a remote node. The
	// first frame on it is the managed connection handshake.
	IncomingConnection(source uuid.UUID, conn UnderlyingConnection)
}

// Router is the discovery and routing collaborator of a local peer.
type Router interface {
	// Start begins discovery and delivers events to h.
	Start(h Handler) error

	// Stop ends discovery and closes listeners. Established streams stay
	// open and are closed by their owners.
	Stop() error

	// EstablishMulticastConnection opens one stream reaching every
	// destination. It blocks until the stream is usable or ctx ends.
	EstablishMulticastConnection(ctx context.Context, destinations []uuid.UUID) (UnderlyingConnection, error)
}
