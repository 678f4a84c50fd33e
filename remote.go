package sendberry

import (
	"github.com/google/uuid"

	"github.com/blockberries/sendberry/pkg/module"
)

// RemotePeer is a peer reported by the router. Its fields change as the
// router reports better routes. Executor-bound.
type RemotePeer struct {
	local *LocalPeer
	id    uuid.UUID
	name  string
	hops  int

	connections map[uuid.UUID]*Connection
}

func newRemotePeer(local *LocalPeer, node module.Node) *RemotePeer {
	return &RemotePeer{
		local:       local,
		id:          node.ID,
		name:        node.Name,
		hops:        node.Hops,
		connections: make(map[uuid.UUID]*Connection),
	}
}

// ID returns the peer identifier.
func (r *RemotePeer) ID() uuid.UUID { return r.id }

// Name returns the name the router reported, if any.
func (r *RemotePeer) Name() string { return r.name }

// Hops returns the length of the best known route, or zero when the peer
// was never reported by the router.
func (r *RemotePeer) Hops() int { return r.hops }

// Connect establishes a managed connection to this peer alone.
func (r *RemotePeer) Connect() (*Connection, error) {
	return r.local.Connect(r)
}

// Connections returns the open connections that include this peer.
func (r *RemotePeer) Connections() []*Connection {
	return sortedConnections(r.connections)
}
