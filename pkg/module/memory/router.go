// Package memory provides an in-process Router. Nodes of one Network reach
// each other over synchronous pipes; tests script discovery, route changes
// and establishment failures.
package memory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/blockberries/sendberry/pkg/module"
)

// ErrInjected is returned by establishment attempts failed with FailNext.
var ErrInjected = errors.New("memory: injected establishment failure")

// Network is a set of in-process nodes and the links between them.
type Network struct {
	mu      sync.Mutex
	routers map[uuid.UUID]*Router
	links   map[[2]uuid.UUID]int
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		routers: make(map[uuid.UUID]*Router),
		links:   make(map[[2]uuid.UUID]int),
	}
}

// NewRouter adds a node to the network.
func (n *Network) NewRouter(id uuid.UUID, name string) *Router {
	r := &Router{network: n, node: module.Node{ID: id, Name: name}}
	n.mu.Lock()
	n.routers[id] = r
	n.mu.Unlock()
	return r
}

func linkKey(a, b uuid.UUID) [2]uuid.UUID {
	if a.String() > b.String() {
		a, b = b, a
	}
	return [2]uuid.UUID{a, b}
}

// Link makes a and b reachable from each other over a route of the given
// number of hops. Both routers report FoundNode once started.
func (n *Network) Link(a, b uuid.UUID, hops int) {
	n.mu.Lock()
	n.links[linkKey(a, b)] = hops
	ra, rb := n.routers[a], n.routers[b]
	n.mu.Unlock()
	if ra == nil || rb == nil {
		return
	}
	ra.emit(func(h module.Handler) { h.FoundNode(rb.nodeWithHops(hops)) })
	rb.emit(func(h module.Handler) { h.FoundNode(ra.nodeWithHops(hops)) })
}

// Unlink removes the route between a and b. Streams already established
// stay open; use Router.Sever to break them.
func (n *Network) Unlink(a, b uuid.UUID) {
	n.mu.Lock()
	delete(n.links, linkKey(a, b))
	ra, rb := n.routers[a], n.routers[b]
	n.mu.Unlock()
	if ra == nil || rb == nil {
		return
	}
	ra.emit(func(h module.Handler) { h.LostNode(b) })
	rb.emit(func(h module.Handler) { h.LostNode(a) })
}

// ImproveRoute lowers the hop count between a and b and reports the
// better route to both routers.
func (n *Network) ImproveRoute(a, b uuid.UUID, hops int) {
	n.mu.Lock()
	if _, ok := n.links[linkKey(a, b)]; !ok {
		n.mu.Unlock()
		return
	}
	n.links[linkKey(a, b)] = hops
	ra, rb := n.routers[a], n.routers[b]
	n.mu.Unlock()
	ra.emit(func(h module.Handler) { h.ImprovedRoute(rb.nodeWithHops(hops)) })
	rb.emit(func(h module.Handler) { h.ImprovedRoute(ra.nodeWithHops(hops)) })
}

func (n *Network) route(from, to uuid.UUID) (*Router, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.links[linkKey(from, to)]; !ok {
		return nil, false
	}
	r, ok := n.routers[to]
	return r, ok
}

func (n *Network) neighbours(id uuid.UUID) []module.Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	var nodes []module.Node
	for k, hops := range n.links {
		other := k[0]
		if other == id {
			other = k[1]
		} else if k[1] != id {
			continue
		}
		if r, ok := n.routers[other]; ok {
			nodes = append(nodes, r.nodeWithHops(hops))
		}
	}
	return nodes
}

// Router is one node's view of a Network. It implements module.Router.
type Router struct {
	network *Network
	node    module.Node

	mu          sync.Mutex
	handler     module.Handler
	fail        int
	established int
	streams     []net.Conn
}

var _ module.Router = (*Router)(nil)

// ID returns the node identifier.
func (r *Router) ID() uuid.UUID { return r.node.ID }

func (r *Router) nodeWithHops(hops int) module.Node {
	n := r.node
	n.Hops = hops
	return n
}

// Start implements module.Router. Nodes linked before Start are reported
// immediately.
func (r *Router) Start(h module.Handler) error {
	if h == nil {
		return errors.New("memory: nil handler")
	}
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
	for _, node := range r.network.neighbours(r.node.ID) {
		h.FoundNode(node)
	}
	return nil
}

// Stop implements module.Router.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = nil
	return nil
}

func (r *Router) emit(fn func(module.Handler)) bool {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		return false
	}
	fn(h)
	return true
}

// FailNext makes the next n establishment attempts fail.
func (r *Router) FailNext(n int) {
	r.mu.Lock()
	r.fail = n
	r.mu.Unlock()
}

// Established returns the number of streams this router opened.
func (r *Router) Established() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.established
}

// Sever closes every stream this router opened, as a network partition
// would.
func (r *Router) Sever() {
	r.mu.Lock()
	streams := r.streams
	r.streams = nil
	r.mu.Unlock()
	for _, c := range streams {
		_ = c.Close()
	}
}

// EstablishMulticastConnection implements module.Router.
func (r *Router) EstablishMulticastConnection(ctx context.Context, destinations []uuid.UUID) (module.UnderlyingConnection, error) {
	if len(destinations) == 0 {
		return nil, fmt.Errorf("%w: no destinations", module.ErrUnknownNode)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.handler == nil {
		r.mu.Unlock()
		return nil, module.ErrRouterStopped
	}
	if r.fail > 0 {
		r.fail--
		r.mu.Unlock()
		return nil, ErrInjected
	}
	r.mu.Unlock()

	targets := make([]*Router, len(destinations))
	for i, dest := range destinations {
		target, ok := r.network.route(r.node.ID, dest)
		if !ok {
			return nil, fmt.Errorf("%w: %s", module.ErrUnknownNode, dest)
		}
		targets[i] = target
	}

	locals := make([]net.Conn, 0, len(targets))
	for _, target := range targets {
		local, remote := net.Pipe()
		delivered := target.emit(func(h module.Handler) {
			h.IncomingConnection(r.node.ID, module.FromNetConn(remote))
		})
		if !delivered {
			_ = local.Close()
			_ = remote.Close()
			for _, c := range locals {
				_ = c.Close()
			}
			return nil, fmt.Errorf("%w: %s is not running", module.ErrUnknownNode, target.node.ID)
		}
		locals = append(locals, local)
	}

	r.mu.Lock()
	r.established++
	r.streams = append(r.streams, locals...)
	r.mu.Unlock()

	if len(locals) == 1 {
		return module.FromNetConn(locals[0]), nil
	}
	return newMulticast(locals), nil
}
