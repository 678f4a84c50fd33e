package sendberry

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/blockberries/sendberry/internal/eventdispatch"
	"github.com/blockberries/sendberry/internal/serial"
	"github.com/blockberries/sendberry/pkg/connection"
	"github.com/blockberries/sendberry/pkg/module"
)

// stopTimeout bounds how long Stop waits for the executor to shut down
// the open connections.
const stopTimeout = 10 * time.Second

// LocalPeer is the local endpoint of sendberry communications. It tracks
// the peers reported by its router, establishes managed connections to
// them, and accepts connections they establish.
//
// All connection, transfer and peer state of a LocalPeer is owned by a
// single executor, and every callback runs on it. Methods documented as
// executor-bound must be called from a callback or through Do. The
// callback setters may also be called before Start.
type LocalPeer struct {
	config      *Config
	exec        *serial.Queue
	router      module.Router
	establisher establisher
	dispatcher  *eventdispatch.Dispatcher

	logger  Logger
	metrics Metrics
	tracer  Tracer
	clock   clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	startMu sync.Mutex
	started bool
	stopped bool
	running atomic.Bool

	// pending holds incoming transports whose handshake is being read.
	pendingMu sync.Mutex
	pending   map[module.UnderlyingConnection]struct{}

	// Owned by exec.
	peers            map[uuid.UUID]*RemotePeer
	outgoing         map[uuid.UUID]*Connection
	incoming         map[uuid.UUID]*Connection
	onPeerDiscovered func(*RemotePeer)
	onPeerRemoved    func(*RemotePeer)
	onConnection     func(*RemotePeer, *Connection)
}

// New creates a LocalPeer with the given configuration. The peer does not
// talk to its router until Start is called.
func New(cfg *Config) (*LocalPeer, error) {
	if cfg == nil {
		return nil, ErrMissingRouter
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	p := &LocalPeer{
		config:   cfg,
		exec:     serial.NewQueue(),
		router:   cfg.Router,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		clock:    cfg.Clock,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[module.UnderlyingConnection]struct{}),
		peers:    make(map[uuid.UUID]*RemotePeer),
		outgoing: make(map[uuid.UUID]*Connection),
		incoming: make(map[uuid.UUID]*Connection),
	}
	p.establisher = establisher{p: p}
	p.dispatcher = eventdispatch.NewDispatcher(cfg.EventBufferSize, func(eventdispatch.Event) {
		p.metrics.EventDropped()
	})
	return p, nil
}

// Start starts the executor and registers with the router. Discovery
// callbacks and incoming connections are delivered from then on.
func (p *LocalPeer) Start() error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return ErrAlreadyStarted
	}

	p.exec.Start()
	p.running.Store(true)
	if err := p.router.Start(routerEvents{p: p}); err != nil {
		p.running.Store(false)
		return NewPeerError(ErrCodeRouterFailed, "start router", p.config.PeerID, err)
	}

	p.started = true
	p.logger.Info("local peer started", "peer_id", p.config.PeerID, "name", p.config.Name,
		"version", CurrentVersion())
	return nil
}

// Stop stops the router, shuts down every connection without notifying
// the remote sides, and stops the executor. A stopped peer cannot be
// started again.
func (p *LocalPeer) Stop() error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.stopped {
		return ErrStopped
	}
	if !p.started {
		return ErrNotStarted
	}
	p.running.Store(false)

	err := p.router.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	var connErr error
	if doErr := p.exec.Do(ctx, func() { connErr = p.shutdownConnections() }); doErr != nil {
		err = multierr.Append(err, fmt.Errorf("shutdown connections: %w", doErr))
	} else {
		err = multierr.Append(err, connErr)
	}

	p.cancel()
	p.exec.Close()
	p.closePending()
	p.dispatcher.Close()

	p.started = false
	p.stopped = true
	p.logger.Info("local peer stopped", "peer_id", p.config.PeerID)
	return err
}

// ID returns the local peer identifier.
func (p *LocalPeer) ID() uuid.UUID { return p.config.PeerID }

// Name returns the local peer name.
func (p *LocalPeer) Name() string { return p.config.Name }

// Version returns the protocol version announced in handshakes.
func (p *LocalPeer) Version() ProtocolVersion { return CurrentVersion() }

// Events returns the channel of peer events. It is closed by Stop.
func (p *LocalPeer) Events() <-chan PeerEvent { return p.dispatcher.Events() }

// Do runs fn on the executor and waits for it to finish. Do must not be
// called from the executor.
func (p *LocalPeer) Do(ctx context.Context, fn func()) error {
	return p.exec.Do(ctx, fn)
}

// Post schedules fn on the executor without waiting.
func (p *LocalPeer) Post(fn func()) {
	p.exec.Post(fn)
}

// OnPeerDiscovered sets the callback fired when the router reports a new
// peer. Executor-bound.
func (p *LocalPeer) OnPeerDiscovered(fn func(*RemotePeer)) {
	p.onPeerDiscovered = fn
}

// OnPeerRemoved sets the callback fired when a peer becomes unreachable.
// Executor-bound.
func (p *LocalPeer) OnPeerRemoved(fn func(*RemotePeer)) {
	p.onPeerRemoved = fn
}

// OnConnection sets the callback fired when a remote peer establishes a
// new connection to us. Set the connection handlers inside the callback;
// no transfer is delivered before it returns. Executor-bound.
func (p *LocalPeer) OnConnection(fn func(*RemotePeer, *Connection)) {
	p.onConnection = fn
}

// Peers returns the currently reachable peers ordered by id.
// Executor-bound.
func (p *LocalPeer) Peers() []*RemotePeer {
	peers := make([]*RemotePeer, 0, len(p.peers))
	for _, rp := range p.peers {
		peers = append(peers, rp)
	}
	sort.Slice(peers, func(i, j int) bool {
		return bytes.Compare(peers[i].id[:], peers[j].id[:]) < 0
	})
	return peers
}

// Peer returns the reachable peer with the given id. Executor-bound.
func (p *LocalPeer) Peer(id uuid.UUID) (*RemotePeer, bool) {
	rp, ok := p.peers[id]
	return rp, ok
}

// Connections returns every open managed connection, outgoing first.
// Executor-bound.
func (p *LocalPeer) Connections() []*Connection {
	conns := make([]*Connection, 0, len(p.outgoing)+len(p.incoming))
	conns = append(conns, sortedConnections(p.outgoing)...)
	return append(conns, sortedConnections(p.incoming)...)
}

// Connect establishes a managed connection to one or more peers. With
// several peers the connection is multicast: every transfer reaches all
// of them. The returned connection is connecting; set OnConnect to learn
// when it is usable. Executor-bound.
func (p *LocalPeer) Connect(peers ...*RemotePeer) (*Connection, error) {
	ids := make([]uuid.UUID, 0, len(peers))
	for _, rp := range peers {
		if rp == nil {
			return nil, p.destinationError(ErrNoDestinations)
		}
		ids = append(ids, rp.id)
	}
	return p.ConnectTo(ids...)
}

// ConnectTo is Connect for peers known only by id, such as peers in a
// static address book that have not been discovered yet. Executor-bound.
func (p *LocalPeer) ConnectTo(ids ...uuid.UUID) (*Connection, error) {
	if !p.running.Load() {
		return nil, ErrNotStarted
	}
	if err := ValidateDestinations(p.config.PeerID, ids); err != nil {
		return nil, p.destinationError(err)
	}

	c, err := p.newConnection(uuid.New(), ids, true)
	if err != nil {
		return nil, err
	}
	p.register(c)
	p.logger.Debug("connecting", "connection_id", c.ID(), "destinations", ids)
	c.Reconnect()
	return c, nil
}

func (p *LocalPeer) destinationError(err error) error {
	return &Error{
		Code:    ErrCodeInvalidDestinations,
		Message: "invalid destinations",
		PeerID:  p.config.PeerID,
		Cause:   err,
	}
}

func (p *LocalPeer) newConnection(id uuid.UUID, destinations []uuid.UUID, isEstablisher bool) (*Connection, error) {
	opts := p.config.connectionOptions(isEstablisher)
	opts.OnRelease = p.release
	opts.OnRetain = p.register
	return connection.New(id, destinations, p.exec, p.establisher, opts)
}

// register adds c to the connection registry and to its remote peers.
func (p *LocalPeer) register(c *Connection) {
	if c.IsEstablisher() {
		p.outgoing[c.ID()] = c
	} else {
		p.incoming[c.ID()] = c
	}
	dests := c.Destinations()
	for _, id := range dests {
		if rp, ok := p.peers[id]; ok {
			rp.connections[c.ID()] = c
		}
	}
	p.emit(EventConnectionOpened, dests[0], c.ID(), nil)
}

// release drops c once it closed for good or gave up reconnecting.
func (p *LocalPeer) release(c *Connection) {
	delete(p.outgoing, c.ID())
	delete(p.incoming, c.ID())
	dests := c.Destinations()
	for _, id := range dests {
		if rp, ok := p.peers[id]; ok {
			delete(rp.connections, c.ID())
		}
	}
	p.emit(EventConnectionClosed, dests[0], c.ID(), nil)
}

func (p *LocalPeer) shutdownConnections() error {
	var err error
	for _, c := range p.Connections() {
		err = multierr.Append(err, c.Shutdown())
	}
	for _, rp := range p.peers {
		clear(rp.connections)
	}
	clear(p.outgoing)
	clear(p.incoming)
	return err
}

func (p *LocalPeer) emit(kind PeerEventKind, peerID, connectionID uuid.UUID, err error) {
	delivered := p.dispatcher.Emit(PeerEvent{
		Kind:         kind,
		PeerID:       peerID,
		ConnectionID: connectionID,
		Error:        err,
		Timestamp:    p.clock.Now(),
	})
	if delivered {
		p.metrics.EventEmitted(kind.String())
	}
}

// peerFor returns the known peer with id, or a detached RemotePeer for a
// source the router never reported.
func (p *LocalPeer) peerFor(id uuid.UUID) *RemotePeer {
	if rp, ok := p.peers[id]; ok {
		return rp
	}
	return newRemotePeer(p, module.Node{ID: id})
}

func (p *LocalPeer) foundNode(node module.Node) {
	if node.ID == p.config.PeerID || node.ID == uuid.Nil {
		return
	}
	if rp, ok := p.peers[node.ID]; ok {
		rp.name = node.Name
		rp.hops = node.Hops
		return
	}

	rp := newRemotePeer(p, node)
	for _, c := range p.Connections() {
		if containsID(c.Destinations(), node.ID) {
			rp.connections[c.ID()] = c
		}
	}
	p.peers[node.ID] = rp
	p.logger.Debug("peer discovered", "peer_id", node.ID, "name", node.Name, "hops", node.Hops)
	p.emit(EventPeerDiscovered, node.ID, uuid.Nil, nil)
	if p.onPeerDiscovered != nil {
		p.onPeerDiscovered(rp)
	}
}

func (p *LocalPeer) lostNode(id uuid.UUID) {
	rp, ok := p.peers[id]
	if !ok {
		return
	}
	delete(p.peers, id)
	p.logger.Debug("peer removed", "peer_id", id)
	p.emit(EventPeerRemoved, id, uuid.Nil, nil)
	if p.onPeerRemoved != nil {
		p.onPeerRemoved(rp)
	}
}

// improvedRoute moves outgoing connections to the node onto the better
// route. Incoming connections follow when their establisher upgrades.
func (p *LocalPeer) improvedRoute(node module.Node) {
	if rp, ok := p.peers[node.ID]; ok {
		rp.hops = node.Hops
	}
	for _, c := range sortedConnections(p.outgoing) {
		if !c.IsConnected() || !containsID(c.Destinations(), node.ID) {
			continue
		}
		p.logger.Debug("upgrading connection", "connection_id", c.ID(), "peer_id", node.ID, "hops", node.Hops)
		c.Upgrade()
	}
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func sortedConnections(m map[uuid.UUID]*Connection) []*Connection {
	conns := make([]*Connection, 0, len(m))
	for _, c := range m {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool {
		a, b := conns[i].ID(), conns[j].ID()
		return bytes.Compare(a[:], b[:]) < 0
	})
	return conns
}

// routerEvents adapts router callbacks, which may arrive on any
// goroutine, onto the executor.
type routerEvents struct {
	p *LocalPeer
}

func (h routerEvents) FoundNode(node module.Node) {
	h.p.exec.Post(func() { h.p.foundNode(node) })
}

func (h routerEvents) LostNode(id uuid.UUID) {
	h.p.exec.Post(func() { h.p.lostNode(id) })
}

func (h routerEvents) ImprovedRoute(node module.Node) {
	h.p.exec.Post(func() { h.p.improvedRoute(node) })
}

func (h routerEvents) IncomingConnection(source uuid.UUID, conn module.UnderlyingConnection) {
	h.p.handleIncoming(source, conn)
}
