// Package tcp provides a Router over plain TCP for nodes listed in an
// address book. Each managed connection gets its own TCP stream; multicast
// is not supported.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/blockberries/sendberry/pkg/addressbook"
	"github.com/blockberries/sendberry/pkg/logging"
	"github.com/blockberries/sendberry/pkg/module"
)

// Default router settings.
const (
	DefaultDialTimeout   = 10 * time.Second
	DefaultHelloTimeout  = 5 * time.Second
	DefaultProbeInterval = 30 * time.Second

	probeConcurrency = 8
)

// Options configures a Router.
type Options struct {
	ID   uuid.UUID
	Name string

	// ListenAddr is the multiaddr to listen on, e.g. /ip4/0.0.0.0/tcp/7700.
	ListenAddr multiaddr.Multiaddr

	// Book lists the nodes this router can reach.
	Book *addressbook.Book

	DialTimeout   time.Duration
	HelloTimeout  time.Duration
	ProbeInterval time.Duration

	Clock  clock.Clock
	Logger logging.Logger
}

// Router implements module.Router over TCP.
type Router struct {
	opts   Options
	logger logging.Logger

	mu        sync.Mutex
	handler   module.Handler
	listener  manet.Listener
	reachable map[uuid.UUID]bool
	cancel    context.CancelFunc
	group     *errgroup.Group
}

var _ module.Router = (*Router)(nil)

// New creates a Router. It does not listen until Start.
func New(opts Options) (*Router, error) {
	if opts.ID == uuid.Nil {
		return nil, errors.New("tcp: router id is required")
	}
	if opts.ListenAddr == nil {
		return nil, errors.New("tcp: listen address is required")
	}
	if opts.Book == nil {
		return nil, errors.New("tcp: address book is required")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = DefaultHelloTimeout
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Router{
		opts:      opts,
		logger:    logging.OrNop(opts.Logger),
		reachable: make(map[uuid.UUID]bool),
	}, nil
}

// Addr returns the address the router listens on. It is only valid after
// Start and resolves wildcard ports.
func (r *Router) Addr() multiaddr.Multiaddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Multiaddr()
}

// Start implements module.Router.
func (r *Router) Start(h module.Handler) error {
	if h == nil {
		return errors.New("tcp: nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener != nil {
		return errors.New("tcp: router already started")
	}

	l, err := manet.Listen(r.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("tcp: listen on %s: %w", r.opts.ListenAddr, err)
	}
	r.listener = l
	r.handler = h

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	r.group = g
	ticker := r.opts.Clock.Ticker(r.opts.ProbeInterval)

	g.Go(func() error { return r.acceptLoop(ctx, l) })
	g.Go(func() error {
		defer ticker.Stop()
		r.probeAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				r.probeAll(ctx)
			}
		}
	})

	r.logger.Info("tcp router listening", "addr", l.Multiaddr())
	return nil
}

// Stop implements module.Router.
func (r *Router) Stop() error {
	r.mu.Lock()
	l, g, cancel := r.listener, r.group, r.cancel
	r.listener, r.group, r.cancel, r.handler = nil, nil, nil, nil
	r.mu.Unlock()
	if l == nil {
		return nil
	}

	cancel()
	err := l.Close()
	return multierr.Append(err, g.Wait())
}

func (r *Router) currentHandler() module.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler
}

func (r *Router) acceptLoop(ctx context.Context, l manet.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("tcp: accept: %w", err)
		}
		go r.serve(conn)
	}
}

func (r *Router) serve(conn manet.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(r.opts.HelloTimeout))
	h, err := readHello(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		r.logger.Warn("dropping stream without valid hello", "remote", conn.RemoteMultiaddr(), "error", err)
		_ = conn.Close()
		return
	}
	if r.opts.Book.IsBlacklisted(h.source) {
		r.logger.Info("rejecting blacklisted peer", "peer_id", h.source)
		_ = conn.Close()
		return
	}

	// Unknown peers may probe and connect; only the book limits dialling.
	_ = r.opts.Book.UpdateLastSeen(h.source)
	if h.kind == helloProbe {
		_ = conn.Close()
		return
	}

	handler := r.currentHandler()
	if handler == nil {
		_ = conn.Close()
		return
	}
	handler.IncomingConnection(h.source, module.FromNetConn(conn))
}

func (r *Router) dial(ctx context.Context, id uuid.UUID, kind helloKind) (manet.Conn, error) {
	addrs := r.opts.Book.Addrs(id)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s has no address", module.ErrUnknownNode, id)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.DialTimeout)
	defer cancel()

	var errs error
	var d manet.Dialer
	for _, addr := range addrs {
		conn, err := d.DialContext(ctx, addr)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := writeHello(conn, hello{kind: kind, source: r.opts.ID, name: r.opts.Name}); err != nil {
			_ = conn.Close()
			errs = multierr.Append(errs, err)
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("tcp: dial %s: %w", id, errs)
}

// EstablishMulticastConnection implements module.Router. Exactly one
// destination is supported.
func (r *Router) EstablishMulticastConnection(ctx context.Context, destinations []uuid.UUID) (module.UnderlyingConnection, error) {
	if len(destinations) != 1 {
		return nil, module.ErrMulticastUnsupported
	}
	if r.currentHandler() == nil {
		return nil, module.ErrRouterStopped
	}
	conn, err := r.dial(ctx, destinations[0], helloStream)
	if err != nil {
		return nil, err
	}
	return module.FromNetConn(conn), nil
}

// probeAll checks every address book peer and reports reachability
// changes to the handler.
func (r *Router) probeAll(ctx context.Context) {
	peers := r.opts.Book.ListPeers()
	results := make([]bool, len(peers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i, p := range peers {
		if p.ID == r.opts.ID {
			continue
		}
		i, id := i, p.ID
		g.Go(func() error {
			conn, err := r.dial(gctx, id, helloProbe)
			if err == nil {
				_ = conn.Close()
				results[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return
	}

	handler := r.currentHandler()
	if handler == nil {
		return
	}
	for i, p := range peers {
		if p.ID == r.opts.ID {
			continue
		}
		r.mu.Lock()
		was := r.reachable[p.ID]
		r.reachable[p.ID] = results[i]
		r.mu.Unlock()

		switch {
		case results[i] && !was:
			handler.FoundNode(module.Node{ID: p.ID, Name: p.Name, Hops: 1})
		case !results[i] && was:
			handler.LostNode(p.ID)
		}
	}
}
