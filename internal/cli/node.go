package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/blockberries/sendberry"
	"github.com/blockberries/sendberry/pkg/addressbook"
	"github.com/blockberries/sendberry/pkg/module/tcp"
	prommetrics "github.com/blockberries/sendberry/prometheus"
	"github.com/blockberries/sendberry/zaplog"
)

// node bundles a running local peer with the resources backing it.
type node struct {
	cfg    NodeConfig
	logger *zaplog.Logger
	book   *addressbook.Book
	router *tcp.Router
	peer   *sendberry.LocalPeer
	server *http.Server
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	zcfg.Encoding = "console"
	return zcfg.Build()
}

// startNode opens the address book, starts the TCP router and the local
// peer, and serves metrics when configured.
func startNode(cfg NodeConfig) (n *node, err error) {
	zl, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	n = &node{cfg: cfg, logger: zaplog.New(zl)}
	defer func() {
		if err != nil {
			err = multierr.Append(err, n.close())
		}
	}()

	n.book, err = addressbook.New(cfg.AddressBook)
	if err != nil {
		return nil, err
	}

	listen, err := multiaddr.NewMultiaddr(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address: %w", err)
	}
	n.router, err = tcp.New(tcp.Options{
		ID:         cfg.ID,
		Name:       cfg.Name,
		ListenAddr: listen,
		Book:       n.book,
		Logger:     n.logger.Named("tcp"),
	})
	if err != nil {
		return nil, err
	}

	opts := []sendberry.ConfigOption{
		sendberry.WithPeerID(cfg.ID),
		sendberry.WithName(cfg.Name),
		sendberry.WithLogger(n.logger.Named("peer")),
	}
	if cfg.HandshakeTimeout > 0 {
		opts = append(opts, sendberry.WithHandshakeTimeout(cfg.HandshakeTimeout))
	}
	if r := cfg.Reconnect; r.BaseDelay > 0 {
		opts = append(opts, sendberry.WithReconnectBaseDelay(r.BaseDelay))
	}
	if r := cfg.Reconnect; r.MaxDelay > 0 {
		opts = append(opts, sendberry.WithReconnectMaxDelay(r.MaxDelay))
	}
	if r := cfg.Reconnect; r.MaxAttempts > 0 {
		opts = append(opts, sendberry.WithReconnectMaxAttempts(r.MaxAttempts))
	}
	if r := cfg.Reconnect; r.GracePeriod > 0 {
		opts = append(opts, sendberry.WithAcceptorGracePeriod(r.GracePeriod))
	}
	if cfg.MetricsAddr != "" {
		opts = append(opts, sendberry.WithMetrics(prommetrics.NewMetrics(prommetrics.DefaultNamespace)))
	}

	n.peer, err = sendberry.New(sendberry.NewConfig(n.router, opts...))
	if err != nil {
		return nil, err
	}
	if err = n.peer.Start(); err != nil {
		n.peer = nil
		return nil, err
	}
	n.logger.Info("peer started", "peer_id", cfg.ID, "addr", n.router.Addr())

	if cfg.MetricsAddr != "" {
		n.serveMetrics()
	}
	return n, nil
}

func (n *node) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health", sendberry.HealthHandler(n.peer))
	mux.Handle("/live", sendberry.LivenessHandler(n.peer))

	n.server = &http.Server{
		Addr:              n.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := n.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("metrics server failed", "addr", n.cfg.MetricsAddr, "error", err)
		}
	}()
	n.logger.Info("serving metrics", "addr", n.cfg.MetricsAddr)
}

// close stops everything startNode started, in reverse order.
func (n *node) close() error {
	var errs error
	if n.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = multierr.Append(errs, n.server.Shutdown(ctx))
		cancel()
	}
	if n.peer != nil {
		errs = multierr.Append(errs, n.peer.Stop())
	} else if n.router != nil {
		// The peer owns the router once started.
		errs = multierr.Append(errs, n.router.Stop())
	}
	if n.book != nil {
		errs = multierr.Append(errs, n.book.Close())
	}
	_ = n.logger.Sync()
	return errs
}
