package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/blockberries/sendberry"
	"github.com/blockberries/sendberry/pkg/transfer"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "accept connections and save received transfers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}

		n, err := startNode(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		r := &receiver{dir: cfg.OutputDir, logger: n.logger}
		if err := n.peer.Do(ctx, func() {
			n.peer.OnConnection(func(remote *sendberry.RemotePeer, c *sendberry.Connection) {
				n.logger.Info("incoming connection", "peer_id", remote.ID(), "connection_id", c.ID())
				c.OnTransfer(r.accept)
			})
		}); err != nil {
			return multierr.Append(err, n.close())
		}

		go logEvents(ctx, n)

		<-ctx.Done()
		n.logger.Info("shutting down")
		return n.close()
	},
}

// receiver streams incoming transfers into files named after the
// transfer id.
type receiver struct {
	dir    string
	logger sendberry.Logger
}

// accept runs on the peer executor.
func (r *receiver) accept(c *sendberry.Connection, t *transfer.InTransfer) {
	path := filepath.Join(r.dir, t.ID().String())
	f, err := os.Create(path)
	if err != nil {
		r.logger.Error("create output file", "path", path, "error", err)
		t.Cancel()
		return
	}
	r.logger.Info("receiving", "transfer_id", t.ID(), "bytes", t.Length(), "path", path)

	failed := false
	t.OnPartialData(func(t *transfer.InTransfer, data []byte) {
		if failed {
			return
		}
		if _, err := f.Write(data); err != nil {
			failed = true
			r.logger.Error("write output file", "path", path, "error", err)
			t.Cancel()
		}
	})
	t.OnComplete(func(transfer.Transfer) {
		if err := f.Close(); err != nil {
			r.logger.Error("close output file", "path", path, "error", err)
			return
		}
		r.logger.Info("received", "transfer_id", t.ID(), "path", path)
	})
	t.OnCancel(func(transfer.Transfer) {
		_ = f.Close()
		_ = os.Remove(path)
		r.logger.Warn("transfer cancelled", "transfer_id", t.ID())
	})
}

func logEvents(ctx context.Context, n *node) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-n.peer.Events():
			if !ok {
				return
			}
			if e.IsError() {
				n.logger.Warn("peer event", "kind", e.Kind.String(), "peer_id", e.PeerID, "error", e.Error)
				continue
			}
			n.logger.Debug("peer event", "kind", e.Kind.String(), "peer_id", e.PeerID, "connection_id", e.ConnectionID)
		}
	}
}
