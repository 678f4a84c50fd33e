package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/blockberries/sendberry"
	"github.com/blockberries/sendberry/pkg/transfer"
)

var sendTo string

var sendCmd = &cobra.Command{
	Use:   "send --to PEER_ID FILE",
	Short: "send a file to a peer",
	Long: `send connects to a peer from the address book and streams a file to it.
The transfer survives transport loss and resumes after reconnection.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		to, err := uuid.Parse(sendTo)
		if err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}

		n, err := startNode(cfg)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, n.close()) }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		bar := progressbar.DefaultBytes(info.Size(), "sending "+info.Name())
		return sendFile(ctx, n.peer, to, uint64(info.Size()), transfer.ReaderAtProvider(f), func(sent uint64) {
			_ = bar.Set64(int64(sent))
		})
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "destination peer id")
	_ = sendCmd.MarkFlagRequired("to")
}

// stopGrace bounds closing the connection after the transfer ended.
const stopGrace = 5 * time.Second

// errTransferCancelled is returned when the receiver cancels the transfer.
var errTransferCancelled = errors.New("transfer cancelled")

// sendFile opens a connection to the destination, streams length bytes
// from provider once it connects, and waits for the transfer to end. The
// progress callback runs on the peer executor.
func sendFile(ctx context.Context, p *sendberry.LocalPeer, to uuid.UUID, length uint64, provider sendberry.DataProvider, progress func(uint64)) error {
	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	var conn *sendberry.Connection
	var connectErr error
	if err := p.Do(ctx, func() {
		conn, connectErr = p.ConnectTo(to)
		if connectErr != nil {
			return
		}
		conn.OnError(func(_ *sendberry.Connection, err *sendberry.ConnectionError) {
			finish(err)
		})
		started := false
		conn.OnConnect(func(c *sendberry.Connection) {
			if started {
				return
			}
			started = true
			t := c.SendStream(length, provider)
			t.OnProgress(func(t sendberry.Transfer) { progress(t.Progress()) })
			t.OnComplete(func(t sendberry.Transfer) {
				progress(t.Progress())
				finish(nil)
			})
			t.OnCancel(func(sendberry.Transfer) { finish(errTransferCancelled) })
		})
	}); err != nil {
		return err
	}
	if connectErr != nil {
		return connectErr
	}

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	return multierr.Append(err, p.Do(closeCtx, conn.Close))
}
