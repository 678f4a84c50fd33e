package packetconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/blockberries/sendberry/pkg/module"
	"github.com/blockberries/sendberry/pkg/packet"
)

// link is one raw transport attached to a Conn. It runs a read goroutine
// and a write goroutine; both report back through the Conn's executor.
//
// The out channel is sized to the send window, so the executor never
// blocks when queueing a packet the window admitted.
type link struct {
	conn      *Conn
	transport module.UnderlyingConnection
	out       chan packet.Packet

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newLink(c *Conn, transport module.UnderlyingConnection, window int) *link {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{
		conn:      c,
		transport: transport,
		out:       make(chan packet.Packet, window),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (l *link) start(maxFrameSize int) {
	go l.readLoop(maxFrameSize)
	go l.writeLoop()
}

// enqueue hands p to the write goroutine without blocking.
func (l *link) enqueue(p packet.Packet) bool {
	select {
	case l.out <- p:
		return true
	default:
		return false
	}
}

func (l *link) readLoop(maxFrameSize int) {
	r := packet.NewReader(l.transport, maxFrameSize)
	for {
		p, err := r.ReadPacket()
		if err != nil {
			if l.ctx.Err() == nil {
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				l.conn.exec.Post(func() { l.conn.linkFailed(l, fmt.Errorf("read: %w", err)) })
			}
			return
		}
		size := packet.FrameSize(p)
		l.conn.exec.Post(func() { l.conn.received(l, p, size) })
	}
}

func (l *link) writeLoop() {
	for {
		select {
		case <-l.ctx.Done():
			return
		case p := <-l.out:
			err := packet.WritePacket(l.transport, p)
			if err != nil && l.ctx.Err() != nil {
				return
			}
			size := packet.FrameSize(p)
			l.conn.exec.Post(func() { l.conn.written(l, p, size, err) })
			if err != nil {
				return
			}
		}
	}
}

// drainControl returns the control packets still queued, in order. Data
// packets are discarded; transfers resume them from the receivers'
// reported progress.
func (l *link) drainControl() []packet.Packet {
	var kept []packet.Packet
	for {
		select {
		case p := <-l.out:
			if _, isData := p.(packet.TransferData); !isData {
				kept = append(kept, p)
			}
		default:
			return kept
		}
	}
}

// stop detaches the link: the goroutines exit and the transport closes.
func (l *link) stop() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		err = l.transport.Close()
	})
	return err
}
