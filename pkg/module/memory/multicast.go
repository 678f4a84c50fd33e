package memory

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/blockberries/sendberry/pkg/packet"
)

// multicast is one stream to several nodes. Writes reach every node.
// Reads deliver whole frames from any node, so packets of different
// senders never interleave.
type multicast struct {
	streams []net.Conn

	pr *io.PipeReader
	pw *io.PipeWriter

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func newMulticast(streams []net.Conn) *multicast {
	pr, pw := io.Pipe()
	m := &multicast{streams: streams, pr: pr, pw: pw}
	for _, s := range streams {
		go m.forward(s)
	}
	return m
}

func (m *multicast) forward(s net.Conn) {
	r := packet.NewReader(s, packet.MaxFrameSize)
	for {
		p, err := r.ReadPacket()
		if err != nil {
			m.fail(err)
			return
		}
		m.writeMu.Lock()
		err = packet.WritePacket(m.pw, p)
		m.writeMu.Unlock()
		if err != nil {
			m.fail(err)
			return
		}
	}
}

// fail ends the stream for every member once any branch fails.
func (m *multicast) fail(err error) {
	if err == nil {
		err = io.EOF
	}
	m.closed.Store(true)
	_ = m.pw.CloseWithError(err)
	for _, s := range m.streams {
		_ = s.Close()
	}
}

func (m *multicast) Read(p []byte) (int, error) {
	return m.pr.Read(p)
}

func (m *multicast) Write(p []byte) (int, error) {
	if m.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	for _, s := range m.streams {
		if _, err := s.Write(p); err != nil {
			m.fail(err)
			return 0, err
		}
	}
	return len(p), nil
}

func (m *multicast) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		err = m.pw.Close()
		for _, s := range m.streams {
			err = multierr.Append(err, s.Close())
		}
	})
	return err
}

func (m *multicast) IsConnected() bool {
	return !m.closed.Load()
}
