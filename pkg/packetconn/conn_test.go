package packetconn

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/blockberries/sendberry/internal/serial"
	"github.com/blockberries/sendberry/pkg/module"
	"github.com/blockberries/sendberry/pkg/packet"
)

type recordingHandler struct {
	packets chan packet.Packet
	lost    chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		packets: make(chan packet.Packet, 64),
		lost:    make(chan error, 4),
	}
}

func (h *recordingHandler) HandlePacket(p packet.Packet) { h.packets <- p }
func (h *recordingHandler) HandleTransportLost(err error) { h.lost <- err }

// sliceSource hands out a fixed list of packets.
type sliceSource struct {
	packets []packet.Packet
}

func (s *sliceSource) HasPending() bool { return len(s.packets) > 0 }

func (s *sliceSource) NextPacket() (packet.Packet, bool) {
	if len(s.packets) == 0 {
		return nil, false
	}
	p := s.packets[0]
	s.packets = s.packets[1:]
	return p, true
}

type fixture struct {
	q *serial.Queue
	c *Conn
	h *recordingHandler
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	q := serial.NewQueue()
	q.Start()
	t.Cleanup(q.Close)

	f := &fixture{q: q, h: newRecordingHandler()}
	f.c = New(uuid.New(), []uuid.UUID{uuid.New()}, q, opts)
	f.c.SetHandler(f.h)
	return f
}

func (f *fixture) do(t *testing.T, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.q.Do(ctx, fn); err != nil {
		t.Fatalf("executor: %v", err)
	}
}

// attach swaps a fresh pipe into the Conn and returns the remote end.
func (f *fixture) attach(t *testing.T) net.Conn {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { _ = remote.Close() })
	f.do(t, func() {
		if err := f.c.Swap(module.FromNetConn(local)); err != nil {
			t.Errorf("Swap: %v", err)
		}
	})
	return remote
}

func readN(t *testing.T, remote net.Conn, n int) []packet.Packet {
	t.Helper()
	_ = remote.SetReadDeadline(time.Now().Add(5 * time.Second))
	r := packet.NewReader(remote, 0)
	var out []packet.Packet
	for range n {
		p, err := r.ReadPacket()
		if err != nil {
			t.Fatalf("read packet %d: %v", len(out), err)
		}
		out = append(out, p)
	}
	return out
}

func ack(n uint64) packet.Packet {
	return packet.TransferAck{TransferID: uuid.Nil, Received: n}
}

func TestConn_QueuesControlUntilAttached(t *testing.T) {
	f := newFixture(t, Options{})

	f.do(t, func() {
		f.c.SendControl(ack(1))
		f.c.SendControl(ack(2))
		if f.c.IsConnected() {
			t.Error("connected without a transport")
		}
	})
	remote := f.attach(t)

	got := readN(t, remote, 2)
	if got[0] != ack(1) || got[1] != ack(2) {
		t.Fatalf("got %v", got)
	}
}

func TestConn_ControlBeforeData(t *testing.T) {
	f := newFixture(t, Options{})
	id := uuid.New()
	src := &sliceSource{packets: []packet.Packet{
		packet.TransferData{TransferID: id, Payload: []byte("a")},
		packet.TransferData{TransferID: id, Offset: 1, Payload: []byte("b")},
	}}
	f.do(t, func() {
		f.c.SetSource(src)
		f.c.SendControl(ack(7))
	})
	remote := f.attach(t)

	got := readN(t, remote, 3)
	if got[0] != ack(7) {
		t.Fatalf("first packet = %v, want the control packet", got[0])
	}
	if string(got[2].(packet.TransferData).Payload) != "b" {
		t.Fatalf("data out of order: %v", got)
	}
}

func TestConn_WindowPacesData(t *testing.T) {
	f := newFixture(t, Options{HighWatermark: 2, LowWatermark: 1})
	src := &sliceSource{}
	for i := range 50 {
		src.packets = append(src.packets, packet.TransferData{TransferID: uuid.Nil, Offset: uint64(i), Payload: []byte{byte(i)}})
	}
	f.do(t, func() { f.c.SetSource(src) })
	remote := f.attach(t)

	got := readN(t, remote, 50)
	for i, p := range got {
		if p.(packet.TransferData).Offset != uint64(i) {
			t.Fatalf("packet %d has offset %d", i, p.(packet.TransferData).Offset)
		}
	}

	var counters Counters
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.do(t, func() { counters = f.c.Counters() })
		if counters.PacketsSent == 50 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if counters.PacketsSent != 50 {
		t.Fatalf("packets sent = %d, want 50", counters.PacketsSent)
	}
}

func TestConn_DeliversIncomingPackets(t *testing.T) {
	f := newFixture(t, Options{})
	remote := f.attach(t)

	go func() {
		_ = packet.WritePacket(remote, ack(1))
		_ = packet.WritePacket(remote, packet.Close{})
	}()

	for _, want := range []packet.Packet{ack(1), packet.Close{}} {
		select {
		case got := <-f.h.packets:
			if got != want {
				t.Fatalf("got %v, want %v", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("packet not delivered")
		}
	}
}

func TestConn_TransportLost(t *testing.T) {
	f := newFixture(t, Options{})
	remote := f.attach(t)
	_ = remote.Close()

	select {
	case err := <-f.h.lost:
		if err == nil {
			t.Fatal("expected a cause")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("transport loss not reported")
	}
	f.do(t, func() {
		if f.c.IsConnected() {
			t.Error("still connected after loss")
		}
		if f.c.IsClosed() {
			t.Error("transport loss must not close the connection")
		}
	})
}

func TestConn_SwapKeepsQueuedControl(t *testing.T) {
	f := newFixture(t, Options{})
	f.attach(t) // never read, so the writer blocks on the first packet

	f.do(t, func() {
		for i := uint64(1); i <= 3; i++ {
			f.c.SendControl(ack(i))
		}
	})

	remote := f.attach(t)
	select {
	case <-f.h.lost:
		t.Fatal("swap reported a transport loss")
	default:
	}

	// The first packet may have been in the middle of a write on the old
	// transport; the others must all arrive, in order.
	var got []packet.Packet
	_ = remote.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	r := packet.NewReader(remote, 0)
	for {
		p, err := r.ReadPacket()
		if err != nil {
			break
		}
		got = append(got, p)
	}
	if len(got) < 2 || got[len(got)-2] != ack(2) || got[len(got)-1] != ack(3) {
		t.Fatalf("got %v, want a suffix of [1 2 3] ending in 2 3", got)
	}
}

func TestConn_CloseGracefully(t *testing.T) {
	f := newFixture(t, Options{})
	remote := f.attach(t)

	done := make(chan error, 1)
	f.do(t, func() {
		f.c.SendControl(ack(1))
		f.c.CloseGracefully(func(err error) { done <- err })
	})

	got := readN(t, remote, 2)
	if got[1] != (packet.Close{}) {
		t.Fatalf("last packet = %v, want Close", got[1])
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("graceful close did not finish")
	}
	f.do(t, func() {
		if !f.c.IsClosed() {
			t.Error("not closed")
		}
	})
	select {
	case <-f.h.lost:
		t.Fatal("graceful close reported as transport loss")
	default:
	}
}

func TestConn_CloseWithoutTransport(t *testing.T) {
	f := newFixture(t, Options{})
	var closeErr error
	called := false
	f.do(t, func() {
		f.c.CloseGracefully(func(err error) { called, closeErr = true, err })
	})
	if !called || closeErr != nil {
		t.Fatalf("called = %v, err = %v", called, closeErr)
	}

	local, remote := net.Pipe()
	defer remote.Close()
	f.do(t, func() {
		if err := f.c.Swap(module.FromNetConn(local)); !errors.Is(err, ErrClosed) {
			t.Errorf("Swap after close err = %v, want ErrClosed", err)
		}
	})
}
