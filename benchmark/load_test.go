package benchmark

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/multiformats/go-multiaddr"

	"github.com/blockberries/sendberry"
	"github.com/blockberries/sendberry/pkg/addressbook"
	"github.com/blockberries/sendberry/pkg/module/memory"
	"github.com/blockberries/sendberry/pkg/transfer"
)

// Load Testing
// These benchmarks measure the peer lifecycle and transfer throughput over
// the in-memory router.

func newBenchPeer(b *testing.B, n *memory.Network, name string) *sendberry.LocalPeer {
	b.Helper()
	id := uuid.New()
	p, err := sendberry.New(sendberry.NewConfig(n.NewRouter(id, name),
		sendberry.WithPeerID(id),
		sendberry.WithName(name),
	))
	if err != nil {
		b.Fatalf("failed to create peer: %v", err)
	}
	return p
}

func BenchmarkPeerStartStop(b *testing.B) {
	n := memory.NewNetwork()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := newBenchPeer(b, n, "bench")
		if err := p.Start(); err != nil {
			b.Fatalf("start: %v", err)
		}
		if err := p.Stop(); err != nil {
			b.Fatalf("stop: %v", err)
		}
	}
}

func BenchmarkTransfer_4KB(b *testing.B)  { benchmarkTransfer(b, 4<<10) }
func BenchmarkTransfer_64KB(b *testing.B) { benchmarkTransfer(b, 64<<10) }
func BenchmarkTransfer_1MB(b *testing.B)  { benchmarkTransfer(b, 1<<20) }

// benchmarkTransfer sends size bytes per iteration over one established
// connection and waits for the receiver to complete each transfer.
func benchmarkTransfer(b *testing.B, size int) {
	n := memory.NewNetwork()
	sender := newBenchPeer(b, n, "sender")
	receiver := newBenchPeer(b, n, "receiver")
	n.Link(sender.ID(), receiver.ID(), 1)
	for _, p := range []*sendberry.LocalPeer{sender, receiver} {
		if err := p.Start(); err != nil {
			b.Fatalf("start: %v", err)
		}
		defer p.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	received := make(chan struct{}, 1)
	_ = receiver.Do(ctx, func() {
		receiver.OnConnection(func(_ *sendberry.RemotePeer, c *sendberry.Connection) {
			c.OnTransfer(func(_ *sendberry.Connection, t *transfer.InTransfer) {
				t.OnPartialData(func(*transfer.InTransfer, []byte) {})
				t.OnComplete(func(transfer.Transfer) { received <- struct{}{} })
			})
		})
	})

	connected := make(chan struct{})
	var conn *sendberry.Connection
	if err := sender.Do(ctx, func() {
		var err error
		conn, err = sender.ConnectTo(receiver.ID())
		if err != nil {
			b.Errorf("connect: %v", err)
			close(connected)
			return
		}
		conn.OnConnect(func(*sendberry.Connection) { close(connected) })
	}); err != nil {
		b.Fatalf("do: %v", err)
	}
	<-connected
	if conn == nil {
		b.FailNow()
	}

	payload := bytes.Repeat([]byte{0xab}, size)
	b.SetBytes(int64(size))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sender.Post(func() { conn.SendStream(uint64(size), transfer.BytesProvider(payload)) })
		select {
		case <-received:
		case <-ctx.Done():
			b.Fatal("transfer did not complete")
		}
	}
}

func BenchmarkReadinessChecks(b *testing.B) {
	p := newBenchPeer(b, memory.NewNetwork(), "bench")
	if err := p.Start(); err != nil {
		b.Fatalf("start: %v", err)
	}
	defer p.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = p.ReadinessChecks()
	}
}

func BenchmarkAddressBook_Add(b *testing.B) {
	book, err := addressbook.New(filepath.Join(b.TempDir(), "peers.json"))
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	defer book.Close()
	addr := multiaddr.StringCast("/ip4/127.0.0.1/tcp/7700")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := book.AddPeer(uuid.New(), fmt.Sprintf("peer-%d", i), []multiaddr.Multiaddr{addr}, nil); err != nil {
			b.Fatalf("add: %v", err)
		}
	}
}

func BenchmarkAddressBook_List(b *testing.B) {
	book, err := addressbook.New(filepath.Join(b.TempDir(), "peers.json"))
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	defer book.Close()
	addr := multiaddr.StringCast("/ip4/127.0.0.1/tcp/7700")
	for i := 0; i < 500; i++ {
		_ = book.AddPeer(uuid.New(), "", []multiaddr.Multiaddr{addr}, nil)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = book.ListPeers()
	}
}
