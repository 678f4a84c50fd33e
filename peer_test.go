package sendberry

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/sendberry/pkg/connection"
	"github.com/blockberries/sendberry/pkg/module"
	"github.com/blockberries/sendberry/pkg/module/memory"
	"github.com/blockberries/sendberry/pkg/packet"
)

const waitTimeout = 5 * time.Second

func newTestPeer(t *testing.T, n *memory.Network, name string, opts ...ConfigOption) (*LocalPeer, *memory.Router) {
	t.Helper()
	id := uuid.New()
	router := n.NewRouter(id, name)
	base := []ConfigOption{
		WithPeerID(id),
		WithName(name),
		WithReconnectBaseDelay(5 * time.Millisecond),
		WithReconnectMaxDelay(20 * time.Millisecond),
		WithAcceptorGracePeriod(2 * time.Second),
		WithMaxPacketLength(packet.DataHeaderOverhead + 1000),
	}
	p, err := New(NewConfig(router, append(base, opts...)...))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop() })
	return p, router
}

func do(t *testing.T, p *LocalPeer, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, p.Do(ctx, fn))
}

func eventually(t *testing.T, p *LocalPeer, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		var ok bool
		do(t, p, func() { ok = cond() })
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %s", msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitEvent(t *testing.T, p *LocalPeer, kind PeerEventKind) PeerEvent {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case e, ok := <-p.Events():
			require.True(t, ok, "events channel closed")
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

// connectTo connects from to the peer with id once it was discovered.
func connectTo(t *testing.T, from *LocalPeer, id uuid.UUID, onConnect func(*Connection)) *Connection {
	t.Helper()
	eventually(t, from, func() bool {
		_, ok := from.Peer(id)
		return ok
	}, "discovery")

	var conn *Connection
	var err error
	do(t, from, func() {
		rp, _ := from.Peer(id)
		conn, err = rp.Connect()
		if err == nil {
			conn.OnConnect(onConnect)
		}
	})
	require.NoError(t, err)
	return conn
}

func TestLocalPeer_Lifecycle(t *testing.T) {
	n := memory.NewNetwork()
	p, _ := newTestPeer(t, n, "a")

	assert.ErrorIs(t, p.Stop(), ErrNotStarted)
	require.NoError(t, p.Start())
	assert.ErrorIs(t, p.Start(), ErrAlreadyStarted)
	assert.True(t, p.IsHealthy())

	require.NoError(t, p.Stop())
	assert.False(t, p.IsHealthy())
	assert.ErrorIs(t, p.Start(), ErrStopped)
	assert.ErrorIs(t, p.Stop(), ErrStopped)

	_, open := <-p.Events()
	assert.False(t, open, "events channel should be closed")
}

func TestLocalPeer_ConnectValidation(t *testing.T) {
	n := memory.NewNetwork()
	p, _ := newTestPeer(t, n, "a")

	_, err := p.ConnectTo(uuid.New())
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, p.Start())

	other := uuid.New()
	tests := []struct {
		name string
		ids  []uuid.UUID
		want error
	}{
		{"empty", nil, ErrNoDestinations},
		{"self", []uuid.UUID{p.ID()}, ErrSelfDestination},
		{"duplicate", []uuid.UUID{other, other}, ErrDuplicateDestination},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			do(t, p, func() { _, err = p.ConnectTo(tt.ids...) })
			assert.ErrorIs(t, err, tt.want)

			var sErr *Error
			require.ErrorAs(t, err, &sErr)
			assert.Equal(t, ErrCodeInvalidDestinations, sErr.Code)
			assert.True(t, IsPermanent(err))
		})
	}

	var err2 error
	do(t, p, func() { _, err2 = p.Connect(nil) })
	assert.ErrorIs(t, err2, ErrNoDestinations)
}

func TestLocalPeer_Discovery(t *testing.T) {
	n := memory.NewNetwork()
	a, _ := newTestPeer(t, n, "a")
	b, _ := newTestPeer(t, n, "b")

	var discovered, removed []uuid.UUID
	a.OnPeerDiscovered(func(rp *RemotePeer) { discovered = append(discovered, rp.ID()) })
	a.OnPeerRemoved(func(rp *RemotePeer) { removed = append(removed, rp.ID()) })
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	n.Link(a.ID(), b.ID(), 2)
	e := waitEvent(t, a, EventPeerDiscovered)
	assert.Equal(t, b.ID(), e.PeerID)

	var name string
	var hops int
	do(t, a, func() {
		if rp, ok := a.Peer(b.ID()); ok {
			name, hops = rp.Name(), rp.Hops()
		}
	})
	assert.Equal(t, "b", name)
	assert.Equal(t, 2, hops)

	n.ImproveRoute(a.ID(), b.ID(), 1)
	eventually(t, a, func() bool {
		rp, ok := a.Peer(b.ID())
		return ok && rp.Hops() == 1
	}, "improved route")

	n.Unlink(a.ID(), b.ID())
	waitEvent(t, a, EventPeerRemoved)
	do(t, a, func() {
		assert.Equal(t, []uuid.UUID{b.ID()}, discovered)
		assert.Equal(t, []uuid.UUID{b.ID()}, removed)
		assert.Empty(t, a.Peers())
	})
}

func TestLocalPeer_SendReceive(t *testing.T) {
	n := memory.NewNetwork()
	a, _ := newTestPeer(t, n, "a")
	b, _ := newTestPeer(t, n, "b")
	n.Link(a.ID(), b.ID(), 1)

	var source uuid.UUID
	var received [][]byte
	b.OnConnection(func(remote *RemotePeer, c *Connection) {
		source = remote.ID()
		c.OnData(func(_ *Connection, data []byte) { received = append(received, data) })
	})
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	payload := bytes.Repeat([]byte("sendberry"), 20000)
	var out *OutTransfer
	conn := connectTo(t, a, b.ID(), func(c *Connection) { out = c.Send(payload) })

	eventually(t, b, func() bool { return len(received) == 1 }, "data received")
	assert.Equal(t, payload, received[0])
	do(t, b, func() { assert.Equal(t, a.ID(), source) })
	eventually(t, a, func() bool { return out != nil && out.IsCompleted() }, "sender completion")

	do(t, a, func() {
		stats := conn.Stats()
		assert.Equal(t, uint64(1), stats.TransfersCompleted)
		assert.GreaterOrEqual(t, stats.BytesSent, uint64(len(payload)))
		assert.Len(t, a.Connections(), 1)
		if rp, ok := a.Peer(b.ID()); assert.True(t, ok) {
			assert.Len(t, rp.Connections(), 1)
		}
	})
}

func TestLocalPeer_ResumesAfterSever(t *testing.T) {
	n := memory.NewNetwork()
	a, routerA := newTestPeer(t, n, "a")
	b, _ := newTestPeer(t, n, "b")
	n.Link(a.ID(), b.ID(), 1)

	payload := make([]byte, 300000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	var buf []byte
	var severed, completed bool
	b.OnConnection(func(_ *RemotePeer, c *Connection) {
		c.OnTransfer(func(_ *Connection, in *InTransfer) {
			in.OnPartialData(func(_ *InTransfer, chunk []byte) {
				buf = append(buf, chunk...)
				if !severed && len(buf) > len(payload)/3 {
					severed = true
					routerA.Sever()
				}
			})
			in.OnComplete(func(Transfer) { completed = true })
		})
	})
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	var connects int
	conn := connectTo(t, a, b.ID(), func(c *Connection) {
		connects++
		c.Send(payload)
	})

	eventually(t, b, func() bool { return completed }, "transfer completed after resume")
	assert.Equal(t, payload, buf)
	assert.GreaterOrEqual(t, routerA.Established(), 2)
	do(t, a, func() {
		assert.Equal(t, 1, connects, "OnConnect fires once per connected period")
		assert.GreaterOrEqual(t, conn.Stats().Reconnects, uint64(1))
	})
}

func TestLocalPeer_ReconnectExhausted(t *testing.T) {
	n := memory.NewNetwork()
	a, routerA := newTestPeer(t, n, "a", WithReconnectMaxAttempts(3))
	b, _ := newTestPeer(t, n, "b", WithAcceptorGracePeriod(50*time.Millisecond))
	n.Link(a.ID(), b.ID(), 1)

	var acceptorErr *ConnectionError
	b.OnConnection(func(_ *RemotePeer, c *Connection) {
		c.OnError(func(_ *Connection, err *ConnectionError) { acceptorErr = err })
	})
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	var connected bool
	var establisherErr *ConnectionError
	conn := connectTo(t, a, b.ID(), func(*Connection) { connected = true })
	do(t, a, func() {
		conn.OnError(func(_ *Connection, err *ConnectionError) { establisherErr = err })
	})
	eventually(t, a, func() bool { return connected }, "connected")

	n.Unlink(a.ID(), b.ID())
	routerA.Sever()

	eventually(t, a, func() bool { return establisherErr != nil }, "establisher error")
	assert.Equal(t, connection.ErrCodeReconnectFailed, establisherErr.Code)
	assert.True(t, IsRetriable(establisherErr))
	do(t, a, func() {
		assert.False(t, conn.IsConnected())
		assert.Empty(t, a.Connections(), "released after giving up")
	})

	eventually(t, b, func() bool { return acceptorErr != nil }, "acceptor grace expiry")
	assert.Equal(t, connection.ErrCodeTransportLost, acceptorErr.Code)
	do(t, b, func() { assert.Empty(t, b.Connections()) })
}

func TestLocalPeer_Close(t *testing.T) {
	n := memory.NewNetwork()
	a, _ := newTestPeer(t, n, "a")
	b, _ := newTestPeer(t, n, "b")
	n.Link(a.ID(), b.ID(), 1)

	var remoteClosed bool
	b.OnConnection(func(_ *RemotePeer, c *Connection) {
		c.OnClose(func(*Connection) { remoteClosed = true })
	})
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	var localClosed bool
	conn := connectTo(t, a, b.ID(), func(c *Connection) {
		c.OnClose(func(*Connection) { localClosed = true })
		c.Close()
	})

	eventually(t, b, func() bool { return remoteClosed }, "remote close")
	eventually(t, a, func() bool { return localClosed }, "local close")
	e := waitEvent(t, a, EventConnectionClosed)
	assert.Equal(t, conn.ID(), e.ConnectionID)
	do(t, a, func() { assert.Empty(t, a.Connections()) })
	do(t, b, func() { assert.Empty(t, b.Connections()) })
}

func TestLocalPeer_Multicast(t *testing.T) {
	n := memory.NewNetwork()
	a, _ := newTestPeer(t, n, "a")
	b, _ := newTestPeer(t, n, "b")
	c, _ := newTestPeer(t, n, "c")
	n.Link(a.ID(), b.ID(), 1)
	n.Link(a.ID(), c.ID(), 1)

	payload := bytes.Repeat([]byte{0xab, 0xcd}, 5000)
	receivers := map[*LocalPeer]*[]byte{b: new([]byte), c: new([]byte)}
	for p, got := range receivers {
		got := got
		p.OnConnection(func(_ *RemotePeer, conn *Connection) {
			conn.OnData(func(_ *Connection, data []byte) { *got = data })
		})
		require.NoError(t, p.Start())
	}
	require.NoError(t, a.Start())

	eventually(t, a, func() bool { return len(a.Peers()) == 2 }, "discovery")
	var out *OutTransfer
	var err error
	do(t, a, func() {
		var conn *Connection
		conn, err = a.Connect(a.Peers()...)
		if err == nil {
			conn.OnConnect(func(conn *Connection) { out = conn.Send(payload) })
		}
	})
	require.NoError(t, err)

	for p, got := range receivers {
		eventually(t, p, func() bool { return len(*got) > 0 }, "multicast delivery")
		assert.Equal(t, payload, *got)
	}
	eventually(t, a, func() bool { return out != nil && out.IsCompleted() }, "acknowledged by all")
}

func TestLocalPeer_UpgradeOnImprovedRoute(t *testing.T) {
	n := memory.NewNetwork()
	a, routerA := newTestPeer(t, n, "a")
	b, _ := newTestPeer(t, n, "b")
	n.Link(a.ID(), b.ID(), 3)

	var accepted int
	var received []byte
	b.OnConnection(func(_ *RemotePeer, c *Connection) {
		accepted++
		c.OnData(func(_ *Connection, data []byte) { received = data })
	})
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	var connected bool
	conn := connectTo(t, a, b.ID(), func(*Connection) { connected = true })
	eventually(t, a, func() bool { return connected }, "connected")

	n.ImproveRoute(a.ID(), b.ID(), 1)
	require.Eventually(t, func() bool { return routerA.Established() == 2 }, waitTimeout, time.Millisecond)

	payload := []byte("after upgrade")
	do(t, a, func() { conn.Send(payload) })
	eventually(t, b, func() bool { return received != nil }, "data over upgraded route")
	assert.Equal(t, payload, received)
	do(t, b, func() {
		assert.Equal(t, 1, accepted, "upgrade reuses the accepted connection")
		assert.Len(t, b.Connections(), 1)
	})
}

func TestLocalPeer_RejectsBadHandshakes(t *testing.T) {
	tests := []struct {
		name  string
		send  func(module.UnderlyingConnection)
		code  ErrorCode
		cause error
	}{
		{
			name:  "garbage",
			send:  func(c module.UnderlyingConnection) { _, _ = c.Write([]byte("garbage bytes")) },
			code:  ErrCodeHandshakeFailed,
			cause: packet.ErrFrameTooLarge,
		},
		{
			name:  "wrong packet",
			send:  func(c module.UnderlyingConnection) { _ = packet.WritePacket(c, packet.Close{}) },
			code:  ErrCodeHandshakeFailed,
			cause: ErrUnexpectedPacket,
		},
		{
			name: "incompatible version",
			send: func(c module.UnderlyingConnection) {
				_ = packet.WritePacket(c, packet.Handshake{
					ConnectionID: uuid.New(),
					Version:      packet.Version{Major: ProtocolVersionMajor + 1},
				})
			},
			code:  ErrCodeVersionMismatch,
			cause: ErrVersionMismatch,
		},
		{
			name:  "silence",
			send:  func(module.UnderlyingConnection) {},
			code:  ErrCodeHandshakeTimeout,
			cause: ErrHandshakeTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := memory.NewNetwork()
			p, _ := newTestPeer(t, n, "b", WithHandshakeTimeout(50*time.Millisecond))

			var accepted, discovered bool
			p.OnConnection(func(*RemotePeer, *Connection) { accepted = true })
			p.OnPeerDiscovered(func(*RemotePeer) { discovered = true })
			require.NoError(t, p.Start())

			local, remote := module.Pipe()
			defer local.Close()
			source := uuid.New()
			routerEvents{p: p}.IncomingConnection(source, remote)
			go tt.send(local)

			e := waitEvent(t, p, EventHandshakeFailed)
			assert.Equal(t, source, e.PeerID)
			var sErr *Error
			require.ErrorAs(t, e.Error, &sErr)
			assert.Equal(t, tt.code, sErr.Code)
			assert.ErrorIs(t, e.Error, tt.cause)

			do(t, p, func() {
				assert.False(t, accepted)
				assert.False(t, discovered)
				assert.Empty(t, p.Connections())
			})
		})
	}
}

func TestLocalPeer_RejectsOwnConnectionID(t *testing.T) {
	n := memory.NewNetwork()
	a, _ := newTestPeer(t, n, "a")
	b, _ := newTestPeer(t, n, "b")
	n.Link(a.ID(), b.ID(), 1)
	b.OnConnection(func(*RemotePeer, *Connection) {})
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	var connected bool
	conn := connectTo(t, a, b.ID(), func(*Connection) { connected = true })
	eventually(t, a, func() bool { return connected }, "connected")

	local, remote := module.Pipe()
	defer local.Close()
	routerEvents{p: a}.IncomingConnection(b.ID(), remote)
	go func() {
		_ = packet.WritePacket(local, packet.Handshake{ConnectionID: conn.ID(), Version: CurrentVersion().wire()})
	}()

	e := waitEvent(t, a, EventHandshakeFailed)
	assert.True(t, errors.Is(e.Error, ErrUnknownConnection))
	do(t, a, func() { assert.True(t, conn.IsConnected()) })
}

func TestLocalPeer_StopShutsDownConnections(t *testing.T) {
	n := memory.NewNetwork()
	a, _ := newTestPeer(t, n, "a")
	b, _ := newTestPeer(t, n, "b", WithAcceptorGracePeriod(50*time.Millisecond))
	n.Link(a.ID(), b.ID(), 1)

	var lost bool
	b.OnConnection(func(_ *RemotePeer, c *Connection) {
		c.OnError(func(*Connection, *ConnectionError) { lost = true })
	})
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	var connected bool
	connectTo(t, a, b.ID(), func(*Connection) { connected = true })
	eventually(t, a, func() bool { return connected }, "connected")

	require.NoError(t, a.Stop())
	eventually(t, b, func() bool { return lost }, "acceptor notices the lost transport")
}
