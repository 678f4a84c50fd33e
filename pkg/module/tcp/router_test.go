package tcp

import (
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/sendberry/pkg/addressbook"
	"github.com/blockberries/sendberry/pkg/module"
)

type recorder struct {
	mu       sync.Mutex
	found    []module.Node
	lost     []uuid.UUID
	incoming chan incoming
}

type incoming struct {
	source uuid.UUID
	conn   module.UnderlyingConnection
}

func newRecorder() *recorder { return &recorder{incoming: make(chan incoming, 4)} }

func (r *recorder) FoundNode(n module.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.found = append(r.found, n)
}

func (r *recorder) LostNode(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost = append(r.lost, id)
}

func (r *recorder) ImprovedRoute(module.Node) {}

func (r *recorder) IncomingConnection(source uuid.UUID, c module.UnderlyingConnection) {
	r.incoming <- incoming{source, c}
}

func (r *recorder) foundCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.found)
}

type node struct {
	id     uuid.UUID
	book   *addressbook.Book
	router *Router
	events *recorder
}

func startNode(t *testing.T, name string) *node {
	t.Helper()
	return startNodeWith(t, name, func(*Options) {})
}

func startNodeWith(t *testing.T, name string, configure func(*Options)) *node {
	t.Helper()
	book, err := addressbook.New(filepath.Join(t.TempDir(), name+".json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = book.Close() })

	n := &node{id: uuid.New(), book: book, events: newRecorder()}
	opts := Options{
		ID:            n.id,
		Name:          name,
		ListenAddr:    multiaddr.StringCast("/ip4/127.0.0.1/tcp/0"),
		Book:          book,
		ProbeInterval: time.Hour,
	}
	configure(&opts)
	n.router, err = New(opts)
	require.NoError(t, err)
	require.NoError(t, n.router.Start(n.events))
	t.Cleanup(func() { _ = n.router.Stop() })
	return n
}

func (n *node) know(t *testing.T, other *node) {
	t.Helper()
	require.NoError(t, n.book.AddPeer(other.id, "", []multiaddr.Multiaddr{other.router.Addr()}, nil))
}

func TestRouter_EstablishAndAccept(t *testing.T) {
	a, b := startNode(t, "a"), startNode(t, "b")
	a.know(t, b)

	conn, err := a.router.EstablishMulticastConnection(context.Background(), []uuid.UUID{b.id})
	require.NoError(t, err)
	defer conn.Close()

	var in incoming
	select {
	case in = <-b.events.incoming:
	case <-time.After(5 * time.Second):
		t.Fatal("no incoming connection")
	}
	assert.Equal(t, a.id, in.source)

	_, err = conn.Write([]byte("payload"))
	require.NoError(t, err)
	buf := make([]byte, 7)
	_, err = io.ReadFull(in.conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf), "the hello must not leak into the stream")
}

func TestRouter_HelloDeadlineIgnoresMockClock(t *testing.T) {
	a := startNode(t, "a")
	b := startNodeWith(t, "b", func(o *Options) { o.Clock = clock.NewMock() })
	a.know(t, b)

	conn, err := a.router.EstablishMulticastConnection(context.Background(), []uuid.UUID{b.id})
	require.NoError(t, err)
	defer conn.Close()

	select {
	case in := <-b.events.incoming:
		assert.Equal(t, a.id, in.source)
		_ = in.conn.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("hello rejected under a mock clock")
	}
}

func TestRouter_EstablishErrors(t *testing.T) {
	a, b := startNode(t, "a"), startNode(t, "b")
	ctx := context.Background()

	_, err := a.router.EstablishMulticastConnection(ctx, []uuid.UUID{b.id})
	assert.ErrorIs(t, err, module.ErrUnknownNode)

	_, err = a.router.EstablishMulticastConnection(ctx, []uuid.UUID{b.id, uuid.New()})
	assert.ErrorIs(t, err, module.ErrMulticastUnsupported)

	require.NoError(t, a.router.Stop())
	a.know(t, b)
	_, err = a.router.EstablishMulticastConnection(ctx, []uuid.UUID{b.id})
	assert.ErrorIs(t, err, module.ErrRouterStopped)
}

func TestRouter_RejectsBlacklisted(t *testing.T) {
	a, b := startNode(t, "a"), startNode(t, "b")
	a.know(t, b)
	b.know(t, a)
	require.NoError(t, b.book.BlacklistPeer(a.id))

	conn, err := a.router.EstablishMulticastConnection(context.Background(), []uuid.UUID{b.id})
	require.NoError(t, err)
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "blacklisted peer's stream must be closed")
	assert.Empty(t, b.events.incoming)
}

func TestRouter_DropsGarbage(t *testing.T) {
	b := startNode(t, "b")
	conn, err := net.Dial("tcp", mustTCPAddr(t, b.router.Addr()))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x05, 0xff, 0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Empty(t, b.events.incoming)
}

func mustTCPAddr(t *testing.T, ma multiaddr.Multiaddr) string {
	t.Helper()
	host, err := ma.ValueForProtocol(multiaddr.P_IP4)
	require.NoError(t, err)
	port, err := ma.ValueForProtocol(multiaddr.P_TCP)
	require.NoError(t, err)
	return net.JoinHostPort(host, port)
}

func TestRouter_ProbeReportsReachability(t *testing.T) {
	b := startNode(t, "b")
	a := startNode(t, "a")
	a.know(t, b)

	a.router.probeAll(context.Background())
	require.Equal(t, 1, a.events.foundCount())
	assert.Equal(t, b.id, a.events.found[0].ID)
	assert.Equal(t, 1, a.events.found[0].Hops)

	a.router.probeAll(context.Background())
	assert.Equal(t, 1, a.events.foundCount(), "no duplicate FoundNode")

	require.NoError(t, b.router.Stop())
	a.router.probeAll(context.Background())
	a.events.mu.Lock()
	defer a.events.mu.Unlock()
	assert.Equal(t, []uuid.UUID{b.id}, a.events.lost)
}

func TestHello(t *testing.T) {
	var buf bytes.Buffer
	in := hello{kind: helloStream, source: uuid.New(), name: "node"}
	require.NoError(t, writeHello(&buf, in))
	buf.WriteString("rest")

	out, err := readHello(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, "rest", buf.String())

	for name, frame := range map[string][]byte{
		"short":    {0x02, 0x01, 0x00},
		"bad kind": append([]byte{17, 9}, bytes.Repeat([]byte{1}, 16)...),
		"nil id":   append([]byte{17, byte(helloStream)}, make([]byte, 16)...),
		"empty":    {},
	} {
		_, err := readHello(bytes.NewReader(frame))
		assert.ErrorIs(t, err, errBadHello, name)
	}
}
