package module

import (
	"net"
	"sync/atomic"
)

// netConn adapts a net.Conn to UnderlyingConnection.
type netConn struct {
	net.Conn
	closed atomic.Bool
}

// FromNetConn wraps c. IsConnected turns false once Close was called or a
// read or write failed.
func FromNetConn(c net.Conn) UnderlyingConnection {
	return &netConn{Conn: c}
}

func (c *netConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		c.closed.Store(true)
	}
	return n, err
}

func (c *netConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err != nil {
		c.closed.Store(true)
	}
	return n, err
}

func (c *netConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

func (c *netConn) IsConnected() bool {
	return !c.closed.Load()
}

// Pipe returns both ends of an in-memory, synchronous transport.
func Pipe() (UnderlyingConnection, UnderlyingConnection) {
	a, b := net.Pipe()
	return FromNetConn(a), FromNetConn(b)
}
