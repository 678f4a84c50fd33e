/*
Package sendberry provides peer-to-peer connections and resumable data
transfers over pluggable routing modules.

A router (see pkg/module) discovers peers and opens raw byte streams to
them, possibly over several hops and possibly to several peers at once.
sendberry turns those streams into managed connections: it frames and
multiplexes transfers of any size, reports their progress, and keeps
connections alive across transport failures by reconnecting and resuming
the transfers that were in flight.

# Features

  - Multicast connections: one connection, many destinations
  - Chunked, fairly multiplexed transfers with progress and cancellation
  - Automatic reconnection with exponential backoff and transfer resume
  - Route upgrades when the router reports a better route
  - Non-blocking peer event notifications
  - In-memory and TCP routers

# Quick Start

Create a local peer on a router:

	router, _ := tcp.New(tcp.Options{ID: id, ListenAddr: addr, Book: book})
	cfg := sendberry.NewConfig(router, sendberry.WithPeerID(id))

	peer, err := sendberry.New(cfg)
	if err != nil {
		// Handle error
	}

	peer.OnConnection(func(remote *sendberry.RemotePeer, c *sendberry.Connection) {
		c.OnData(func(c *sendberry.Connection, data []byte) {
			fmt.Printf("%d bytes from %s\n", len(data), remote.ID())
		})
	})

	peer.Start()
	defer peer.Stop()

Connect and send:

	peer.Do(ctx, func() {
		conn, err := peer.ConnectTo(remoteID)
		if err != nil {
			return
		}
		conn.OnConnect(func(c *sendberry.Connection) {
			t := c.Send([]byte("hello"))
			t.OnComplete(func(sendberry.Transfer) { c.Close() })
		})
	})

Receive large transfers incrementally:

	c.OnTransfer(func(c *sendberry.Connection, t *sendberry.InTransfer) {
		t.OnPartialData(func(t *sendberry.InTransfer, chunk []byte) {
			file.Write(chunk)
		})
	})

# Threading

Each LocalPeer owns one executor. Connection, transfer and peer state is
confined to it and every callback runs on it, so callbacks need no
locking. Code outside callbacks reaches that state through Do and Post.

# Reliability

The side that establishes a connection reconnects after a transport
failure; the accepting side waits for it for AcceptorGracePeriod. Once a
new transport is attached, interrupted transfers continue from the last
byte both sides agree on. Closing a connection with Close is expected and
is reported through OnClose; a connection that could not be kept alive is
reported through OnError, and Reconnect may revive it.
*/
package sendberry
