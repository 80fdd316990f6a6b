// Package reactor defines the boundary between a peer connection and the
// asynchronous I/O driver that owns its socket. The driver itself —
// epoll/kqueue registration, timers, DNS, courier dispatch — is outside
// this module's scope; this package only describes the callback trait a
// peer object implements against it, and a Dispatcher that satisfies
// that trait using the channel-based pump peerconn.Conn already runs.
package reactor

import (
	"sync"

	"github.com/movian/bittorrent/core"
	"github.com/movian/bittorrent/peerconn"
	"github.com/movian/bittorrent/wire"
)

// Callbacks is the trait a peer object implements so the reactor can
// dispatch connection lifecycle and I/O events to it explicitly, in
// place of hand-rolled callback pointers threaded through the async
// driver.
type Callbacks interface {
	// OnConnect fires once a connection's handshake has completed and it
	// is ready to exchange protocol messages.
	OnConnect(peerID core.PeerID)

	// OnRead fires for each framed message read off the connection. A nil
	// msg signals a keepalive.
	OnRead(peerID core.PeerID, msg *wire.Message)

	// OnTimeout fires when the connection has been idle past its
	// configured deadline.
	OnTimeout(peerID core.PeerID)

	// OnClose fires once the connection has fully shut down; no further
	// callbacks follow for this peerID.
	OnClose(peerID core.PeerID)
}

// Dispatcher drives Callbacks for a set of connections by pumping each
// one's Receiver channel on its own goroutine. It exists so callers can
// plug a *peerconn.Conn into the Callbacks trait without the connection
// itself knowing who is listening.
type Dispatcher struct {
	cb Callbacks
	wg sync.WaitGroup
}

// New returns a Dispatcher that invokes cb for every connection it is
// asked to watch.
func New(cb Callbacks) *Dispatcher {
	return &Dispatcher{cb: cb}
}

// Watch registers conn, already past handshake, and begins pumping its
// messages to cb. OnConnect fires synchronously before Watch returns;
// OnRead and OnClose fire from a dedicated goroutine per connection.
func (d *Dispatcher) Watch(conn *peerconn.Conn) {
	d.cb.OnConnect(conn.PeerID())

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		peerID := conn.PeerID()
		for msg := range conn.Receiver() {
			d.cb.OnRead(peerID, msg)
		}
		d.cb.OnClose(peerID)
	}()
}

// Wait blocks until every watched connection's receive loop has exited,
// i.e. every connection has closed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
