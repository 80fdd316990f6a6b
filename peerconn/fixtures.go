package peerconn

import (
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/movian/bittorrent/core"
)

type noopEvents struct{}

func (e noopEvents) ConnClosed(*Conn) {}

// noopDeadline wraps a net.Conn that does not support deadlines (e.g.
// net.Pipe) and makes it accept deadline calls as no-ops.
type noopDeadline struct {
	net.Conn
}

func (n noopDeadline) SetDeadline(t time.Time) error      { return nil }
func (n noopDeadline) SetReadDeadline(t time.Time) error  { return nil }
func (n noopDeadline) SetWriteDeadline(t time.Time) error { return nil }

// ConfigFixture returns a Config with defaults applied, for testing.
func ConfigFixture() Config {
	return Config{}.applyDefaults()
}

// HandshakerFixture returns a Handshaker for testing, using peerID if
// non-zero or else a freshly generated one.
func HandshakerFixture(config Config, peerID core.PeerID) *Handshaker {
	var zero core.PeerID
	if peerID == zero {
		id, err := core.GenerateLocalPeerID()
		if err != nil {
			panic(err)
		}
		peerID = id
	}
	return NewHandshaker(
		config,
		tally.NewTestScope("", nil),
		clock.New(),
		peerID,
		noopEvents{},
		zap.NewNop().Sugar())
}

// PipeFixture returns connected Conns for both sides of an in-memory pipe,
// already handshaken and started.
func PipeFixture(config Config, infoHash core.InfoHash) (local, remote *Conn, cleanup func()) {
	nc1, nc2 := net.Pipe()

	localPeerID, err := core.GenerateLocalPeerID()
	if err != nil {
		panic(err)
	}
	remotePeerID, err := core.GenerateLocalPeerID()
	if err != nil {
		panic(err)
	}

	localHandshaker := HandshakerFixture(config, localPeerID)
	remoteHandshaker := HandshakerFixture(config, remotePeerID)

	type result struct {
		c   *Conn
		err error
	}
	localCh := make(chan result, 1)
	go func() {
		c, err := localHandshaker.fullHandshake(noopDeadline{nc1}, core.PeerID{}, infoHash)
		localCh <- result{c, err}
	}()

	remoteCh := make(chan result, 1)
	go func() {
		pc, err := remoteHandshaker.Accept(noopDeadline{nc2})
		if err != nil {
			remoteCh <- result{nil, err}
			return
		}
		c, err := remoteHandshaker.Establish(pc, infoHash)
		remoteCh <- result{c, err}
	}()

	lr := <-localCh
	if lr.err != nil {
		panic(lr.err)
	}
	rr := <-remoteCh
	if rr.err != nil {
		panic(rr.err)
	}

	lr.c.Start()
	rr.c.Start()

	return lr.c, rr.c, func() {
		lr.c.Close()
		rr.c.Close()
	}
}

// Fixture returns a single local Conn, paired with an unreferenced remote
// end, for testing.
func Fixture() (*Conn, func()) {
	var infoHash core.InfoHash
	local, _, cleanup := PipeFixture(ConfigFixture(), infoHash)
	return local, cleanup
}
