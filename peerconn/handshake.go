package peerconn

import (
	"errors"
	"fmt"
	"net"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/movian/bittorrent/bandwidth"
	"github.com/movian/bittorrent/core"
	"github.com/movian/bittorrent/wire"
)

// ErrInfoHashMismatch is returned when a remote peer's handshake carries an
// info-hash different from the one expected.
var ErrInfoHashMismatch = errors.New("info hash mismatch")

// PendingConn is a half-opened connection accepted from a remote peer, whose
// handshake has been read but not yet reciprocated.
type PendingConn struct {
	handshake *wire.Handshake
	nc        net.Conn
}

// PeerID returns the remote peer's id.
func (pc *PendingConn) PeerID() core.PeerID { return pc.handshake.PeerID }

// InfoHash returns the info hash the remote peer wants to exchange.
func (pc *PendingConn) InfoHash() core.InfoHash { return pc.handshake.InfoHash }

// SupportsFastExtension reports whether the remote peer advertised BEP-6.
func (pc *PendingConn) SupportsFastExtension() bool { return pc.handshake.SupportsFastExtension() }

// SupportsExtensionProtocol reports whether the remote peer advertised BEP-10.
func (pc *PendingConn) SupportsExtensionProtocol() bool {
	return pc.handshake.SupportsExtensionProtocol()
}

// Close closes the underlying socket without completing the handshake.
func (pc *PendingConn) Close() { pc.nc.Close() }

// Handshaker negotiates BEP-3 handshakes (with BEP-6/BEP-10 capability bits)
// and produces established Conns.
type Handshaker struct {
	config        Config
	stats         tally.Scope
	clk           clock.Clock
	bandwidth     *bandwidth.Limiter
	peerID        core.PeerID
	fastExtension bool
	extProtocol   bool
	events        Events
	logger        *zap.SugaredLogger
}

// NewHandshaker creates a Handshaker that advertises the local peer id and
// capability bits on every handshake it sends.
func NewHandshaker(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	peerID core.PeerID,
	events Events,
	logger *zap.SugaredLogger) *Handshaker {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{"module": "peerconn"})

	return &Handshaker{
		config:        config,
		stats:         stats,
		clk:           clk,
		bandwidth:     bandwidth.NewLimiter(config.Bandwidth, logger),
		peerID:        peerID,
		fastExtension: true,
		extProtocol:   true,
		events:        events,
		logger:        logger,
	}
}

// Accept upgrades a freshly dialed-in net.Conn into a PendingConn by reading
// the remote peer's handshake. The local handshake is not yet sent.
func (h *Handshaker) Accept(nc net.Conn) (*PendingConn, error) {
	if err := nc.SetDeadline(h.clk.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}
	hs, err := wire.ReadHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	return &PendingConn{handshake: hs, nc: nc}, nil
}

// Establish completes a handshake begun by Accept: it reciprocates with the
// local handshake and returns a running Conn. infoHash must match the one
// the remote peer requested.
func (h *Handshaker) Establish(pc *PendingConn, infoHash core.InfoHash) (*Conn, error) {
	if pc.InfoHash() != infoHash {
		return nil, ErrInfoHashMismatch
	}
	reply := wire.NewHandshake(infoHash, h.peerID, h.fastExtension, h.extProtocol)
	if err := wire.WriteHandshake(pc.nc, reply); err != nil {
		return nil, fmt.Errorf("write handshake: %s", err)
	}
	return newConn(
		h.config,
		h.stats,
		h.clk,
		h.bandwidth,
		h.events,
		pc.nc,
		h.peerID,
		pc.PeerID(),
		infoHash,
		pc.SupportsFastExtension() && h.fastExtension,
		pc.SupportsExtensionProtocol() && h.extProtocol,
		true,
		h.logger)
}

// Initialize dials addr, performs a full outbound handshake for infoHash,
// and returns a running Conn. Fails if the remote peer's id does not match
// expectedPeerID (when non-zero) or the info hash does not match.
func (h *Handshaker) Initialize(
	expectedPeerID core.PeerID,
	addr string,
	infoHash core.InfoHash) (*Conn, error) {

	nc, err := net.DialTimeout("tcp", addr, h.config.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %s", err)
	}
	c, err := h.fullHandshake(nc, expectedPeerID, infoHash)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (h *Handshaker) fullHandshake(nc net.Conn, expectedPeerID core.PeerID, infoHash core.InfoHash) (*Conn, error) {
	if err := nc.SetDeadline(h.clk.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}
	out := wire.NewHandshake(infoHash, h.peerID, h.fastExtension, h.extProtocol)
	if err := wire.WriteHandshake(nc, out); err != nil {
		return nil, fmt.Errorf("write handshake: %s", err)
	}
	in, err := wire.ReadHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	if in.InfoHash != infoHash {
		return nil, ErrInfoHashMismatch
	}
	var zeroPeerID core.PeerID
	if expectedPeerID != zeroPeerID && in.PeerID != expectedPeerID {
		return nil, errors.New("unexpected peer id")
	}
	return newConn(
		h.config,
		h.stats,
		h.clk,
		h.bandwidth,
		h.events,
		nc,
		h.peerID,
		in.PeerID,
		infoHash,
		in.SupportsFastExtension() && h.fastExtension,
		in.SupportsExtensionProtocol() && h.extProtocol,
		false,
		h.logger)
}
