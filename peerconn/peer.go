package peerconn

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/movian/bittorrent/core"
	"github.com/movian/bittorrent/internal/syncutil"
)

// State is a peer's position in the connection lifecycle state machine.
//
//	INACTIVE -> CONNECTING -> WAIT_HANDSHAKE -> RUNNING
//	                |              |               |
//	                v              v               v
//	          CONNECT_FAIL   DISCONNECTED    DISCONNECTED
//	                |                             |
//	                +---(after 5 fails)---> DESTROYED <---+
type State int

// Peer states.
const (
	Inactive State = iota
	Connecting
	WaitHandshake
	Running
	ConnectFail
	Disconnected
	Destroyed
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Connecting:
		return "connecting"
	case WaitHandshake:
		return "wait_handshake"
	case Running:
		return "running"
	case ConnectFail:
		return "connect_fail"
	case Disconnected:
		return "disconnected"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// maxConsecutiveFailures is the number of consecutive connect failures or
// post-handshake disconnects after which a peer is destroyed.
const maxConsecutiveFailures = 5

// Flags holds a peer's seven protocol-level bits.
type Flags struct {
	AmChoking       bool
	AmInterested    bool
	PeerChoking     bool
	PeerInterested  bool
	FastExtension   bool
	ExtensionProto  bool
	PendingHaveAll  bool
}

// DefaultFlags returns the flag values a peer starts RUNNING with: both
// sides choking and disinterested until told otherwise.
func DefaultFlags() Flags {
	return Flags{AmChoking: true, PeerChoking: true}
}

// Peer consolidates per-torrent bookkeeping for one remote peer across its
// connection lifecycle.
type Peer struct {
	ID   core.PeerID
	Addr string

	clk clock.Clock

	mu             sync.Mutex
	state          State
	conn           *Conn
	flags          Flags
	failures       int
	lastGoodPiece  time.Time
	lastPieceSent  time.Time

	// Bitfield tracks the pieces this peer has, once piece count is known.
	// Nil before metainfo is known; a BITFIELD or HAVE_ALL received before
	// then is captured by stashedBitfield / flags.PendingHaveAll instead.
	bitfield        *syncutil.Bitfield
	stashedBitfield []byte

	// extMsgIDs maps extension-protocol names (e.g. "ut_metadata") to the
	// message id this peer expects them tagged with.
	extMsgIDs map[string]byte

	stats Stats
}

// Stats wraps per-peer counters.
type Stats struct {
	mu                      sync.Mutex
	requestsSent            int
	requestsReceived        int
	piecesSent              int
	goodPiecesReceived      int
	duplicatePiecesReceived int
	cancelsSent             int
	wastedBytes             int64
}

// IncrementRequestsSent increments the count of REQUESTs sent to this peer.
func (s *Stats) IncrementRequestsSent() { s.mu.Lock(); s.requestsSent++; s.mu.Unlock() }

// IncrementRequestsReceived increments the count of REQUESTs received from this peer.
func (s *Stats) IncrementRequestsReceived() { s.mu.Lock(); s.requestsReceived++; s.mu.Unlock() }

// IncrementPiecesSent increments the count of PIECEs sent to this peer.
func (s *Stats) IncrementPiecesSent() { s.mu.Lock(); s.piecesSent++; s.mu.Unlock() }

// IncrementGoodPiecesReceived increments the count of useful PIECEs received.
func (s *Stats) IncrementGoodPiecesReceived() { s.mu.Lock(); s.goodPiecesReceived++; s.mu.Unlock() }

// IncrementDuplicatePiecesReceived increments the count of already-had PIECEs received.
func (s *Stats) IncrementDuplicatePiecesReceived() {
	s.mu.Lock()
	s.duplicatePiecesReceived++
	s.mu.Unlock()
}

// IncrementCancelsSent increments the count of CANCELs sent to this peer.
func (s *Stats) IncrementCancelsSent() { s.mu.Lock(); s.cancelsSent++; s.mu.Unlock() }

// AddWasted adds n bytes to the wasted-data counter (unsolicited PIECEs).
func (s *Stats) AddWasted(n int64) { s.mu.Lock(); s.wastedBytes += n; s.mu.Unlock() }

// NewPeer returns a new peer in the INACTIVE state.
func NewPeer(id core.PeerID, addr string, clk clock.Clock) *Peer {
	return &Peer{
		ID:        id,
		Addr:      addr,
		clk:       clk,
		state:     Inactive,
		flags:     DefaultFlags(),
		extMsgIDs: make(map[string]byte),
	}
}

// State returns the peer's current state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Conn returns the peer's active connection, or nil if not RUNNING.
func (p *Peer) Conn() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// Stats returns this peer's counters.
func (p *Peer) Stats() *Stats {
	return &p.stats
}

// Flags returns a copy of the peer's current protocol flags.
func (p *Peer) Flags() Flags {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flags
}

// SetFlags replaces the peer's protocol flags.
func (p *Peer) SetFlags(f Flags) {
	p.mu.Lock()
	p.flags = f
	p.mu.Unlock()
}

// MarkConnecting transitions INACTIVE -> CONNECTING.
func (p *Peer) MarkConnecting() {
	p.mu.Lock()
	p.state = Connecting
	p.mu.Unlock()
}

// MarkWaitHandshake transitions CONNECTING -> WAIT_HANDSHAKE.
func (p *Peer) MarkWaitHandshake() {
	p.mu.Lock()
	p.state = WaitHandshake
	p.mu.Unlock()
}

// MarkRunning transitions WAIT_HANDSHAKE -> RUNNING, recording the
// now-established conn and starting it with no good piece received. The
// failure counter is kept; MarkDisconnected clears it once a connection
// has delivered a good piece.
func (p *Peer) MarkRunning(c *Conn) {
	p.mu.Lock()
	p.state = Running
	p.conn = c
	p.lastGoodPiece = time.Time{}
	p.flags.FastExtension = c.SupportsFastExtension()
	p.flags.ExtensionProto = c.SupportsExtensionProtocol()
	p.mu.Unlock()
}

// MarkConnectFail transitions CONNECTING -> CONNECT_FAIL, returning true if
// the peer should be destroyed as a result.
func (p *Peer) MarkConnectFail() (destroyed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = ConnectFail
	p.failures++
	if p.failures >= maxConsecutiveFailures {
		p.state = Destroyed
		return true
	}
	return false
}

// MarkDisconnected transitions WAIT_HANDSHAKE or RUNNING -> DISCONNECTED,
// returning true if the peer should be destroyed as a result. A connection
// that reached RUNNING and exchanged at least one good piece does not count
// its disconnect toward the failure budget.
func (p *Peer) MarkDisconnected() (destroyed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	wasRunning := p.state == Running
	p.state = Disconnected
	p.conn = nil
	if wasRunning && !p.lastGoodPiece.IsZero() {
		p.failures = 0
		return false
	}
	p.failures++
	if p.failures >= maxConsecutiveFailures {
		p.state = Destroyed
		return true
	}
	return false
}

// Reactivate transitions a non-RUNNING, non-DESTROYED peer back to INACTIVE
// so it becomes eligible for admission again.
func (p *Peer) Reactivate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Destroyed || p.state == Running {
		return false
	}
	p.state = Inactive
	return true
}

// TouchGoodPieceReceived records that a useful PIECE arrived just now.
func (p *Peer) TouchGoodPieceReceived() {
	p.mu.Lock()
	p.lastGoodPiece = p.clk.Now()
	p.mu.Unlock()
	p.stats.IncrementGoodPiecesReceived()
}

// TouchPieceSent records that a PIECE was just written to this peer.
func (p *Peer) TouchPieceSent() {
	p.mu.Lock()
	p.lastPieceSent = p.clk.Now()
	p.mu.Unlock()
	p.stats.IncrementPiecesSent()
}

// Bitfield returns the peer's have-set, or nil if piece count is not yet
// known (i.e. a bitfield/have-all is stashed instead).
func (p *Peer) Bitfield() *syncutil.Bitfield {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bitfield
}

// InitBitfield allocates the peer's have-set once piece count is known,
// replaying any stashed BITFIELD or pending HAVE_ALL.
func (p *Peer) InitBitfield(numPieces int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bitfield = syncutil.NewBitfieldSize(uint(numPieces))
	if p.flags.PendingHaveAll {
		p.bitfield.SetAll(true)
		p.flags.PendingHaveAll = false
		return true
	}
	if p.stashedBitfield != nil {
		ok := p.bitfield.UnmarshalBitfield(p.stashedBitfield)
		p.stashedBitfield = nil
		return ok
	}
	return true
}

// StashBitfield records a BITFIELD payload received before piece count was
// known, to be applied by InitBitfield.
func (p *Peer) StashBitfield(packed []byte) {
	p.mu.Lock()
	b := make([]byte, len(packed))
	copy(b, packed)
	p.stashedBitfield = b
	p.mu.Unlock()
}

// SetExtMsgID records the message id a peer wants a named extension tagged
// with, from its BEP-10 handshake dictionary.
func (p *Peer) SetExtMsgID(name string, id byte) {
	p.mu.Lock()
	p.extMsgIDs[name] = id
	p.mu.Unlock()
}

// ExtMsgID returns the message id negotiated for a named extension, and
// whether the peer supports it at all.
func (p *Peer) ExtMsgID(name string) (byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.extMsgIDs[name]
	return id, ok
}

func (p *Peer) String() string {
	return p.ID.String()
}
