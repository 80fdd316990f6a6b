// Package scheduler implements deadline-ordered piece and block scheduling:
// which peer a block is requested from, duplicate-request racing against a
// piece's read deadline, and per-peer delay measurement.
package scheduler

import (
	"fmt"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/movian/bittorrent/core"
	"github.com/movian/bittorrent/peerconn"
	"github.com/movian/bittorrent/wire"
)

// Scheduler owns the deadline-ordered piece list and peer set for a single
// torrent, and drives block request assignment on each Schedule() tick.
type Scheduler struct {
	infoHash core.InfoHash
	config   Config
	clk      clock.Clock
	stats    tally.Scope
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	peers  map[core.PeerID]*Peer
	pieces map[int]*Piece

	wastedBytes *atomic.Int64
}

// New returns a Scheduler for infoHash.
func New(infoHash core.InfoHash, config Config, clk clock.Clock, stats tally.Scope, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		infoHash:    infoHash,
		config:      config.applyDefaults(),
		clk:         clk,
		stats:       stats,
		logger:      logger,
		peers:       make(map[core.PeerID]*Peer),
		pieces:      make(map[int]*Piece),
		wastedBytes: atomic.NewInt64(0),
	}
}

// AddPeer begins scheduling p.
func (s *Scheduler) AddPeer(p *peerconn.Peer) *Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := newPeer(p, s.config.InitialQueueCap, s.config.MaxQueueCap)
	s.peers[p.ID] = sp
	return sp
}

// RemovePeer stops scheduling the peer with id, releasing every request it
// owed back to their pieces' waiting lists.
func (s *Scheduler) RemovePeer(id core.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.peers[id]
	if !ok {
		return
	}
	s.releaseLocked(sp)
	delete(s.peers, id)
}

// releaseLocked returns every request sp owed to its piece's waiting list,
// unless another peer still has a live request racing for the same block.
func (s *Scheduler) releaseLocked(sp *Peer) {
	for k, req := range sp.active {
		if p, ok := s.pieces[req.Block.PieceIndex]; ok {
			p.releaseRequest(req.Block, sp.ID)
		}
		delete(sp.active, k)
	}
}

// AddPiece begins scheduling p.
func (s *Scheduler) AddPiece(p *Piece) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pieces[p.Index] = p
}

// RemovePiece stops scheduling the piece at index, e.g. once it has been
// verified and flushed from memory.
func (s *Scheduler) RemovePiece(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pieces, index)
}

// Piece returns the piece at index, if it is currently scheduled.
func (s *Scheduler) Piece(index int) (*Piece, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pieces[index]
	return p, ok
}

// OnChoked releases every request the peer with id owed, called when that
// peer chokes us.
func (s *Scheduler) OnChoked(id core.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp, ok := s.peers[id]; ok {
		s.releaseLocked(sp)
	}
}

// OnReject releases a single rejected block (BEP-6 REJECT) and remembers
// not to ask this peer for that piece again until a fresh bitfield/have.
func (s *Scheduler) OnReject(id core.PeerID, pieceIndex, begin, length int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.peers[id]
	if !ok {
		return
	}
	p, ok := s.pieces[pieceIndex]
	if !ok {
		return
	}
	b := p.findBlock(begin)
	if b == nil {
		return
	}
	p.releaseRequest(b, id)
	delete(sp.active, b.key())
	sp.markRejected(pieceIndex)
}

// OnHaveRefresh forgets a prior rejection for pieceIndex: the peer sent a
// fresh HAVE or BITFIELD covering it, so it may be asked again.
func (s *Scheduler) OnHaveRefresh(id core.PeerID, pieceIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp, ok := s.peers[id]; ok {
		sp.clearRejected(pieceIndex)
	}
}

// BlockResult describes the outcome of OnBlockDelivered.
type BlockResult struct {
	Duplicate bool
	PieceDone bool
	CancelTo  []*Peer
}

// OnBlockDelivered processes a PIECE message from peerID. If it matches no
// outstanding request, it is waste (duplicate/unsolicited) and counted as
// such. Otherwise it updates the peer's EWMA delay and resolves every
// other peer racing for the same block, returning them so the caller can
// send CANCEL.
func (s *Scheduler) OnBlockDelivered(peerID core.PeerID, pieceIndex, begin int, data []byte) (*BlockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.peers[peerID]
	if !ok {
		return nil, fmt.Errorf("unknown peer %s", peerID)
	}
	p, ok := s.pieces[pieceIndex]
	if !ok {
		return nil, fmt.Errorf("unknown piece %d", pieceIndex)
	}

	key := blockKey{piece: pieceIndex, begin: begin}
	req, outstanding := sp.active[key]
	if !outstanding || req.Block.Length != len(data) {
		sp.Stats().IncrementDuplicatePiecesReceived()
		sp.Stats().AddWasted(int64(len(data)))
		s.wastedBytes.Add(int64(len(data)))
		return &BlockResult{Duplicate: true}, nil
	}

	measured := s.clk.Now().Sub(req.SentAt)
	sp.ewma.Update(measured, s.config.MaxEWMADelay)

	racers := p.resolveDelivered(req.Block)
	var cancelTo []*Peer
	for _, r := range racers {
		if r.PeerID == peerID {
			continue
		}
		other, ok := s.peers[r.PeerID]
		if !ok {
			continue
		}
		other.onBlockResolved(key, false)
		if c := other.Conn(); c != nil {
			if err := c.Send(wireCancel(req.Block)); err == nil {
				other.Stats().IncrementCancelsSent()
			}
		}
		cancelTo = append(cancelTo, other)
	}

	sp.onBlockResolved(key, true)
	sp.TouchGoodPieceReceived()
	p.AddContributor(peerID)

	return &BlockResult{Duplicate: false, PieceDone: p.Done(), CancelTo: cancelTo}, nil
}

// Schedule runs the three peer-selection passes described in spec.md §4.2:
// redundancy (duplicate-request pieces at risk of missing deadline),
// optimal (lowest measured delay), and any-peer (spare capacity mop-up).
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := deadlineOrder(s.pieces)
	s.redundancyPass(s.clk.Now(), ordered)
	s.optimalPass(ordered)
	s.anyPeerPass(ordered)
}

// WastedBytes returns the running total of bytes discarded as duplicate or
// unsolicited PIECE data across every peer in this torrent.
func (s *Scheduler) WastedBytes() int64 { return s.wastedBytes.Load() }

func wireRequest(b *Block) *wire.Message {
	return wire.NewRequest(b.PieceIndex, b.Begin, b.Length)
}

func wireCancel(b *Block) *wire.Message {
	return wire.NewCancel(b.PieceIndex, b.Begin, b.Length)
}
