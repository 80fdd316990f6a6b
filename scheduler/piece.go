package scheduler

import (
	"time"

	"github.com/movian/bittorrent/core"
)

// NoDeadline marks a piece as not subject to duplicate-request racing: it
// is still scheduled for any unchoked peer that has it, just never raced.
var NoDeadline = time.Time{}

// Piece is the scheduler's view of one in-memory, not-yet-complete piece.
type Piece struct {
	Index  int
	Length int

	// Deadline is the minimum deadline across every file handle currently
	// reading this piece, or NoDeadline (the zero time) for +Inf.
	Deadline time.Time

	waitingBlocks []*Block
	liveRequests  map[blockKey][]*Request

	contributingPeers map[core.PeerID]struct{}

	complete bool
}

// NewPiece returns a Piece with every block initially waiting.
func NewPiece(index, length int) *Piece {
	return &Piece{
		Index:             index,
		Length:            length,
		waitingBlocks:     splitBlocks(index, length),
		liveRequests:      make(map[blockKey][]*Request),
		contributingPeers: make(map[core.PeerID]struct{}),
	}
}

// HasDeadline reports whether p is subject to a real (non-infinite) deadline.
func (p *Piece) HasDeadline() bool {
	return !p.Deadline.Equal(NoDeadline)
}

// Complete reports whether every block of p has been verified and written.
func (p *Piece) Complete() bool { return p.complete }

// MarkComplete flags p as fully downloaded; its bookkeeping is retained for
// blame until the piece is evicted from memory.
func (p *Piece) MarkComplete() { p.complete = true }

// AddContributor records peerID as having sent data for this piece, for
// hash-failure blame.
func (p *Piece) AddContributor(peerID core.PeerID) {
	p.contributingPeers[peerID] = struct{}{}
}

// Contributors returns the set of peers that sent data for this piece.
func (p *Piece) Contributors() []core.PeerID {
	ids := make([]core.PeerID, 0, len(p.contributingPeers))
	for id := range p.contributingPeers {
		ids = append(ids, id)
	}
	return ids
}

// liveRequestsFor returns the outstanding requests racing for block.
func (p *Piece) liveRequestsFor(b *Block) []*Request {
	return p.liveRequests[b.key()]
}

// addLiveRequest records a new outstanding request for block.
func (p *Piece) addLiveRequest(b *Block, r *Request) {
	k := b.key()
	p.liveRequests[k] = append(p.liveRequests[k], r)
}

// releaseRequest drops the request peerID owed for block because the peer
// was choked, disconnected, or rejected it. If no other peer still has a
// live request for the block, it returns to waitingBlocks for rescheduling.
func (p *Piece) releaseRequest(b *Block, peerID core.PeerID) {
	k := b.key()
	reqs := p.liveRequests[k]
	for i, r := range reqs {
		if r.PeerID == peerID {
			reqs = append(reqs[:i], reqs[i+1:]...)
			break
		}
	}
	if len(reqs) == 0 {
		delete(p.liveRequests, k)
		p.waitingBlocks = append(p.waitingBlocks, b)
		return
	}
	p.liveRequests[k] = reqs
}

// resolveDelivered drops every live request racing for block: one peer
// delivered it, so the others' in-flight requests are moot (the caller is
// responsible for sending them CANCEL on the wire).
func (p *Piece) resolveDelivered(b *Block) []*Request {
	k := b.key()
	reqs := p.liveRequests[k]
	delete(p.liveRequests, k)
	return reqs
}

// hasLiveRequestFrom reports whether peerID already has an outstanding
// request for block.
func (p *Piece) hasLiveRequestFrom(b *Block, peerID core.PeerID) bool {
	for _, r := range p.liveRequests[b.key()] {
		if r.PeerID == peerID {
			return true
		}
	}
	return false
}

// Done reports whether every block of p has been delivered (no waiting,
// no live requests).
func (p *Piece) Done() bool {
	return len(p.waitingBlocks) == 0 && len(p.liveRequests) == 0
}

// findBlock locates the Block at begin, whether it is currently waiting or
// has live requests outstanding. Returns nil if begin does not start a
// known block (e.g. it was already delivered and forgotten).
func (p *Piece) findBlock(begin int) *Block {
	for _, b := range p.waitingBlocks {
		if b.Begin == begin {
			return b
		}
	}
	if reqs, ok := p.liveRequests[blockKey{piece: p.Index, begin: begin}]; ok && len(reqs) > 0 {
		return reqs[0].Block
	}
	return nil
}
