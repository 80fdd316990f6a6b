package scheduler

import (
	"github.com/movian/bittorrent/peerconn"
)

// Peer adds scheduling-only bookkeeping on top of a peerconn.Peer: queue
// depth, measured delay, and the per-piece reject memory. It does not
// duplicate anything peerconn.Peer already tracks (state, flags, bitfield).
type Peer struct {
	*peerconn.Peer

	queueCap    int
	maxQueueCap int
	delivered   bool
	ewma        EWMA
	active      map[blockKey]*Request
	rejected    map[int]struct{} // piece index -> PIECE_REJECTED
}

// newPeer wraps p for scheduling, starting at initialQueueCap and growing
// to maxQueueCap on the peer's first delivered block.
func newPeer(p *peerconn.Peer, initialQueueCap, maxQueueCap int) *Peer {
	return &Peer{
		Peer:        p,
		queueCap:    initialQueueCap,
		maxQueueCap: maxQueueCap,
		active:      make(map[blockKey]*Request),
		rejected:    make(map[int]struct{}),
	}
}

// eligible reports whether sp can currently be asked for more blocks: not
// choking us and under its queue cap.
func (sp *Peer) eligible() bool {
	return !sp.Flags().PeerChoking && len(sp.active) < sp.queueCap
}

// activeRequestCount returns the number of blocks currently requested from
// this peer.
func (sp *Peer) activeRequestCount() int { return len(sp.active) }

// hasRejected reports whether this peer rejected pieceIndex and should not
// be asked again until a fresh HAVE/BITFIELD.
func (sp *Peer) hasRejected(pieceIndex int) bool {
	_, ok := sp.rejected[pieceIndex]
	return ok
}

// markRejected remembers that this peer rejected pieceIndex.
func (sp *Peer) markRejected(pieceIndex int) { sp.rejected[pieceIndex] = struct{}{} }

// clearRejected forgets a prior rejection, called when a fresh bitfield or
// have refresh arrives for this piece.
func (sp *Peer) clearRejected(pieceIndex int) { delete(sp.rejected, pieceIndex) }

// onBlockSent records a newly issued request.
func (sp *Peer) onBlockSent(r *Request) {
	sp.active[r.Block.key()] = r
}

// onBlockResolved forgets a request this peer owed, whether by delivery,
// cancel, or choke/disconnect release, and grows the queue cap on the
// peer's first successful delivery.
func (sp *Peer) onBlockResolved(k blockKey, delivered bool) {
	delete(sp.active, k)
	if delivered && !sp.delivered {
		sp.delivered = true
		sp.queueCap = sp.maxQueueCap
	}
}
