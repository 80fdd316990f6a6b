package scheduler

import (
	"time"
)

// candidatePeers returns every scheduling-eligible peer that has piece
// index, in no particular order.
func (s *Scheduler) candidatePeers(pieceIndex int) []*Peer {
	var out []*Peer
	for _, sp := range s.peers {
		if sp.hasRejected(pieceIndex) {
			continue
		}
		bf := sp.Bitfield()
		if bf == nil || !bf.Has(uint(pieceIndex)) {
			continue
		}
		out = append(out, sp)
	}
	return out
}

// redundancyPass duplicate-requests blocks whose incumbent is predicted to
// miss the piece's deadline, racing a second, faster-looking peer against
// it.
func (s *Scheduler) redundancyPass(now time.Time, pieces []*Piece) {
	for _, p := range pieces {
		if !p.HasDeadline() {
			continue
		}
		for _, reqs := range p.liveRequests {
			if len(reqs) == 0 {
				continue
			}
			incumbent := reqs[0]
			incumbentPeer, ok := s.peers[incumbent.PeerID]
			if !ok {
				continue
			}
			incumbentETA := incumbent.eta(now, incumbentPeer.ewma.Value())
			if !incumbentETA.After(p.Deadline) {
				continue
			}

			var best *Peer
			var bestETA time.Time
			for _, sp := range s.candidatePeers(p.Index) {
				if sp.ID == incumbent.PeerID {
					continue
				}
				if !sp.eligible() || !sp.ewma.HasSample() {
					continue
				}
				if p.hasLiveRequestFrom(incumbent.Block, sp.ID) {
					continue
				}
				candidateETA := now.Add(sp.ewma.Value())
				if best == nil || candidateETA.Before(bestETA) {
					if candidateETA.Before(incumbentETA) {
						best, bestETA = sp, candidateETA
					}
				}
			}
			if best != nil {
				s.sendRequest(best, p, incumbent.Block)
			}
		}
	}
}

// optimalPass assigns each waiting block to the eligible peer with the
// lowest measured delay, in deadline order.
func (s *Scheduler) optimalPass(pieces []*Piece) {
	for _, p := range pieces {
		i := 0
		for i < len(p.waitingBlocks) {
			b := p.waitingBlocks[i]
			best := s.bestOptimalPeer(p, b)
			if best == nil {
				i++
				continue
			}
			// Remove b from waitingBlocks before sendRequest re-adds it to
			// liveRequests.
			p.waitingBlocks = append(p.waitingBlocks[:i], p.waitingBlocks[i+1:]...)
			s.sendRequest(best, p, b)
		}
	}
}

// bestOptimalPeer picks the unchoked, non-rejecting peer with the piece
// and the lowest EWMA delay. A peer with no sample yet scores as though it
// were 0 only when it has no outstanding requests at all, so one slow
// first response can't keep winning every tie.
func (s *Scheduler) bestOptimalPeer(p *Piece, b *Block) *Peer {
	var best *Peer
	var bestDelay time.Duration
	for _, sp := range s.candidatePeers(p.Index) {
		if !sp.eligible() {
			continue
		}
		if p.hasLiveRequestFrom(b, sp.ID) {
			continue
		}
		var delay time.Duration
		if sp.ewma.HasSample() {
			delay = sp.ewma.Value()
		} else if sp.activeRequestCount() > 0 {
			continue
		}
		if best == nil || delay < bestDelay {
			best, bestDelay = sp, delay
		}
	}
	return best
}

// anyPeerPass assigns remaining waiting blocks to any eligible peer with
// spare capacity under half its queue cap.
func (s *Scheduler) anyPeerPass(pieces []*Piece) {
	for _, p := range pieces {
		i := 0
		for i < len(p.waitingBlocks) {
			b := p.waitingBlocks[i]
			var chosen *Peer
			for _, sp := range s.candidatePeers(p.Index) {
				if !sp.eligible() {
					continue
				}
				if sp.activeRequestCount() >= sp.queueCap/2 {
					continue
				}
				if p.hasLiveRequestFrom(b, sp.ID) {
					continue
				}
				chosen = sp
				break
			}
			if chosen == nil {
				i++
				continue
			}
			p.waitingBlocks = append(p.waitingBlocks[:i], p.waitingBlocks[i+1:]...)
			s.sendRequest(chosen, p, b)
		}
	}
}

// sendRequest issues a REQUEST for b to sp and records it as a live
// request on p, racing any incumbent already in flight.
func (s *Scheduler) sendRequest(sp *Peer, p *Piece, b *Block) {
	req := &Request{
		Block:      b,
		PeerID:     sp.ID,
		SentAt:     s.clk.Now(),
		QueueDepth: sp.activeRequestCount(),
	}
	p.addLiveRequest(b, req)
	sp.onBlockSent(req)

	c := sp.Conn()
	if c == nil {
		return
	}
	if err := c.Send(wireRequest(b)); err != nil {
		s.logger.Debugf("send request to %s: %s", sp.ID, err)
		return
	}
	sp.Stats().IncrementRequestsSent()
}
