package peerconn

import (
	"github.com/movian/bittorrent/wire"
)

// ChokeDecision applies the local choke/unchoke policy to one RUNNING
// peer: unchoke iff the peer is interested in us and does not already
// have every piece we have to offer; choke otherwise. It sends CHOKE or
// UNCHOKE only on an actual state transition, and on a fresh choke,
// forfeits every pending upload request the peer has on us (sending
// REJECT for each if the peer negotiated the Fast Extension, per BEP-6).
func ChokeDecision(p *Peer, peerHasEverything bool, pendingUploadRequests []*wire.Message) error {
	if p.State() != Running {
		return nil
	}
	flags := p.Flags()
	shouldUnchoke := flags.PeerInterested && !peerHasEverything

	if shouldUnchoke == !flags.AmChoking {
		return nil
	}

	c := p.Conn()
	if c == nil {
		return nil
	}

	flags.AmChoking = !shouldUnchoke
	p.SetFlags(flags)

	if shouldUnchoke {
		return c.Send(&wire.Message{ID: wire.Unchoke})
	}

	if err := c.Send(&wire.Message{ID: wire.Choke}); err != nil {
		return err
	}
	if flags.FastExtension {
		for _, req := range pendingUploadRequests {
			if err := c.Send(wire.NewReject(int(req.Index), int(req.Begin), int(req.Length))); err != nil {
				return err
			}
		}
	}
	return nil
}
