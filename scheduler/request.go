package scheduler

import (
	"time"

	"github.com/movian/bittorrent/core"
)

// Request is a single outstanding REQUEST sent to one peer for one block.
// Multiple concurrent Requests for the same block across different peers
// are expected during redundancy-pass racing.
type Request struct {
	Block      *Block
	PeerID     core.PeerID
	SentAt     time.Time
	QueueDepth int // the peer's active-request count at send time.
}

// eta returns the predicted arrival time of r given the peer's current
// EWMA block-delay, scaled up the later the peer already is.
func (r *Request) eta(now time.Time, ewma time.Duration) time.Time {
	delay := ewma
	if elapsed := now.Sub(r.SentAt); elapsed > delay {
		// The peer is already running behind; project forward from how late
		// it already is rather than from the stale average.
		delay = elapsed + ewma/2
	}
	return r.SentAt.Add(delay)
}
