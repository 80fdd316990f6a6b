package scheduler

import (
	"time"

	"github.com/movian/bittorrent/internal/heap"
)

// deadlineOrder returns the given pieces sorted ascending by deadline,
// with NoDeadline (+Inf) pieces sorted last. This is the scheduler's
// "secondary ordered list sorted by deadline ascending" used by every
// selection pass.
func deadlineOrder(pieces map[int]*Piece) []*Piece {
	pq := heap.NewPriorityQueue()
	for _, p := range pieces {
		pq.Push(&heap.Item{Value: p, Priority: deadlinePriority(p)})
	}
	ordered := make([]*Piece, 0, len(pieces))
	for pq.Len() > 0 {
		item, err := pq.Pop()
		if err != nil {
			break
		}
		ordered = append(ordered, item.Value.(*Piece))
	}
	return ordered
}

// deadlinePriority maps a piece's deadline to an int priority for
// internal/heap's min-priority queue: earlier deadlines pop first,
// NoDeadline pieces sort last.
func deadlinePriority(p *Piece) int {
	if !p.HasDeadline() {
		return int(^uint(0) >> 1) // math.MaxInt
	}
	return int(p.Deadline.Sub(epoch) / time.Millisecond)
}

// epoch anchors deadlinePriority's millisecond conversion; only relative
// ordering between pieces matters, not the absolute value.
var epoch = time.Unix(0, 0)
