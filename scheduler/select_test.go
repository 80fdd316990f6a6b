package scheduler

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func TestOptimalPassPicksLowestDelayPeer(t *testing.T) {
	require := require.New(t)
	clk := clock.NewMock()
	s := newTestScheduler(clk)

	piece := NewPiece(0, BlockSize)
	s.AddPiece(piece)

	slow := newTestSchedPeer(t, s, 1, 1, 0)
	fast := newTestSchedPeer(t, s, 2, 1, 0)
	slow.ewma.Update(800*time.Millisecond, time.Minute)
	fast.ewma.Update(50*time.Millisecond, time.Minute)

	s.Schedule()

	require.Empty(piece.waitingBlocks)
	require.Len(fast.active, 1)
	require.Empty(slow.active)
}

func TestOptimalPassSkipsChokingPeers(t *testing.T) {
	require := require.New(t)
	clk := clock.NewMock()
	s := newTestScheduler(clk)

	piece := NewPiece(0, BlockSize)
	s.AddPiece(piece)

	sp := newTestSchedPeer(t, s, 1, 1, 0)
	flags := sp.Flags()
	flags.PeerChoking = true
	sp.SetFlags(flags)

	s.Schedule()

	require.Len(piece.waitingBlocks, 1)
	require.Empty(sp.active)
}

func TestQueueCapLimitsAssignmentUntilFirstDelivery(t *testing.T) {
	require := require.New(t)
	clk := clock.NewMock()
	s := newTestScheduler(clk)

	piece := NewPiece(0, BlockSize*2)
	s.AddPiece(piece)

	sp := newTestSchedPeer(t, s, 1, 1, 0)

	s.Schedule()

	// Queue cap starts at 1: the first block is assigned as a free first
	// measurement, the second stays waiting until a block is delivered and
	// the cap grows.
	require.Len(piece.waitingBlocks, 1)
	require.Len(sp.active, 1)

	_, begin := piece.Index, piece.waitingBlocks[0].Begin
	_ = begin

	for k, req := range sp.active {
		result, err := s.OnBlockDelivered(sp.ID, req.Block.PieceIndex, req.Block.Begin, make([]byte, req.Block.Length))
		require.NoError(err)
		require.False(result.Duplicate)
		_ = k
	}

	s.Schedule()
	require.Empty(piece.waitingBlocks)
	require.Len(sp.active, 1)
}

func TestRedundancyPassRacesLatePeer(t *testing.T) {
	require := require.New(t)
	clk := clock.NewMock()
	s := newTestScheduler(clk)

	piece := NewPiece(0, BlockSize)
	piece.Deadline = clk.Now().Add(100 * time.Millisecond)
	s.AddPiece(piece)

	slow := newTestSchedPeer(t, s, 1, 1, 0)
	fast := newTestSchedPeer(t, s, 2, 1, 0)
	slow.ewma.Update(time.Second, time.Minute)
	fast.ewma.Update(10*time.Millisecond, time.Minute)

	b := piece.waitingBlocks[0]
	piece.waitingBlocks = nil
	req := &Request{Block: b, PeerID: slow.ID, SentAt: clk.Now()}
	piece.addLiveRequest(b, req)
	slow.onBlockSent(req)

	s.Schedule()

	require.Len(fast.active, 1)
}
