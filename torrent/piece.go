package torrent

import (
	"fmt"

	"github.com/willf/bitset"

	"github.com/movian/bittorrent/wire"
)

// pieceBuffer accumulates a single piece's block payloads in memory between
// the first PIECE message received for it and the point it is handed to
// hash verification. received tracks which block offsets have landed, so a
// retransmitted or racing duplicate never double-counts.
type pieceBuffer struct {
	index int
	data  []byte

	received  *bitset.BitSet
	numBlocks uint
}

func newPieceBuffer(index int, length int) *pieceBuffer {
	numBlocks := (length + wire.BlockSize - 1) / wire.BlockSize
	return &pieceBuffer{
		index:     index,
		data:      make([]byte, length),
		received:  bitset.New(uint(numBlocks)),
		numBlocks: uint(numBlocks),
	}
}

// put copies a delivered block's bytes into the buffer at begin. Returns
// true if this was the piece's last outstanding block.
func (b *pieceBuffer) put(begin int, block []byte) (bool, error) {
	if begin < 0 || begin+len(block) > len(b.data) {
		return false, fmt.Errorf("block [%d,%d) out of bounds for piece of length %d", begin, begin+len(block), len(b.data))
	}
	copy(b.data[begin:], block)
	blockIdx := uint(begin / wire.BlockSize)
	b.received.Set(blockIdx)
	return b.received.Count() == b.numBlocks, nil
}
