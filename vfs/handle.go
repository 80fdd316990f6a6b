package vfs

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/movian/bittorrent/metainfo"
	"github.com/movian/bittorrent/torrent"
)

// prefetchWindow is the number of pieces ahead of the current read offset
// kept marked with a near-term deadline, so the scheduler's optimal pass
// prioritizes them over pieces no reader is waiting on.
const prefetchWindow = 3

// prefetchDeadline is how far past the time of a Read each prefetched
// piece's deadline is set, per spec.md §4.2. The deadline is not cleared
// once it passes, so such a piece keeps sorting ahead of pieces with a
// later deadline or none.
const prefetchDeadline = 30 * time.Second

// Handle is a cancellable, seekable reader over one file within a
// torrent, implementing the torrentfile:// read algorithm: each Read
// call converts the current offset to a piece index and in-piece
// offset, requests readahead on the following pieces, blocks until the
// needed piece is hash-verified, and copies out the available bytes.
type Handle struct {
	t    *torrent.Torrent
	info *metainfo.Info
	span torrent.FileSpan

	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	pos int64 // offset within the file, [0, span.Info.Length)
}

func newHandle(ctx context.Context, t *torrent.Torrent, info *metainfo.Info, span torrent.FileSpan) *Handle {
	hctx, cancel := context.WithCancel(ctx)
	return &Handle{t: t, info: info, span: span, ctx: hctx, cancel: cancel}
}

// Close cancels any in-flight Read and releases the handle. A cancelled
// Read returns early without marking the handle as still contributing
// interest to the pieces it was waiting on.
func (h *Handle) Close() error {
	h.cancel()
	return nil
}

// Seek repositions the handle within its file, per io.Seeker.
func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = h.pos
	case io.SeekEnd:
		base = h.span.Info.Length
	default:
		return 0, io.ErrUnexpectedEOF
	}
	newPos := base + offset
	if newPos < 0 || newPos > h.span.Info.Length {
		return 0, io.EOF
	}
	h.pos = newPos
	return h.pos, nil
}

// Read implements the torrentfile:// read path: it converts the handle's
// current file-relative offset into a torrent-absolute offset, derives
// the owning piece and in-piece offset, marks that piece and the next
// prefetchWindow-1 pieces for priority scheduling, blocks until the
// owning piece is hash-verified (or the handle is cancelled), and
// copies as many bytes as are available from that single piece before
// returning. Callers loop Read until len(b) is satisfied or io.EOF.
func (h *Handle) Read(b []byte) (int, error) {
	h.mu.Lock()
	pos := h.pos
	h.mu.Unlock()

	if pos >= h.span.Info.Length {
		return 0, io.EOF
	}
	if len(b) == 0 {
		return 0, nil
	}

	torrentOffset := h.span.Offset + pos
	pieceLength := h.info.PieceLength
	pieceIndex := int(torrentOffset / pieceLength)
	inPiece := torrentOffset % pieceLength

	h.prefetch(pieceIndex)

	if err := h.t.WaitForPiece(h.ctx, pieceIndex); err != nil {
		return 0, err
	}

	piece, err := h.t.ReadPiece(pieceIndex)
	if err != nil {
		return 0, err
	}

	avail := int64(len(piece)) - inPiece
	remaining := h.span.Info.Length - pos
	if avail > remaining {
		avail = remaining
	}
	n := len(b)
	if int64(n) > avail {
		n = int(avail)
	}
	copy(b[:n], piece[inPiece:int64(inPiece)+int64(n)])

	h.mu.Lock()
	h.pos += int64(n)
	h.mu.Unlock()

	return n, nil
}

// prefetch sets a near-term deadline on pieceIndex and the pieces
// following it within prefetchWindow, so the scheduler treats them as
// urgent ahead of the reader actually blocking on them.
func (h *Handle) prefetch(pieceIndex int) {
	deadline := time.Now().Add(prefetchDeadline)
	last := pieceIndex + prefetchWindow
	numPieces := h.t.NumPieces()
	if last > numPieces {
		last = numPieces
	}
	for i := pieceIndex; i < last; i++ {
		h.t.SetPieceDeadline(i, deadline)
	}
}
