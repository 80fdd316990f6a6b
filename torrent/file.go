package torrent

import (
	"fmt"

	"github.com/movian/bittorrent/metainfo"
)

// FileSpan is one file's byte range within a torrent's flat piece space,
// used by the VFS layer to translate a file offset into a piece index and
// in-piece offset.
type FileSpan struct {
	Info   metainfo.FileInfo
	Offset int64 // byte offset of this file's first byte within the torrent
}

// Layout is the ordered list of a torrent's files and their offsets.
type Layout struct {
	Spans []FileSpan
}

// NewLayout builds a Layout from info's upverted file list.
func NewLayout(info *metainfo.Info) *Layout {
	var offset int64
	spans := make([]FileSpan, 0, len(info.UpvertedFiles()))
	for _, fi := range info.UpvertedFiles() {
		spans = append(spans, FileSpan{Info: fi, Offset: offset})
		offset += fi.Length
	}
	return &Layout{Spans: spans}
}

// FileAt returns the span containing torrent-relative byte offset off.
func (l *Layout) FileAt(off int64) (FileSpan, error) {
	for _, s := range l.Spans {
		if off >= s.Offset && off < s.Offset+s.Info.Length {
			return s, nil
		}
	}
	return FileSpan{}, fmt.Errorf("offset %d outside torrent", off)
}

// PieceRange returns the inclusive [first, last] piece indices overlapped
// by span.
func (l *Layout) PieceRange(span FileSpan, pieceLength int64) (first, last int) {
	first = int(span.Offset / pieceLength)
	last = int((span.Offset + span.Info.Length - 1) / pieceLength)
	return first, last
}

// OffsetInPiece returns the byte offset within piece index that
// torrent-relative offset off falls at.
func OffsetInPiece(off, pieceLength int64) int64 {
	return off % pieceLength
}
