package diskcache

import (
	"encoding/binary"
	"fmt"
	"io"
)

// magic is the 4-byte 'bt02' big-endian header every cache file starts
// with, per spec.md §4.5/§6.
const magic uint32 = 0x62743032

// absentSlot marks a piece-map entry with no backing slot.
const absentSlot uint32 = 0xFFFFFFFF

// header is the decoded fixed-size prefix of a cache file: everything up
// to and including the piece-index -> slot table.
type header struct {
	metainfo []byte
	pieceMap []uint32 // index = piece index, value = slot index or absentSlot
}

// slotRegionOffset returns the byte offset at which the slot storage region
// begins for a header with len(metainfo) and len(pieceMap) fixed.
func (h *header) slotRegionOffset() int64 {
	return 8 + int64(len(h.metainfo)) + 4*int64(len(h.pieceMap))
}

// writeHeader serializes h to w: magic, metainfo length, metainfo bytes,
// then the piece-map table.
func writeHeader(w io.Writer, h *header) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], magic)
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write magic: %s", err)
	}
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(h.metainfo)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write metainfo length: %s", err)
	}
	if _, err := w.Write(h.metainfo); err != nil {
		return fmt.Errorf("write metainfo: %s", err)
	}
	mapBuf := make([]byte, 4*len(h.pieceMap))
	for i, slot := range h.pieceMap {
		binary.BigEndian.PutUint32(mapBuf[i*4:], slot)
	}
	if _, err := w.Write(mapBuf); err != nil {
		return fmt.Errorf("write piece map: %s", err)
	}
	return nil
}

// readHeader parses a header from r. numPieces must be known in advance
// (from the torrent's metainfo) to size the piece-map read.
func readHeader(r io.ReaderAt, numPieces int) (*header, error) {
	var prefix [8]byte
	if _, err := r.ReadAt(prefix[:], 0); err != nil {
		return nil, fmt.Errorf("read header prefix: %s", err)
	}
	gotMagic := binary.BigEndian.Uint32(prefix[0:4])
	if gotMagic != magic {
		return nil, fmt.Errorf("bad magic: got %#x, want %#x", gotMagic, magic)
	}
	m := binary.BigEndian.Uint32(prefix[4:8])

	metainfo := make([]byte, m)
	if m > 0 {
		if _, err := r.ReadAt(metainfo, 8); err != nil {
			return nil, fmt.Errorf("read metainfo: %s", err)
		}
	}

	mapBuf := make([]byte, 4*numPieces)
	if numPieces > 0 {
		if _, err := r.ReadAt(mapBuf, 8+int64(m)); err != nil {
			return nil, fmt.Errorf("read piece map: %s", err)
		}
	}
	pieceMap := make([]uint32, numPieces)
	for i := range pieceMap {
		pieceMap[i] = binary.BigEndian.Uint32(mapBuf[i*4:])
	}

	return &header{metainfo: metainfo, pieceMap: pieceMap}, nil
}
