// Package metainfo decodes and encodes BitTorrent metainfo (.torrent) files
// and magnet links.
package metainfo

import (
	"strings"

	"github.com/movian/bittorrent/core"
)

// Info is a torrent's info dictionary: the part of a .torrent file that is
// hashed to produce the torrent's InfoHash.
type Info struct {
	PieceLength int64      `bencode:"piece length"`
	Pieces      []byte     `bencode:"pieces"`
	Name        string     `bencode:"name"`
	Length      int64      `bencode:"length,omitempty"`
	Private     *bool      `bencode:"private,omitempty"`
	Files       []FileInfo `bencode:"files,omitempty"`
}

// FileInfo describes a single file inside a multi-file torrent's Info dict.
type FileInfo struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// DisplayPath returns a human readable relative path for fi within info.
func (fi FileInfo) DisplayPath(info *Info) string {
	if info.IsDir() {
		return strings.Join(fi.Path, "/")
	}
	return info.Name
}

// IsDir reports whether info describes a multi-file torrent.
func (info *Info) IsDir() bool {
	return len(info.Files) != 0
}

// TotalLength returns the sum of the lengths of every file in the torrent.
func (info *Info) TotalLength() int64 {
	if info.IsDir() {
		var total int64
		for _, fi := range info.Files {
			total += fi.Length
		}
		return total
	}
	return info.Length
}

// NumPieces returns the number of SHA-1 piece hashes in info.Pieces.
func (info *Info) NumPieces() int {
	return len(info.Pieces) / 20
}

// PieceHash returns the expected SHA-1 hash of piece i. Panics if i is out
// of range; callers are expected to bound i by NumPieces first.
func (info *Info) PieceHash(i int) [20]byte {
	var h [20]byte
	copy(h[:], info.Pieces[i*20:(i+1)*20])
	return h
}

// PieceLen returns the length of piece i, accounting for the final piece
// of the torrent being shorter than PieceLength.
func (info *Info) PieceLen(i int) int64 {
	if i < 0 || i >= info.NumPieces() {
		return 0
	}
	if i == info.NumPieces()-1 {
		return info.TotalLength() - info.PieceLength*int64(i)
	}
	return info.PieceLength
}

// UpvertedFiles returns Files, synthesizing a single-entry slice from the
// Name/Length pair for single-file torrents so callers never need to
// special-case IsDir.
func (info *Info) UpvertedFiles() []FileInfo {
	if len(info.Files) == 0 {
		return []FileInfo{{
			Length: info.Length,
			Path:   []string{info.Name},
		}}
	}
	return info.Files
}

// infoHashFromBytes returns the SHA-1 over enc, the canonical bencoding of info, as
// computed by TorrentInfo during Load.
func infoHashFromBytes(enc []byte) core.InfoHash {
	return core.NewInfoHashFromBytes(enc)
}
