// Package diskcache implements spec.md §4.5's packed single-file piece
// cache: one "<hex infohash>.tc" file per torrent holding the metainfo
// blob, a piece-index -> slot table, and fixed-size piece slots.
package diskcache

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/movian/bittorrent/core"
)

// ErrNotCached is returned by ReadPiece when the requested piece has no
// backing slot on disk.
type ErrNotCached struct {
	PieceIndex int
}

func (e *ErrNotCached) Error() string {
	return fmt.Sprintf("piece %d not cached on disk", e.PieceIndex)
}

// PieceLenFunc returns the byte length of the piece at index, accounting
// for the final piece of a torrent being shorter than the nominal piece
// length.
type PieceLenFunc func(index int) int64

// Cache manages the on-disk slot file for a single torrent. All methods
// are safe for concurrent use; spec.md §5 reserves the cache file to a
// single disk-io goroutine in practice, but the lock makes misuse safe.
type Cache struct {
	path        string
	infoHash    core.InfoHash
	pieceLen    PieceLenFunc
	logger      *zap.SugaredLogger

	mu       sync.Mutex
	f        *os.File
	hdr      *header
	inverse  map[uint32]int // slot -> piece index
	nextSlot uint32
	disabled map[int]bool // pieces marked disk_fail this session
}

// Open opens or creates the cache file at <dir>/<hex infohash>.tc. If the
// file's header is missing, corrupt, or its metainfo hash does not match
// infoHash, the header is rewritten from scratch and every slot is
// considered empty, per spec.md §4.5 "Open".
func Open(dir string, infoHash core.InfoHash, metainfoBytes []byte, numPieces int, pieceLen PieceLenFunc, logger *zap.SugaredLogger) (*Cache, error) {
	path := filepath.Join(dir, infoHash.Hex()+".tc")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open cache file: %s", err)
	}

	c := &Cache{
		path:     path,
		infoHash: infoHash,
		pieceLen: pieceLen,
		logger:   logger,
		f:        f,
		disabled: make(map[int]bool),
	}

	hdr, err := readHeader(f, numPieces)
	if err != nil || sha1.Sum(hdr.metainfo) != infoHash {
		if err := c.resetLocked(metainfoBytes, numPieces); err != nil {
			f.Close()
			return nil, fmt.Errorf("reset cache header: %s", err)
		}
		return c, nil
	}

	c.hdr = hdr
	c.inverse = make(map[uint32]int, numPieces)
	for i, slot := range hdr.pieceMap {
		if slot == absentSlot {
			continue
		}
		c.inverse[slot] = i
		if slot+1 > c.nextSlot {
			c.nextSlot = slot + 1
		}
	}
	return c, nil
}

func (c *Cache) resetLocked(metainfoBytes []byte, numPieces int) error {
	hdr := &header{
		metainfo: metainfoBytes,
		pieceMap: make([]uint32, numPieces),
	}
	for i := range hdr.pieceMap {
		hdr.pieceMap[i] = absentSlot
	}
	if err := c.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate: %s", err)
	}
	if _, err := c.f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek: %s", err)
	}
	if err := writeHeader(c.f, hdr); err != nil {
		return err
	}
	c.hdr = hdr
	c.inverse = make(map[uint32]int, numPieces)
	c.nextSlot = 0
	return nil
}

// Close closes the underlying file.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f.Close()
}

// OnDiskPieces returns the indices of every piece currently recorded as
// cached on disk.
func (c *Cache) OnDiskPieces() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.inverse))
	for _, i := range c.inverse {
		out = append(out, i)
	}
	return out
}

// UsedBytes returns the number of bytes occupied by slot storage,
// including any holes left by ShrinkWindow.
func (c *Cache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(c.nextSlot) * c.nominalSlotSize()
}

func (c *Cache) nominalSlotSize() int64 {
	if len(c.hdr.pieceMap) == 0 {
		return 0
	}
	return c.pieceLen(0)
}

func (c *Cache) slotOffset(slot uint32) int64 {
	return c.hdr.slotRegionOffset() + int64(slot)*c.nominalSlotSize()
}

func (c *Cache) mapEntryOffset(pieceIndex int) int64 {
	return 8 + int64(len(c.hdr.metainfo)) + int64(pieceIndex)*4
}

// WritePiece writes a completed, hash-verified piece's bytes to its slot,
// per spec.md §4.5: if the target slot was previously occupied by another
// piece, that piece's map entry is cleared on disk before the new bytes
// are written, so a crash never leaves two piece indices pointing at the
// same slot (Testable Property 3/4).
func (c *Cache) WritePiece(pieceIndex int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pieceIndex < 0 || pieceIndex >= len(c.hdr.pieceMap) {
		return fmt.Errorf("piece index %d out of range", pieceIndex)
	}

	slot := c.nextSlot
	if evicted, ok := c.inverse[slot]; ok {
		if err := c.clearMapEntryLocked(evicted); err != nil {
			return fmt.Errorf("clear evicted map entry: %s", err)
		}
	}

	if _, err := c.f.WriteAt(data, c.slotOffset(slot)); err != nil {
		c.disabled[pieceIndex] = true
		return fmt.Errorf("write slot: %s", err)
	}

	var buf [4]byte
	putUint32(buf[:], slot)
	if _, err := c.f.WriteAt(buf[:], c.mapEntryOffset(pieceIndex)); err != nil {
		c.disabled[pieceIndex] = true
		return fmt.Errorf("write map entry: %s", err)
	}

	c.hdr.pieceMap[pieceIndex] = slot
	c.inverse[slot] = pieceIndex
	c.nextSlot++
	return nil
}

func (c *Cache) clearMapEntryLocked(pieceIndex int) error {
	var buf [4]byte
	putUint32(buf[:], absentSlot)
	if _, err := c.f.WriteAt(buf[:], c.mapEntryOffset(pieceIndex)); err != nil {
		return err
	}
	c.hdr.pieceMap[pieceIndex] = absentSlot
	return nil
}

// ReadPiece reads a piece previously written by WritePiece.
func (c *Cache) ReadPiece(pieceIndex int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pieceIndex < 0 || pieceIndex >= len(c.hdr.pieceMap) {
		return nil, fmt.Errorf("piece index %d out of range", pieceIndex)
	}
	slot := c.hdr.pieceMap[pieceIndex]
	if slot == absentSlot {
		return nil, &ErrNotCached{PieceIndex: pieceIndex}
	}
	n := c.pieceLen(pieceIndex)
	buf := make([]byte, n)
	if _, err := c.f.ReadAt(buf, c.slotOffset(slot)); err != nil {
		return nil, fmt.Errorf("read slot: %s", err)
	}
	return buf, nil
}

// DiskFailed reports whether pieceIndex was marked disk_fail this session.
func (c *Cache) DiskFailed(pieceIndex int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled[pieceIndex]
}

// ShrinkWindow halves nextSlot, discarding the upper half of this
// torrent's cached pieces to free room without a full eviction scan, per
// spec.md §4.5.1's "An active torrent may further truncate its own slot
// window". Every discarded piece's on-disk map entry is cleared through
// the same path WritePiece uses for an evicted slot, so a later WritePiece
// reusing that slot cannot leave two piece indices pointing at it after a
// crash-reopen (Testable Property 3/4).
func (c *Cache) ShrinkWindow() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	newNext := c.nextSlot / 2
	var discarded []int
	for slot, piece := range c.inverse {
		if slot >= newNext {
			discarded = append(discarded, piece)
			delete(c.inverse, slot)
		}
	}
	c.nextSlot = newNext

	for _, piece := range discarded {
		if err := c.clearMapEntryLocked(piece); err != nil {
			return fmt.Errorf("clear shrunk map entry: %s", err)
		}
	}
	return nil
}

// ModTime returns the cache file's last-modified time, used by eviction
// ordering.
func ModTime(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
