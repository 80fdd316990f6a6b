package diskcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/movian/bittorrent/core"
)

const testPieceLen = 16

func fixedPieceLen(n int64) PieceLenFunc {
	return func(int) int64 { return n }
}

func openTestCache(t *testing.T, dir string, infoHash core.InfoHash, numPieces int) *Cache {
	c, err := Open(dir, infoHash, []byte("fake-metainfo"), numPieces, fixedPieceLen(testPieceLen), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpenFreshFileStartsEmpty(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	var ih core.InfoHash
	ih[0] = 1

	c := openTestCache(t, dir, ih, 4)
	require.Empty(c.OnDiskPieces())

	_, err := c.ReadPiece(0)
	require.Error(err)
}

func TestWriteThenReadPieceRoundTrips(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	var ih core.InfoHash
	ih[0] = 2

	c := openTestCache(t, dir, ih, 2)
	data := make([]byte, testPieceLen)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(c.WritePiece(0, data))

	got, err := c.ReadPiece(0)
	require.NoError(err)
	require.Equal(data, got)
}

func TestReopenWithMatchingMetainfoRestoresPieceMap(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	metainfo := []byte("fake-metainfo")
	ih := core.NewInfoHashFromBytes(metainfo)
	c1, err := Open(dir, ih, metainfo, 2, fixedPieceLen(testPieceLen), zap.NewNop().Sugar())
	require.NoError(err)
	data := make([]byte, testPieceLen)
	require.NoError(c1.WritePiece(1, data))
	require.NoError(c1.Close())

	c2, err := Open(dir, ih, metainfo, 2, fixedPieceLen(testPieceLen), zap.NewNop().Sugar())
	require.NoError(err)
	defer c2.Close()

	require.Equal([]int{1}, c2.OnDiskPieces())
	got, err := c2.ReadPiece(1)
	require.NoError(err)
	require.Equal(data, got)
}

func TestReopenWithMismatchedInfoHashResets(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	var ih core.InfoHash
	ih[0] = 4

	c1, err := Open(dir, ih, []byte("metainfo-v1"), 2, fixedPieceLen(testPieceLen), zap.NewNop().Sugar())
	require.NoError(err)
	require.NoError(c1.WritePiece(0, make([]byte, testPieceLen)))
	require.NoError(c1.Close())

	// The stored metainfo's SHA-1 does not equal ih: validation fails and
	// the header is rewritten from scratch (the check spec.md §4.5's Open
	// step describes).
	c2, err := Open(dir, ih, []byte("metainfo-v2-different-length"), 2, fixedPieceLen(testPieceLen), zap.NewNop().Sugar())
	require.NoError(err)
	defer c2.Close()
	require.Empty(c2.OnDiskPieces())
}

func TestWritePieceReclaimsSlotAndClearsOldMapEntry(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	var ih core.InfoHash
	ih[0] = 5

	c := openTestCache(t, dir, ih, 3)
	require.NoError(c.WritePiece(0, make([]byte, testPieceLen)))
	require.NoError(c.ShrinkWindow()) // forces nextSlot back to 0, simulating slot reuse

	require.NoError(c.WritePiece(1, make([]byte, testPieceLen)))

	// Piece 0 no longer claims the slot piece 1 now occupies.
	_, err := c.ReadPiece(0)
	require.Error(err)
	got, err := c.ReadPiece(1)
	require.NoError(err)
	require.Len(got, testPieceLen)
}

func TestShrinkWindowClearsDiscardedMapEntryOnDisk(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	ih := core.NewInfoHashFromBytes([]byte("fake-metainfo"))

	c := openTestCache(t, dir, ih, 4)
	require.NoError(c.WritePiece(0, make([]byte, testPieceLen)))
	require.NoError(c.WritePiece(1, make([]byte, testPieceLen)))
	require.NoError(c.WritePiece(2, make([]byte, testPieceLen)))
	require.NoError(c.WritePiece(3, make([]byte, testPieceLen)))
	require.NoError(c.ShrinkWindow()) // discards pieces 2 and 3, which held slots 2 and 3
	require.NoError(c.Close())

	// Reopening replays the on-disk map fresh: if the discarded entries
	// were not cleared on disk, slots 2 and 3 would still be reported
	// on-disk for pieces that ShrinkWindow dropped.
	reopened, err := Open(dir, ih, c.hdr.metainfo, 4, fixedPieceLen(testPieceLen), zap.NewNop().Sugar())
	require.NoError(err)
	defer reopened.Close()
	require.ElementsMatch([]int{0, 1}, reopened.OnDiskPieces())
}

func TestEvictDeletesOldestInactiveFirst(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	var ihOld, ihNew, ihActive core.InfoHash
	ihOld[0], ihNew[0], ihActive[0] = 1, 2, 3

	writeFile := func(ih core.InfoHash, size int, mtime time.Time) {
		path := filepath.Join(dir, ih.Hex()+".tc")
		require.NoError(os.WriteFile(path, make([]byte, size), 0644))
		require.NoError(os.Chtimes(path, mtime, mtime))
	}

	now := time.Now()
	writeFile(ihOld, 100, now.Add(-2*time.Hour))
	writeFile(ihNew, 100, now.Add(-1*time.Hour))
	writeFile(ihActive, 100, now.Add(-3*time.Hour))

	active := map[core.InfoHash]bool{ihActive: true}
	freed, err := Evict(dir, 250, active, zap.NewNop().Sugar())
	require.NoError(err)
	require.Equal(int64(100), freed)

	_, err = os.Stat(filepath.Join(dir, ihOld.Hex()+".tc"))
	require.True(os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, ihNew.Hex()+".tc"))
	require.NoError(err)
	_, err = os.Stat(filepath.Join(dir, ihActive.Hex()+".tc"))
	require.NoError(err)
}

func TestBudgetComputation(t *testing.T) {
	require := require.New(t)
	require.Equal(int64(80), Budget(50, 30, 20, 80))
}
