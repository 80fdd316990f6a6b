package engine

import (
	"context"
	"crypto/sha1"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/movian/bittorrent/core"
	"github.com/movian/bittorrent/diskcache"
	"github.com/movian/bittorrent/metainfo"
	"github.com/movian/bittorrent/torrent"
)

func newTestEngine(t *testing.T) *Engine {
	e, err := New(Config{
		Registry: torrent.RegistryConfig{Cache: diskcache.Config{Dir: t.TempDir()}},
	}, clock.New(), tally.NewTestScope("", nil), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func testMetainfo() *metainfo.TorrentInfo {
	data := []byte("abcdefgh")
	hash := sha1.Sum(data)
	info := metainfo.Info{
		PieceLength: int64(len(data)),
		Pieces:      hash[:],
		Name:        "movie.mkv",
		Length:      int64(len(data)),
	}
	return &metainfo.TorrentInfo{
		Info:     info,
		InfoHash: core.NewInfoHashFromBytes([]byte("engine-test-raw-info")),
		RawInfo:  []byte("engine-test-raw-info"),
	}
}

func TestOpenMagnetThenAttachMetainfoRegisters(t *testing.T) {
	require := require.New(t)
	e := newTestEngine(t)

	mi := testMetainfo()
	magnet := "magnet:?xt=urn:btih:" + mi.InfoHash.Hex() + "&dn=Movie"

	tr, link, err := e.OpenMagnet(magnet)
	require.NoError(err)
	require.Nil(tr)
	require.Equal("Movie", link.Name)

	tr, err = e.AttachMetainfo(mi)
	require.NoError(err)
	require.NotNil(tr)
	require.Equal(mi.InfoHash, tr.InfoHash())

	// A second AttachMetainfo for the same infohash returns the existing
	// Torrent rather than erroring.
	again, err := e.AttachMetainfo(mi)
	require.NoError(err)
	require.Same(tr, again)
}

func TestVideoPicksLargestFile(t *testing.T) {
	require := require.New(t)
	e := newTestEngine(t)

	info := &metainfo.Info{
		Name: "show",
		Files: []metainfo.FileInfo{
			{Length: 10, Path: []string{"sample.mkv"}},
			{Length: 1000, Path: []string{"episode1.mkv"}},
		},
	}
	v, err := e.Video(&VideoRequest{}, info)
	require.NoError(err)
	require.Equal("episode1.mkv", v.Path)
	require.Equal(int64(1000), v.Size)
}

func TestBrowseListsTopLevel(t *testing.T) {
	require := require.New(t)
	e := newTestEngine(t)

	info := &metainfo.Info{
		Name: "show",
		Files: []metainfo.FileInfo{
			{Length: 10, Path: []string{"ep1.mkv"}},
		},
	}
	entries, err := e.Browse(&BrowseRequest{Path: ""}, info)
	require.NoError(err)
	require.Len(entries, 1)
	require.Equal("ep1.mkv", entries[0].Name)
}

func TestOpenFileUnregisteredTorrentFails(t *testing.T) {
	e := newTestEngine(t)

	info := &metainfo.Info{Name: "movie.mkv", Length: 8}
	_, err := e.OpenFile(context.Background(), &TorrentFileRequest{
		InfoHash: core.NewInfoHashFromBytes([]byte("nope")),
		Path:     "movie.mkv",
	}, info)
	require.Error(t, err)
}
