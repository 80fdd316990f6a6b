package torrent

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/movian/bittorrent/core"
	"github.com/movian/bittorrent/diskcache"
	"github.com/movian/bittorrent/hashverify"
	"github.com/movian/bittorrent/metainfo"
	"github.com/movian/bittorrent/peerconn"
	"github.com/movian/bittorrent/scheduler"
	"github.com/movian/bittorrent/wire"
)

// singlePieceMetainfo returns a one-piece, one-block torrent whose piece
// hash matches pieceData.
func singlePieceMetainfo(pieceData []byte) *metainfo.TorrentInfo {
	hash := sha1.Sum(pieceData)
	info := metainfo.Info{
		PieceLength: int64(len(pieceData)),
		Pieces:      hash[:],
		Name:        "testfile",
		Length:      int64(len(pieceData)),
	}
	return &metainfo.TorrentInfo{
		Info:     info,
		InfoHash: core.NewInfoHashFromBytes([]byte("fake-raw-info-dict")),
		RawInfo:  []byte("fake-raw-info-dict"),
	}
}

func newTestTorrent(t *testing.T, mi *metainfo.TorrentInfo, v *hashverify.Verifier) *Torrent {
	tr, err := New(
		mi,
		Config{},
		diskcache.Config{Dir: t.TempDir()},
		scheduler.Config{},
		nil,
		v,
		clock.New(),
		tally.NewTestScope("", nil),
		zap.NewNop().Sugar(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func newTestVerifier(t *testing.T) *hashverify.Verifier {
	v := hashverify.New(hashverify.Config{}, tally.NewTestScope("", nil), zap.NewNop().Sugar())
	v.Start()
	t.Cleanup(v.Stop)
	return v
}

func addRunningPeer(t *testing.T, tr *Torrent) (*peerconn.Peer, core.PeerID) {
	conn, cleanup := peerconn.Fixture()
	t.Cleanup(cleanup)

	id := conn.PeerID()
	p := peerconn.NewPeer(id, conn.String(), clock.New())
	p.MarkConnecting()
	p.MarkWaitHandshake()
	p.MarkRunning(conn)
	tr.AddPeer(p)
	return p, id
}

// addRunningPeerWithRemote is like addRunningPeer but keeps the pipe's
// remote end reachable, so a test can observe what the torrent actually
// writes to the wire.
func addRunningPeerWithRemote(t *testing.T, tr *Torrent) (*peerconn.Peer, core.PeerID, *peerconn.Conn) {
	var infoHash core.InfoHash
	local, remote, cleanup := peerconn.PipeFixture(peerconn.ConfigFixture(), infoHash)
	t.Cleanup(cleanup)

	id := local.PeerID()
	p := peerconn.NewPeer(id, local.String(), clock.New())
	p.MarkConnecting()
	p.MarkWaitHandshake()
	p.MarkRunning(local)
	tr.AddPeer(p)
	return p, id, remote
}

func recvMessage(t *testing.T, remote *peerconn.Conn) *wire.Message {
	t.Helper()
	select {
	case msg := <-remote.Receiver():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message on the wire")
		return nil
	}
}

func requireNoMessage(t *testing.T, remote *peerconn.Conn) {
	t.Helper()
	select {
	case msg := <-remote.Receiver():
		t.Fatalf("unexpected message sent: %v", msg.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewOpensEmptyCache(t *testing.T) {
	require := require.New(t)
	mi := singlePieceMetainfo(make([]byte, 8))
	tr := newTestTorrent(t, mi, newTestVerifier(t))
	require.False(tr.Complete())
	require.Equal(1, tr.NumPieces())
}

func TestHandlePieceDeliversAndVerifiesSuccessfully(t *testing.T) {
	require := require.New(t)
	data := []byte("piecedata-8byte")[:8]
	mi := singlePieceMetainfo(data)

	v := newTestVerifier(t)
	tr := newTestTorrent(t, mi, v)

	p, id := addRunningPeer(t, tr)

	require.NoError(tr.HandleMessage(id, p, wire.NewBitfield([]byte{0x80})))
	require.NoError(tr.HandleMessage(id, p, &wire.Message{ID: wire.Unchoke}))

	tr.Tick() // assigns the single block to p via the scheduler.

	require.NoError(tr.HandleMessage(id, p, &wire.Message{
		ID:    wire.Piece,
		Index: 0,
		Begin: 0,
		Block: data,
	}))

	select {
	case r := <-v.Results():
		tr.OnVerifyResult(r)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for verification result")
	}

	require.True(tr.Complete())
	got, err := tr.ReadPiece(0)
	require.NoError(err)
	require.Equal(data, got)
}

func TestHandlePieceDuplicateIsIgnored(t *testing.T) {
	require := require.New(t)
	data := make([]byte, 8)
	mi := singlePieceMetainfo(data)
	tr := newTestTorrent(t, mi, newTestVerifier(t))

	p, id := addRunningPeer(t, tr)
	require.NoError(tr.HandleMessage(id, p, wire.NewBitfield([]byte{0x80})))
	require.NoError(tr.HandleMessage(id, p, &wire.Message{ID: wire.Unchoke}))

	// No Tick() was run, so the scheduler has no outstanding request for
	// this block: delivery is unsolicited and must be treated as waste,
	// not a crash.
	require.NoError(tr.HandleMessage(id, p, &wire.Message{
		ID:    wire.Piece,
		Index: 0,
		Begin: 0,
		Block: data,
	}))
	require.Equal(int64(len(data)), tr.WastedBytes())
}

func TestAddPeerSendsInitialBitfield(t *testing.T) {
	require := require.New(t)
	mi := singlePieceMetainfo(make([]byte, 8))
	tr := newTestTorrent(t, mi, newTestVerifier(t))

	_, _, remote := addRunningPeerWithRemote(t, tr)

	msg := recvMessage(t, remote)
	require.Equal(wire.Bitfield, msg.ID)
}

func TestAddPeerSendsExtensionHandshakeBeforeBitfieldWhenNegotiated(t *testing.T) {
	require := require.New(t)
	mi := singlePieceMetainfo(make([]byte, 8))
	tr := newTestTorrent(t, mi, newTestVerifier(t))

	p, _, remote := addRunningPeerWithRemote(t, tr)
	f := p.Flags()
	f.ExtensionProto = true
	p.SetFlags(f)

	// The initial set is only sent once, on the AddPeer transition; flip
	// the flag and re-trigger it directly the way OnConnect would.
	tr.OnConnect(p.ID)

	msg := recvMessage(t, remote) // from the AddPeer call before ExtensionProto was set
	require.Equal(wire.Bitfield, msg.ID)

	ext := recvMessage(t, remote)
	require.Equal(wire.Extension, ext.ID)
	require.Equal(byte(0), ext.ExtendedID)

	bf := recvMessage(t, remote)
	require.Equal(wire.Bitfield, bf.ID)
}

func TestRecomputeInterestSendsOnTransitionOnly(t *testing.T) {
	require := require.New(t)
	mi := singlePieceMetainfo(make([]byte, 8))
	tr := newTestTorrent(t, mi, newTestVerifier(t))

	p, id, remote := addRunningPeerWithRemote(t, tr)
	recvMessage(t, remote) // initial bitfield

	require.False(p.Flags().AmInterested)

	require.NoError(tr.HandleMessage(id, p, wire.NewBitfield([]byte{0x80})))
	require.True(p.Flags().AmInterested)

	msg := recvMessage(t, remote)
	require.Equal(wire.Interested, msg.ID)

	// Re-delivering the same bitfield is not a transition: nothing else
	// should be sent.
	require.NoError(tr.HandleMessage(id, p, wire.NewBitfield([]byte{0x80})))
	requireNoMessage(t, remote)
}

func TestOnVerifyResultDropsInterestWhenNoLongerNeeded(t *testing.T) {
	require := require.New(t)
	data := []byte("piecedata-8byte")[:8]
	mi := singlePieceMetainfo(data)
	v := newTestVerifier(t)
	tr := newTestTorrent(t, mi, v)

	p, id, remote := addRunningPeerWithRemote(t, tr)
	recvMessage(t, remote) // initial bitfield

	require.NoError(tr.HandleMessage(id, p, wire.NewBitfield([]byte{0x80})))
	msg := recvMessage(t, remote)
	require.Equal(wire.Interested, msg.ID)
	require.True(p.Flags().AmInterested)

	require.NoError(tr.HandleMessage(id, p, &wire.Message{ID: wire.Unchoke}))
	tr.Tick()
	require.NoError(tr.HandleMessage(id, p, &wire.Message{
		ID: wire.Piece, Index: 0, Begin: 0, Block: data,
	}))

	select {
	case r := <-v.Results():
		tr.OnVerifyResult(r)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for verification result")
	}

	require.False(p.Flags().AmInterested)
	notInterested := recvMessage(t, remote)
	require.Equal(wire.NotInterested, notInterested.ID)
}

func TestChokeAllServesQueuedUploadOnUnchoke(t *testing.T) {
	require := require.New(t)
	data := make([]byte, 8)
	mi := singlePieceMetainfo(data)
	tr := newTestTorrent(t, mi, newTestVerifier(t))

	require.NoError(tr.cache.WritePiece(0, data))
	tr.bitfield.Set(0, true)

	p, id, remote := addRunningPeerWithRemote(t, tr)
	recvMessage(t, remote) // initial bitfield

	require.NoError(tr.HandleMessage(id, p, &wire.Message{ID: wire.Interested}))

	// p is choked by default: the REQUEST is queued, not served.
	require.NoError(tr.HandleMessage(id, p, wire.NewRequest(0, 0, len(data))))
	requireNoMessage(t, remote)

	tr.ChokeAll() // p is interested and lacks piece 0: unchoke it.
	require.False(p.Flags().AmChoking)

	unchoke := recvMessage(t, remote)
	require.Equal(wire.Unchoke, unchoke.ID)

	piece := recvMessage(t, remote)
	require.Equal(wire.Piece, piece.ID)
	require.Equal(data, piece.Block)
}

func TestChokeAllRejectsQueuedUploadOnReChoke(t *testing.T) {
	require := require.New(t)
	data := make([]byte, 8)
	mi := singlePieceMetainfo(data)
	tr := newTestTorrent(t, mi, newTestVerifier(t))

	require.NoError(tr.cache.WritePiece(0, data))
	tr.bitfield.Set(0, true)

	p, id, remote := addRunningPeerWithRemote(t, tr)
	recvMessage(t, remote) // initial bitfield

	f := p.Flags()
	f.FastExtension = true
	p.SetFlags(f)

	require.NoError(tr.HandleMessage(id, p, &wire.Message{ID: wire.Interested}))
	tr.ChokeAll() // p is interested and lacks piece 0: unchoke it.
	require.False(p.Flags().AmChoking)
	unchoke := recvMessage(t, remote)
	require.Equal(wire.Unchoke, unchoke.ID)

	// Queue a request directly the way handleUploadRequest would if it
	// arrived a moment before p lost interest and got re-choked below.
	req := wire.NewRequest(0, 0, len(data))
	tr.mu.Lock()
	tr.pendingUpload[id] = append(tr.pendingUpload[id], req)
	tr.mu.Unlock()

	require.NoError(tr.HandleMessage(id, p, &wire.Message{ID: wire.NotInterested}))
	tr.ChokeAll() // p is no longer interested: re-choke it.
	require.True(p.Flags().AmChoking)

	choke := recvMessage(t, remote)
	require.Equal(wire.Choke, choke.ID)

	reject := recvMessage(t, remote)
	require.Equal(wire.Reject, reject.ID)
	require.Equal(uint32(0), reject.Index)

	tr.mu.Lock()
	_, stillQueued := tr.pendingUpload[id]
	tr.mu.Unlock()
	require.False(stillQueued)
}
