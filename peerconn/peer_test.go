package peerconn

import (
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/movian/bittorrent/core"
)

func newTestPeer() *Peer {
	id, err := core.GenerateLocalPeerID()
	if err != nil {
		panic(err)
	}
	return NewPeer(id, "127.0.0.1:6881", clock.New())
}

func TestPeerStateTransitionsToRunning(t *testing.T) {
	require := require.New(t)

	p := newTestPeer()
	require.Equal(Inactive, p.State())

	p.MarkConnecting()
	require.Equal(Connecting, p.State())

	p.MarkWaitHandshake()
	require.Equal(WaitHandshake, p.State())

	c, cleanup := Fixture()
	defer cleanup()
	p.MarkRunning(c)
	require.Equal(Running, p.State())
	require.Equal(c, p.Conn())
}

func TestPeerDestroyedAfterFiveConnectFailures(t *testing.T) {
	require := require.New(t)

	p := newTestPeer()
	for i := 0; i < 4; i++ {
		require.False(p.MarkConnectFail())
		require.Equal(ConnectFail, p.State())
	}
	require.True(p.MarkConnectFail())
	require.Equal(Destroyed, p.State())
}

func TestPeerDestroyedAfterFiveDisconnectsWithoutGoodPiece(t *testing.T) {
	require := require.New(t)

	c, cleanup := Fixture()
	defer cleanup()

	p := newTestPeer()
	for i := 0; i < 4; i++ {
		p.MarkRunning(c)
		require.False(p.MarkDisconnected())
	}
	p.MarkRunning(c)
	require.True(p.MarkDisconnected())
	require.Equal(Destroyed, p.State())
}

func TestPeerDisconnectAfterGoodPieceResetsFailures(t *testing.T) {
	require := require.New(t)

	c, cleanup := Fixture()
	defer cleanup()

	p := newTestPeer()
	p.MarkRunning(c)
	p.TouchGoodPieceReceived()
	require.False(p.MarkDisconnected())
	require.Equal(Disconnected, p.State())

	p.MarkRunning(c)
	require.False(p.MarkDisconnected())
}

func TestPeerReactivateFromDisconnected(t *testing.T) {
	require := require.New(t)

	p := newTestPeer()
	p.MarkConnecting()
	p.MarkWaitHandshake()
	p.MarkDisconnected()
	require.True(p.Reactivate())
	require.Equal(Inactive, p.State())
}

func TestPeerReactivateFailsWhenDestroyed(t *testing.T) {
	require := require.New(t)

	p := newTestPeer()
	for i := 0; i < 5; i++ {
		p.MarkConnectFail()
	}
	require.Equal(Destroyed, p.State())
	require.False(p.Reactivate())
}

func TestPeerBitfieldStashedAndReplayed(t *testing.T) {
	require := require.New(t)

	p := newTestPeer()

	b := []byte{0xF0} // first 4 of 8 bits set
	p.StashBitfield(b)
	require.Nil(p.Bitfield())

	require.True(p.InitBitfield(8))
	require.NotNil(p.Bitfield())
	require.True(p.Bitfield().Has(0))
	require.False(p.Bitfield().Has(4))
}

func TestPeerBitfieldPendingHaveAll(t *testing.T) {
	require := require.New(t)

	p := newTestPeer()
	f := p.Flags()
	f.PendingHaveAll = true
	p.SetFlags(f)

	require.True(p.InitBitfield(4))
	require.True(p.Bitfield().Complete())
}

func TestPeerExtMsgID(t *testing.T) {
	require := require.New(t)

	p := newTestPeer()
	_, ok := p.ExtMsgID(ExtUTMetadata)
	require.False(ok)

	p.SetExtMsgID(ExtUTMetadata, 3)
	id, ok := p.ExtMsgID(ExtUTMetadata)
	require.True(ok)
	require.EqualValues(3, id)
}
