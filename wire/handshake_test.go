package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/movian/bittorrent/core"
)

func TestHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	ih, err := core.NewInfoHashFromHex("e3b0c44298fc1c149afbf4c8996fb92427ae41e4")
	require.NoError(err)
	peerID, err := core.GenerateLocalPeerID()
	require.NoError(err)

	h := NewHandshake(ih, peerID, true, true)

	var buf bytes.Buffer
	require.NoError(WriteHandshake(&buf, h))
	require.Equal(HandshakeLen, buf.Len())

	got, err := ReadHandshake(&buf)
	require.NoError(err)
	require.Equal(ih, got.InfoHash)
	require.Equal(peerID, got.PeerID)
	require.True(got.SupportsFastExtension())
	require.True(got.SupportsExtensionProtocol())
}

func TestHandshakeCapabilityBitsIndependent(t *testing.T) {
	require := require.New(t)

	ih, err := core.NewInfoHashFromHex("e3b0c44298fc1c149afbf4c8996fb92427ae41e4")
	require.NoError(err)
	peerID, err := core.GenerateLocalPeerID()
	require.NoError(err)

	h := NewHandshake(ih, peerID, true, false)
	require.True(h.SupportsFastExtension())
	require.False(h.SupportsExtensionProtocol())

	h2 := NewHandshake(ih, peerID, false, true)
	require.False(h2.SupportsFastExtension())
	require.True(h2.SupportsExtensionProtocol())
}

func TestReadHandshakeRejectsBadProtocolString(t *testing.T) {
	buf := make([]byte, HandshakeLen)
	buf[0] = 19
	copy(buf[1:], "NotBitTorrent proto")

	_, err := ReadHandshake(bytes.NewReader(buf))
	require.Error(t, err)
}

func TestReadHandshakeRejectsShortRead(t *testing.T) {
	_, err := ReadHandshake(bytes.NewReader(make([]byte, 10)))
	require.Error(t, err)
}
