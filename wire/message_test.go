package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, m))
	got, err := Read(&buf)
	require.NoError(t, err)
	return got
}

func TestKeepAliveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, nil))
	require.Equal(t, []byte{0, 0, 0, 0}, buf.Bytes())

	got, err := Read(&buf)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSimpleMessagesRoundTrip(t *testing.T) {
	for _, id := range []MessageID{Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone} {
		t.Run(id.String(), func(t *testing.T) {
			got := roundTrip(t, &Message{ID: id})
			require.Equal(t, id, got.ID)
		})
	}
}

func TestHaveRoundTrip(t *testing.T) {
	got := roundTrip(t, NewHave(42))
	require.Equal(t, Have, got.ID)
	require.EqualValues(t, 42, got.Index)
}

func TestAllowedFastRoundTrip(t *testing.T) {
	got := roundTrip(t, NewAllowedFast(7))
	require.Equal(t, AllowedFast, got.ID)
	require.EqualValues(t, 7, got.Index)
}

func TestBitfieldRoundTrip(t *testing.T) {
	bits := []byte{0xff, 0x00, 0xaa}
	got := roundTrip(t, NewBitfield(bits))
	require.Equal(t, Bitfield, got.ID)
	require.Equal(t, bits, got.Bitfield)
}

func TestRequestCancelRejectRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		msg  *Message
		id   MessageID
	}{
		{"request", NewRequest(1, 2, BlockSize), Request},
		{"cancel", NewCancel(1, 2, BlockSize), Cancel},
		{"reject", NewReject(1, 2, BlockSize), Reject},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := roundTrip(t, tc.msg)
			require.Equal(t, tc.id, got.ID)
			require.EqualValues(t, 1, got.Index)
			require.EqualValues(t, 2, got.Begin)
			require.EqualValues(t, BlockSize, got.Length)
		})
	}
}

func TestPieceRoundTrip(t *testing.T) {
	block := bytes.Repeat([]byte{0x42}, BlockSize)
	got := roundTrip(t, NewPiece(3, 16384, block))
	require.Equal(t, Piece, got.ID)
	require.EqualValues(t, 3, got.Index)
	require.EqualValues(t, 16384, got.Begin)
	require.Equal(t, block, got.Block)
}

func TestExtensionRoundTrip(t *testing.T) {
	payload := []byte("d8:msg_typei0e5:piecei4ee")
	got := roundTrip(t, NewExtension(2, payload))
	require.Equal(t, Extension, got.ID)
	require.EqualValues(t, 2, got.ExtendedID)
	require.Equal(t, payload, got.ExtendedPayload)
}

func TestReadRejectsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer
	lenPrefix := make([]byte, 4)
	lenPrefix[0] = 0xff // huge length
	buf.Write(lenPrefix)

	_, err := Read(&buf)
	require.Error(t, err)
}

func TestReadRejectsUnknownID(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 1, 0x7f})

	_, err := Read(&buf)
	require.Error(t, err)
}

func TestReadTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	// Claims a 12-byte body for REQUEST but supplies fewer bytes.
	buf.Write([]byte{0, 0, 0, 12, byte(Request), 0, 0, 0, 1})

	_, err := Read(&buf)
	require.Error(t, err)
}
