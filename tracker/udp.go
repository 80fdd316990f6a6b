package tracker

import (
	"encoding/binary"
	"fmt"
	"math/rand"
)

// BEP-15 UDP tracker protocol constants.
const (
	udpProtocolMagic uint64 = 0x41727101980

	udpActionConnect  uint32 = 0
	udpActionAnnounce uint32 = 1
	udpActionError    uint32 = 3

	udpConnectRequestLen  = 16
	udpConnectResponseLen = 16
	udpAnnounceRequestLen = 98
)

func newTxID() uint32 {
	return rand.Uint32()
}

// encodeUDPConnectRequest builds a 16-byte BEP-15 connect request.
func encodeUDPConnectRequest(txID uint32) []byte {
	buf := make([]byte, udpConnectRequestLen)
	binary.BigEndian.PutUint64(buf[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(buf[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(buf[12:16], txID)
	return buf
}

// decodeUDPConnectResponse parses a 16-byte connect reply, returning the
// 64-bit connection id. Also detects both the standard action=3 error
// encoding and a common mis-encoded 0x03000000 little-endian variant some
// trackers emit.
func decodeUDPConnectResponse(buf []byte, wantTxID uint32) (connID uint64, err error) {
	if len(buf) < 4 {
		return 0, fmt.Errorf("connect response too short: %d bytes", len(buf))
	}
	action := binary.BigEndian.Uint32(buf[0:4])
	if action == udpActionError || action == 0x03000000 {
		return 0, fmt.Errorf("tracker error: %s", decodeUDPErrorMessage(buf))
	}
	if len(buf) != udpConnectResponseLen {
		return 0, fmt.Errorf("connect response: expected %d bytes, got %d", udpConnectResponseLen, len(buf))
	}
	if action != udpActionConnect {
		return 0, fmt.Errorf("connect response: unexpected action %d", action)
	}
	gotTxID := binary.BigEndian.Uint32(buf[4:8])
	if gotTxID != wantTxID {
		return 0, fmt.Errorf("connect response: transaction id mismatch")
	}
	return binary.BigEndian.Uint64(buf[8:16]), nil
}

func decodeUDPErrorMessage(buf []byte) string {
	if len(buf) <= 8 {
		return "unknown error"
	}
	return string(buf[8:])
}

// encodeUDPAnnounceRequest builds the fixed 98-byte BEP-15 announce request.
func encodeUDPAnnounceRequest(connID uint64, txID uint32, req AnnounceRequest, key uint32) []byte {
	buf := make([]byte, udpAnnounceRequestLen)
	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], txID)
	copy(buf[16:36], req.InfoHash.Bytes())
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], uint32(req.Event))
	binary.BigEndian.PutUint32(buf[84:88], 0) // IP address: 0 = use source address.
	binary.BigEndian.PutUint32(buf[88:92], key)
	binary.BigEndian.PutUint32(buf[92:96], ^uint32(0)) // num_want = -1, default.
	binary.BigEndian.PutUint16(buf[96:98], req.Port)
	return buf
}

// decodeUDPAnnounceResponse parses a BEP-15 announce reply.
func decodeUDPAnnounceResponse(buf []byte, wantTxID uint32) (*AnnounceResponse, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("announce response too short: %d bytes", len(buf))
	}
	action := binary.BigEndian.Uint32(buf[0:4])
	if action == udpActionError {
		return nil, fmt.Errorf("tracker error: %s", decodeUDPErrorMessage(buf))
	}
	if len(buf) < 20 {
		return nil, fmt.Errorf("announce response too short: %d bytes", len(buf))
	}
	if action != udpActionAnnounce {
		return nil, fmt.Errorf("announce response: unexpected action %d", action)
	}
	gotTxID := binary.BigEndian.Uint32(buf[4:8])
	if gotTxID != wantTxID {
		return nil, fmt.Errorf("announce response: transaction id mismatch")
	}
	interval := binary.BigEndian.Uint32(buf[8:12])
	leechers := binary.BigEndian.Uint32(buf[12:16])
	seeders := binary.BigEndian.Uint32(buf[16:20])

	peers, err := decodeCompactPeers(buf[20:])
	if err != nil {
		return nil, fmt.Errorf("decode peers: %s", err)
	}

	return &AnnounceResponse{
		Interval: secondsToDuration(interval),
		Leechers: int(leechers),
		Seeders:  int(seeders),
		Peers:    peers,
	}, nil
}
