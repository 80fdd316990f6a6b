package tracker

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/movian/bittorrent/core"
)

// Peer is a single entry returned by a tracker announce: an address to dial
// and, for HTTP trackers or non-compact UDP replies, the advertised peer id.
type Peer struct {
	ID   core.PeerID // Zero value if the tracker did not supply one (UDP compact).
	IP   net.IP
	Port uint16
}

// Addr returns the dialable "ip:port" string for this peer.
func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP.String(), p.Port)
}

// decodeCompactPeers decodes a BEP-23 compact peer list: a flat byte string
// of 6-byte (4-byte IPv4 + 2-byte big-endian port) entries.
func decodeCompactPeers(b []byte) ([]Peer, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("compact peers: length %d not a multiple of 6", len(b))
	}
	peers := make([]Peer, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}
