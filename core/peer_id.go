package core

import (
	"bytes"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
)

// ErrInvalidPeerIDLength returns when a string peer id does not decode into
// 20 bytes.
var ErrInvalidPeerIDLength = errors.New("peer id has invalid length")

// peerIDAlphabet is the character set the BitTorrent client id is drawn
// from, per spec: [0-9a-zA-Z_.].
const peerIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ_."

// PeerID is a fixed-size 20-byte peer identifier, exchanged during the
// BEP-3 handshake and in tracker announces.
type PeerID [20]byte

// NewPeerID parses a PeerID from a hex string, decoding exactly 20 bytes.
func NewPeerID(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, err
	}
	if len(b) != 20 {
		return PeerID{}, ErrInvalidPeerIDLength
	}
	var p PeerID
	copy(p[:], b)
	return p, nil
}

// String encodes the PeerID in hexadecimal notation.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// LessThan returns whether p is less than o, used to break symmetric
// connection races (the peer with the lower id keeps its outbound
// connection and drops the inbound duplicate, or vice versa).
func (p PeerID) LessThan(o PeerID) bool {
	return bytes.Compare(p[:], o[:]) == -1
}

// GenerateLocalPeerID draws a new PeerID from peerIDAlphabet, seeded from a
// cryptographic source so that concurrently started processes don't collide.
// The result is stable for the lifetime of the process that generated it.
func GenerateLocalPeerID() (PeerID, error) {
	var seed [8]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return PeerID{}, fmt.Errorf("read crypto seed: %s", err)
	}
	src := rand.New(rand.NewSource(int64(bytesToUint64(seed))))

	var p PeerID
	for i := range p {
		p[i] = peerIDAlphabet[src.Intn(len(peerIDAlphabet))]
	}
	return p, nil
}

func bytesToUint64(b [8]byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
