package wire

import (
	"fmt"
	"io"

	"github.com/movian/bittorrent/core"
)

// protocolString is the fixed BEP-3 handshake preamble.
const protocolString = "BitTorrent protocol"

// HandshakeLen is the total wire length of a BEP-3 handshake.
const HandshakeLen = 1 + len(protocolString) + 8 + 20 + 20

// Reserved byte bits negotiated by this engine.
const (
	// ReservedFastExtension is bit 0x04 of the last reserved byte (BEP-6).
	ReservedFastExtension = 0x04
	// ReservedExtensionProtocol is bit 0x10 of the sixth reserved byte (BEP-10).
	ReservedExtensionProtocol = 0x10
)

// Handshake is the decoded form of the 68-byte BEP-3 handshake message.
type Handshake struct {
	Reserved [8]byte
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// SupportsFastExtension reports whether the Fast Extension (BEP-6) bit is set.
func (h *Handshake) SupportsFastExtension() bool {
	return h.Reserved[7]&ReservedFastExtension != 0
}

// SupportsExtensionProtocol reports whether the Extension Protocol (BEP-10)
// bit is set.
func (h *Handshake) SupportsExtensionProtocol() bool {
	return h.Reserved[5]&ReservedExtensionProtocol != 0
}

// NewHandshake builds a Handshake advertising the given capabilities.
func NewHandshake(infoHash core.InfoHash, peerID core.PeerID, fastExt, extProto bool) *Handshake {
	h := &Handshake{InfoHash: infoHash, PeerID: peerID}
	if fastExt {
		h.Reserved[7] |= ReservedFastExtension
	}
	if extProto {
		h.Reserved[5] |= ReservedExtensionProtocol
	}
	return h
}

// WriteHandshake writes h's 68-byte wire encoding to w.
func WriteHandshake(w io.Writer, h *Handshake) error {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(protocolString)))
	buf = append(buf, protocolString...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash.Bytes()...)
	buf = append(buf, h.PeerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a 68-byte BEP-3 handshake from r.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	pstrlen := int(buf[0])
	if pstrlen != len(protocolString) {
		return nil, fmt.Errorf("unexpected protocol string length: %d", pstrlen)
	}
	if string(buf[1:1+pstrlen]) != protocolString {
		return nil, fmt.Errorf("unexpected protocol string: %q", buf[1:1+pstrlen])
	}
	off := 1 + pstrlen
	var h Handshake
	copy(h.Reserved[:], buf[off:off+8])
	off += 8
	copy(h.InfoHash[:], buf[off:off+20])
	off += 20
	copy(h.PeerID[:], buf[off:off+20])
	return &h, nil
}
