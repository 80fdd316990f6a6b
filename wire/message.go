// Package wire implements the BitTorrent peer wire protocol message
// framing and codec: BEP-3 base messages, BEP-6 Fast Extension messages,
// and the BEP-10 extension protocol envelope.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MessageID identifies the type of a framed peer message. The zero value
// is Choke; a zero-length keepalive frame has no MessageID and is
// represented by a nil *Message, detected with IsKeepAlive.
type MessageID byte

// Message ids, per BEP-3 (0-8), BEP-6 (0x0e-0x11), BEP-10 (0x14).
const (
	Choke        MessageID = 0
	Unchoke      MessageID = 1
	Interested   MessageID = 2
	NotInterested MessageID = 3
	Have         MessageID = 4
	Bitfield     MessageID = 5
	Request      MessageID = 6
	Piece        MessageID = 7
	Cancel       MessageID = 8
	HaveAll      MessageID = 0x0e
	HaveNone     MessageID = 0x0f
	Reject       MessageID = 0x10
	AllowedFast  MessageID = 0x11
	Extension    MessageID = 0x14
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case HaveAll:
		return "have_all"
	case HaveNone:
		return "have_none"
	case Reject:
		return "reject"
	case AllowedFast:
		return "allowed_fast"
	case Extension:
		return "extension"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

// MaxMessageSize is the largest permitted message body, including any
// piece payload. A larger incoming frame is a protocol-fatal error.
const MaxMessageSize = 1 << 20 // 1 MiB

// BlockSize is the fixed granularity of REQUEST/PIECE transfers.
const BlockSize = 16 * 1024

// Message is a decoded peer wire message. Not every field is meaningful
// for every ID; see the per-ID comments below.
type Message struct {
	ID MessageID

	Index  uint32 // HAVE, REQUEST, PIECE, CANCEL, REJECT, ALLOWED_FAST
	Begin  uint32 // REQUEST, PIECE, CANCEL, REJECT
	Length uint32 // REQUEST, CANCEL, REJECT

	Bitfield []byte // BITFIELD
	Block    []byte // PIECE payload bytes

	ExtendedID      byte   // EXTENSION
	ExtendedPayload []byte // EXTENSION: bencoded dict, optionally followed by raw bytes
}

// IsKeepAlive reports whether m represents a zero-length keepalive frame.
func (m *Message) IsKeepAlive() bool {
	return m == nil
}

// NewHave returns a HAVE message for piece index i.
func NewHave(i int) *Message { return &Message{ID: Have, Index: uint32(i)} }

// NewBitfield returns a BITFIELD message carrying the packed bits b.
func NewBitfield(b []byte) *Message { return &Message{ID: Bitfield, Bitfield: b} }

// NewRequest returns a REQUEST message for the given block.
func NewRequest(index, begin, length int) *Message {
	return &Message{ID: Request, Index: uint32(index), Begin: uint32(begin), Length: uint32(length)}
}

// NewCancel returns a CANCEL message for the given block.
func NewCancel(index, begin, length int) *Message {
	return &Message{ID: Cancel, Index: uint32(index), Begin: uint32(begin), Length: uint32(length)}
}

// NewPiece returns a PIECE message carrying block's bytes.
func NewPiece(index, begin int, block []byte) *Message {
	return &Message{ID: Piece, Index: uint32(index), Begin: uint32(begin), Block: block}
}

// NewReject returns a REJECT message (BEP-6) for the given block.
func NewReject(index, begin, length int) *Message {
	return &Message{ID: Reject, Index: uint32(index), Begin: uint32(begin), Length: uint32(length)}
}

// NewAllowedFast returns an ALLOWED_FAST message (BEP-6) for piece index i.
func NewAllowedFast(i int) *Message { return &Message{ID: AllowedFast, Index: uint32(i)} }

// NewExtension returns an EXTENSION message (BEP-10) with the given
// sub-message id and bencoded (+ optional raw) payload.
func NewExtension(extID byte, payload []byte) *Message {
	return &Message{ID: Extension, ExtendedID: extID, ExtendedPayload: payload}
}

// Write frames and writes m to w. A nil m writes the 4-byte zero-length
// keepalive frame.
func Write(w io.Writer, m *Message) error {
	if m == nil {
		_, err := w.Write([]byte{0, 0, 0, 0})
		return err
	}
	body, err := m.encodeBody()
	if err != nil {
		return fmt.Errorf("encode message: %s", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %s", err)
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write body: %s", err)
	}
	return nil
}

func (m *Message) encodeBody() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.ID))
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		// No body beyond the id byte.
	case Have, AllowedFast:
		writeUint32(&buf, m.Index)
	case Bitfield:
		buf.Write(m.Bitfield)
	case Request, Cancel, Reject:
		writeUint32(&buf, m.Index)
		writeUint32(&buf, m.Begin)
		writeUint32(&buf, m.Length)
	case Piece:
		writeUint32(&buf, m.Index)
		writeUint32(&buf, m.Begin)
		buf.Write(m.Block)
	case Extension:
		buf.WriteByte(m.ExtendedID)
		buf.Write(m.ExtendedPayload)
	default:
		return nil, fmt.Errorf("unknown message id %d", m.ID)
	}
	return buf.Bytes(), nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// Read reads and decodes one framed message from r. A nil *Message, nil
// error result means a keepalive was received.
func Read(r io.Reader) (*Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %s", err)
	}
	length := binary.BigEndian.Uint32(lenPrefix[:])
	if length == 0 {
		return nil, nil
	}
	if uint64(length) > MaxMessageSize {
		return nil, fmt.Errorf("message exceeds max size: %d > %d", length, MaxMessageSize)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read body: %s", err)
	}
	return decodeBody(body)
}

func decodeBody(body []byte) (*Message, error) {
	id := MessageID(body[0])
	rest := body[1:]
	switch id {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		return &Message{ID: id}, nil
	case Have, AllowedFast:
		if len(rest) != 4 {
			return nil, fmt.Errorf("%s: expected 4 byte body, got %d", id, len(rest))
		}
		return &Message{ID: id, Index: binary.BigEndian.Uint32(rest)}, nil
	case Bitfield:
		bf := make([]byte, len(rest))
		copy(bf, rest)
		return &Message{ID: id, Bitfield: bf}, nil
	case Request, Cancel, Reject:
		if len(rest) != 12 {
			return nil, fmt.Errorf("%s: expected 12 byte body, got %d", id, len(rest))
		}
		return &Message{
			ID:     id,
			Index:  binary.BigEndian.Uint32(rest[0:4]),
			Begin:  binary.BigEndian.Uint32(rest[4:8]),
			Length: binary.BigEndian.Uint32(rest[8:12]),
		}, nil
	case Piece:
		if len(rest) < 8 {
			return nil, fmt.Errorf("piece: body too short: %d", len(rest))
		}
		block := make([]byte, len(rest)-8)
		copy(block, rest[8:])
		return &Message{
			ID:    id,
			Index: binary.BigEndian.Uint32(rest[0:4]),
			Begin: binary.BigEndian.Uint32(rest[4:8]),
			Block: block,
		}, nil
	case Extension:
		if len(rest) < 1 {
			return nil, fmt.Errorf("extension: body too short: %d", len(rest))
		}
		payload := make([]byte, len(rest)-1)
		copy(payload, rest[1:])
		return &Message{ID: id, ExtendedID: rest[0], ExtendedPayload: payload}, nil
	default:
		return nil, fmt.Errorf("unknown message id %d", id)
	}
}
