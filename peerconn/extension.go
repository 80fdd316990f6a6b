package peerconn

import (
	"bytes"
	"crypto/sha1"
	"fmt"

	bencode "github.com/jackpal/bencode-go"
)

// ExtensionHandshakeID is the reserved BEP-10 message id for the
// handshake dictionary itself; every other extension is assigned a id by
// the handshake's "m" dictionary.
const ExtensionHandshakeID = 0

// ExtUTMetadata is the extension-protocol name for BEP-9 metadata exchange.
const ExtUTMetadata = "ut_metadata"

// LocalUTMetadataID is the message id this engine advertises for
// ut_metadata in its own extension handshake.
const LocalUTMetadataID = 2

// ClientVersion is advertised in the BEP-10 extension handshake.
const ClientVersion = "movian-bittorrent/1.0"

// metadataBlockSize is the fixed chunk size BEP-9 divides metadata into.
const metadataBlockSize = 16 * 1024

// ut_metadata message types (BEP-9).
const (
	utMetadataRequest = 0
	utMetadataData    = 1
	utMetadataReject  = 2
)

// extensionHandshake is the decoded BEP-10 handshake dictionary.
type extensionHandshake struct {
	M            map[string]int `bencode:"m"`
	MetadataSize int             `bencode:"metadata_size,omitempty"`
	Version      string          `bencode:"v,omitempty"`
}

// BuildExtensionHandshake encodes the local extension-handshake dictionary,
// advertising ut_metadata and, if known, the torrent's metadata size.
func BuildExtensionHandshake(metadataSize int) ([]byte, error) {
	h := extensionHandshake{
		M:       map[string]int{ExtUTMetadata: LocalUTMetadataID},
		Version: ClientVersion,
	}
	if metadataSize > 0 {
		h.MetadataSize = metadataSize
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, h); err != nil {
		return nil, fmt.Errorf("marshal extension handshake: %s", err)
	}
	return buf.Bytes(), nil
}

// ParseExtensionHandshake decodes a peer's BEP-10 handshake dictionary.
// Returns the peer's ut_metadata message id (0 if unsupported) and the
// advertised metadata size (0 if absent).
func ParseExtensionHandshake(payload []byte) (utMetadataID byte, metadataSize int, err error) {
	var h extensionHandshake
	if err := bencode.Unmarshal(bytes.NewReader(payload), &h); err != nil {
		return 0, 0, fmt.Errorf("unmarshal extension handshake: %s", err)
	}
	id := h.M[ExtUTMetadata]
	return byte(id), h.MetadataSize, nil
}

// utMetadataHeader is the bencoded prefix of every ut_metadata message.
type utMetadataHeader struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

// BuildMetadataRequest encodes a ut_metadata request for the given piece.
func BuildMetadataRequest(piece int) ([]byte, error) {
	return marshalUTMetadataHeader(utMetadataHeader{MsgType: utMetadataRequest, Piece: piece})
}

// BuildMetadataData encodes a ut_metadata data reply carrying block, the
// metadata piece at index piece out of totalSize total bytes.
func BuildMetadataData(piece, totalSize int, block []byte) ([]byte, error) {
	header, err := marshalUTMetadataHeader(utMetadataHeader{
		MsgType: utMetadataData, Piece: piece, TotalSize: totalSize,
	})
	if err != nil {
		return nil, err
	}
	return append(header, block...), nil
}

// BuildMetadataReject encodes a ut_metadata reject for the given piece.
func BuildMetadataReject(piece int) ([]byte, error) {
	return marshalUTMetadataHeader(utMetadataHeader{MsgType: utMetadataReject, Piece: piece})
}

func marshalUTMetadataHeader(h utMetadataHeader) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, h); err != nil {
		return nil, fmt.Errorf("marshal ut_metadata header: %s", err)
	}
	return buf.Bytes(), nil
}

// UTMetadataMessage is a decoded ut_metadata payload: the bencoded header
// plus, for MsgType == data, the raw metadata block that follows it.
type UTMetadataMessage struct {
	MsgType   int
	Piece     int
	TotalSize int
	Block     []byte
}

// ParseUTMetadataMessage splits payload into its bencoded header and any
// trailing raw bytes (present only for data messages).
func ParseUTMetadataMessage(payload []byte) (*UTMetadataMessage, error) {
	r := bytes.NewReader(payload)
	var h utMetadataHeader
	if err := bencode.Unmarshal(r, &h); err != nil {
		return nil, fmt.Errorf("unmarshal ut_metadata header: %s", err)
	}
	block := make([]byte, r.Len())
	copy(block, payload[len(payload)-r.Len():])
	return &UTMetadataMessage{
		MsgType:   h.MsgType,
		Piece:     h.Piece,
		TotalSize: h.TotalSize,
		Block:     block,
	}, nil
}

// MetadataAssembler accumulates ut_metadata data blocks into a complete
// metainfo "info" dictionary and verifies it against the expected info hash.
type MetadataAssembler struct {
	total  int
	blocks map[int][]byte
}

// NewMetadataAssembler returns an assembler expecting totalSize bytes of
// metadata, in metadataBlockSize chunks.
func NewMetadataAssembler(totalSize int) *MetadataAssembler {
	return &MetadataAssembler{total: totalSize, blocks: make(map[int][]byte)}
}

// NumPieces returns the number of 16 KiB metadata pieces expected.
func (a *MetadataAssembler) NumPieces() int {
	return (a.total + metadataBlockSize - 1) / metadataBlockSize
}

// AddBlock records the metadata block for the given piece index.
func (a *MetadataAssembler) AddBlock(piece int, block []byte) {
	a.blocks[piece] = block
}

// Complete reports whether every piece has been received.
func (a *MetadataAssembler) Complete() bool {
	return len(a.blocks) == a.NumPieces()
}

// Assemble concatenates all received blocks and verifies their SHA-1
// matches expectedHash. Returns the raw info-dictionary bytes on success.
func (a *MetadataAssembler) Assemble(expectedHash [20]byte) ([]byte, error) {
	if !a.Complete() {
		return nil, fmt.Errorf("metadata incomplete: have %d/%d pieces", len(a.blocks), a.NumPieces())
	}
	var buf bytes.Buffer
	for i := 0; i < a.NumPieces(); i++ {
		buf.Write(a.blocks[i])
	}
	data := buf.Bytes()
	if len(data) != a.total {
		return nil, fmt.Errorf("assembled metadata size mismatch: got %d, want %d", len(data), a.total)
	}
	if sha1.Sum(data) != expectedHash {
		return nil, fmt.Errorf("assembled metadata hash mismatch")
	}
	return data, nil
}
