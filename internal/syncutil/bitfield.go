package syncutil

import (
	"bytes"
	"sync"

	"github.com/willf/bitset"
)

// Bitfield is a concurrency-safe wrapper around a bitset.BitSet, used both
// for a torrent's own piece-completion set and for a peer's have-set.
type Bitfield struct {
	mu sync.RWMutex
	b  *bitset.BitSet
}

// NewBitfield returns a Bitfield wrapping a clone of b.
func NewBitfield(b *bitset.BitSet) *Bitfield {
	return &Bitfield{b: b.Clone()}
}

// NewBitfieldSize returns an all-zero Bitfield of length n.
func NewBitfieldSize(n uint) *Bitfield {
	return &Bitfield{b: bitset.New(n)}
}

// Len returns the number of bits in the bitfield.
func (s *Bitfield) Len() uint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.b.Len()
}

// Has reports whether bit i is set.
func (s *Bitfield) Has(i uint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.b.Test(i)
}

// Set sets bit i to v.
func (s *Bitfield) Set(i uint, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.b.SetTo(i, v)
}

// SetAll sets every bit to v.
func (s *Bitfield) SetAll(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := uint(0); i < s.b.Len(); i++ {
		s.b.SetTo(i, v)
	}
}

// Complete reports whether every bit is set.
func (s *Bitfield) Complete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.b.All()
}

// Copy returns an unguarded snapshot of the underlying bitset.
func (s *Bitfield) Copy() *bitset.BitSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.b.Clone()
}

// MarshalBinary encodes the bitfield for the BITFIELD wire message: one
// byte per 8 pieces, high bit first, trailing bits zero-padded.
func (s *Bitfield) MarshalBinary() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.b.Len()
	packed := make([]byte, (n+7)/8)
	for i := uint(0); i < n; i++ {
		if s.b.Test(i) {
			packed[i/8] |= 1 << (7 - i%8)
		}
	}
	return packed
}

// UnmarshalBitfield sets the bitfield's bits from a packed BITFIELD wire
// payload. The payload must be exactly ceil(n/8) bytes for the bitfield's
// current length n.
func (s *Bitfield) UnmarshalBitfield(packed []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.b.Len()
	if uint(len(packed)) != (n+7)/8 {
		return false
	}
	for i := uint(0); i < n; i++ {
		bit := packed[i/8]&(1<<(7-i%8)) != 0
		s.b.SetTo(i, bit)
	}
	return true
}

// String renders the bitfield as a string of '0'/'1' characters.
func (s *Bitfield) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var buf bytes.Buffer
	for i := uint(0); i < s.b.Len(); i++ {
		if s.b.Test(i) {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
	}
	return buf.String()
}
