// Package bitfield adapts willf/bitset to the wire format of the
// BitTorrent "bitfield" message (big-endian, piece 0 is the high bit of
// byte 0), which is not the same as bitset's own MarshalBinary format,
// and exposes the handful of operations the scheduler and peer session
// actually need on top of it.
package bitfield

import "github.com/willf/bitset"

// New returns a bitset with n bits, all clear.
func New(n int) *bitset.BitSet {
	return bitset.New(uint(n))
}

// DecodeWire parses a wire-format bitfield payload (the "bitfield"
// message, id 5) into a bitset truncated to pieceCount bits. Trailing
// spare bits in the last payload byte are ignored.
func DecodeWire(payload []byte, pieceCount int) *bitset.BitSet {
	b := New(pieceCount)
	for i := 0; i < pieceCount; i++ {
		byteIdx := i / 8
		if byteIdx >= len(payload) {
			break
		}
		bitIdx := uint(7 - (i % 8))
		if (payload[byteIdx]>>bitIdx)&1 == 1 {
			b.Set(uint(i))
		}
	}
	return b
}

// EncodeWire renders a bitset of pieceCount bits as a wire-format
// bitfield payload.
func EncodeWire(b *bitset.BitSet, pieceCount int) []byte {
	payload := make([]byte, (pieceCount+7)/8)
	for i := 0; i < pieceCount; i++ {
		if b.Test(uint(i)) {
			payload[i/8] |= 1 << uint(7-(i%8))
		}
	}
	return payload
}

// Candidates returns every index in [0, pieceCount) that is set in has
// and for which exclude reports false. Used by piece-selection policies
// to build a fallback candidate set.
func Candidates(has *bitset.BitSet, exclude func(int) bool, pieceCount int) []int {
	var out []int
	for i := 0; i < pieceCount; i++ {
		if has.Test(uint(i)) && !exclude(i) {
			out = append(out, i)
		}
	}
	return out
}
