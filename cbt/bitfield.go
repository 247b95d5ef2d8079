// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cbt

// wordBits is the width of one heap word.
const wordBits = 32

// BitSpan provides random bit-level access to a slice of 32-bit words.
//
// Fields may start at any bit offset and straddle a word boundary; the
// two-segment read/write below handles the straddle. A field must fit in
// two consecutive words, which bounds the supported width at 64 bits and
// requires localOffset+bitCount <= 64. Tree validation keeps every count
// field well inside that limit.
//
// All boundary-spanning logic in this module lives here. Callers work in
// terms of (bitOffset, bitCount) pairs and never touch raw words.
type BitSpan struct {
	Words []uint32
}

// mask64 returns a value with the low n bits set.
func mask64(n uint32) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << n) - 1
}

// Get reads a bitCount-wide field starting at bitOffset.
//
// The field is split into an LSB segment taken from the word containing
// bitOffset and, when the field crosses the word boundary, an MSB segment
// taken from the next word. The segments recombine as lsb | msb<<lsbCount.
func (s BitSpan) Get(bitOffset, bitCount uint32) uint64 {
	word := bitOffset >> 5
	local := bitOffset & (wordBits - 1)

	lsbCount := bitCount
	if rem := wordBits - local; lsbCount > rem {
		lsbCount = rem
	}
	v := (uint64(s.Words[word]) >> local) & mask64(lsbCount)
	if lsbCount == bitCount {
		return v
	}

	msbCount := bitCount - lsbCount
	msb := uint64(s.Words[word+1]) & mask64(msbCount)
	return v | msb<<lsbCount
}

// Put writes the low bitCount bits of value at bitOffset, clearing the
// field first so surrounding bits are preserved. Mirror of Get.
func (s BitSpan) Put(bitOffset, bitCount uint32, value uint64) {
	word := bitOffset >> 5
	local := bitOffset & (wordBits - 1)

	lsbCount := bitCount
	if rem := wordBits - local; lsbCount > rem {
		lsbCount = rem
	}
	lsbMask := uint32(mask64(lsbCount))
	s.Words[word] = s.Words[word]&^(lsbMask<<local) | (uint32(value)&lsbMask)<<local
	if lsbCount == bitCount {
		return
	}

	msbCount := bitCount - lsbCount
	msbMask := uint32(mask64(msbCount))
	s.Words[word+1] = s.Words[word+1]&^msbMask | uint32(value>>lsbCount)&msbMask
}

// Bit returns the single bit at bitOffset.
func (s BitSpan) Bit(bitOffset uint32) uint32 {
	return s.Words[bitOffset>>5] >> (bitOffset & (wordBits - 1)) & 1
}

// SetBit sets the single bit at bitOffset.
func (s BitSpan) SetBit(bitOffset uint32) {
	s.Words[bitOffset>>5] |= 1 << (bitOffset & (wordBits - 1))
}

// ClearBit clears the single bit at bitOffset.
func (s BitSpan) ClearBit(bitOffset uint32) {
	s.Words[bitOffset>>5] &^= 1 << (bitOffset & (wordBits - 1))
}
