// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cbt

import "testing"

func TestBitSpanRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		bitOffset uint32
		bitCount  uint32
		value     uint64
	}{
		{"single bit word start", 0, 1, 1},
		{"single bit mid word", 13, 1, 1},
		{"single bit word end", 31, 1, 1},
		{"aligned byte", 8, 8, 0xA5},
		{"unaligned within word", 5, 11, 0x4D2},
		{"full word aligned", 32, 32, 0xDEADBEEF},
		{"straddle one bit over", 30, 3, 0b101},
		{"straddle half and half", 24, 16, 0xBEEF},
		{"straddle wide", 45, 30, 0x2AAAAAAA},
		{"straddle 33 bits", 31, 33, 0x1_0000_0001},
		{"64 bits aligned", 64, 64, 0xFEEDFACE_CAFEBEEF},
		{"max field at word end", 96, 32, 0xFFFFFFFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := BitSpan{Words: make([]uint32, 8)}
			s.Put(tt.bitOffset, tt.bitCount, tt.value)
			if got := s.Get(tt.bitOffset, tt.bitCount); got != tt.value {
				t.Errorf("Get(%d, %d) = %#x, want %#x", tt.bitOffset, tt.bitCount, got, tt.value)
			}
		})
	}
}

func TestBitSpanPutMasksValue(t *testing.T) {
	s := BitSpan{Words: make([]uint32, 4)}
	s.Put(10, 4, 0xFF) // only the low 4 bits belong to the field
	if got := s.Get(10, 4); got != 0xF {
		t.Errorf("Get(10, 4) = %#x, want 0xF", got)
	}
	if got := s.Get(14, 4); got != 0 {
		t.Errorf("Get(14, 4) = %#x, want 0 (neighbor bits clobbered)", got)
	}
}

func TestBitSpanPreservesNeighbors(t *testing.T) {
	s := BitSpan{Words: make([]uint32, 4)}

	// Three adjacent fields around a word boundary.
	s.Put(20, 10, 0x3FF)
	s.Put(30, 10, 0x155)
	s.Put(40, 10, 0x2AA)

	if got := s.Get(20, 10); got != 0x3FF {
		t.Errorf("field A = %#x, want 0x3FF", got)
	}
	if got := s.Get(30, 10); got != 0x155 {
		t.Errorf("field B = %#x, want 0x155", got)
	}
	if got := s.Get(40, 10); got != 0x2AA {
		t.Errorf("field C = %#x, want 0x2AA", got)
	}

	// Overwriting the middle field must not disturb its neighbors.
	s.Put(30, 10, 0)
	if got := s.Get(20, 10); got != 0x3FF {
		t.Errorf("field A after overwrite = %#x, want 0x3FF", got)
	}
	if got := s.Get(40, 10); got != 0x2AA {
		t.Errorf("field C after overwrite = %#x, want 0x2AA", got)
	}
}

func TestBitSpanSingleBitOps(t *testing.T) {
	s := BitSpan{Words: make([]uint32, 2)}

	s.SetBit(31)
	s.SetBit(32)
	if s.Words[0] != 1<<31 {
		t.Errorf("word 0 = %#x, want %#x", s.Words[0], uint32(1<<31))
	}
	if s.Words[1] != 1 {
		t.Errorf("word 1 = %#x, want 1", s.Words[1])
	}
	if got := s.Bit(31); got != 1 {
		t.Errorf("Bit(31) = %d, want 1", got)
	}

	s.ClearBit(31)
	if got := s.Bit(31); got != 0 {
		t.Errorf("Bit(31) after clear = %d, want 0", got)
	}
	if got := s.Bit(32); got != 1 {
		t.Errorf("Bit(32) = %d, want 1 (clear touched wrong word)", got)
	}
}
