// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cbt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

// Heap sizing limits.
const (
	// MinMaxDepth is the smallest usable ceiling depth. Below this the
	// heap would not fill a whole word.
	MinMaxDepth = 3

	// MaxHeapBytes is the hard cap on heap buffer size (256 MiB). A
	// maxDepth whose heap would exceed it is rejected at construction,
	// never clamped.
	MaxHeapBytes = 1 << 28
)

// Construction errors.
var (
	// ErrMaxDepthRange is returned when maxDepth is outside [MinMaxDepth, 31].
	ErrMaxDepthRange = errors.New("cbt: max depth out of range")

	// ErrSizeCapExceeded is returned when the heap implied by maxDepth
	// would exceed MaxHeapBytes.
	ErrSizeCapExceeded = errors.New("cbt: heap size exceeds hard cap")

	// ErrDepthRange is returned when an operation names a depth beyond
	// the configured maxDepth.
	ErrDepthRange = errors.New("cbt: depth exceeds max depth")

	// ErrHeapImageSize is returned when a serialized heap image does not
	// match the configured heap size.
	ErrHeapImageSize = errors.New("cbt: heap image size mismatch")
)

// HeapBits returns the heap size in bits for a ceiling depth: the count
// levels and the bitfield pack contiguously into exactly 2^(maxDepth+2) bits.
func HeapBits(maxDepth uint32) uint64 { return uint64(1) << (maxDepth + 2) }

// HeapWords returns the heap size in 32-bit words.
func HeapWords(maxDepth uint32) uint64 { return HeapBits(maxDepth) / wordBits }

// HeapBytes returns the heap size in bytes.
func HeapBytes(maxDepth uint32) uint64 { return HeapBits(maxDepth) / 8 }

// Tree is a concurrent binary tree over a bit-packed heap.
//
// The zero value is not usable; construct with New. Word 0 of the heap
// carries the sentinel 1<<maxDepth, which doubles as an in-band encoding
// of maxDepth for the GPU kernels (lowest set bit of word 0).
type Tree struct {
	maxDepth uint32
	span     BitSpan
}

// New allocates a zeroed tree for the given ceiling depth.
//
// Returns ErrMaxDepthRange when maxDepth cannot be represented (the
// sentinel must fit a 32-bit word) and ErrSizeCapExceeded when the heap
// would be larger than MaxHeapBytes.
func New(maxDepth uint32) (*Tree, error) {
	if maxDepth < MinMaxDepth || maxDepth > 31 {
		return nil, fmt.Errorf("%w: %d", ErrMaxDepthRange, maxDepth)
	}
	if HeapBytes(maxDepth) > MaxHeapBytes {
		return nil, fmt.Errorf("%w: max depth %d needs %d bytes, cap is %d",
			ErrSizeCapExceeded, maxDepth, HeapBytes(maxDepth), MaxHeapBytes)
	}
	return &Tree{
		maxDepth: maxDepth,
		span:     BitSpan{Words: make([]uint32, HeapWords(maxDepth))},
	}, nil
}

// MaxDepth returns the configured ceiling depth.
func (t *Tree) MaxDepth() uint32 { return t.maxDepth }

// Words exposes the raw heap words. Shared with the caller; intended for
// tests and for the one-shot upload path.
func (t *Tree) Words() []uint32 { return t.span.Words }

// Bytes serializes the heap little-endian, matching the GPU buffer layout.
func (t *Tree) Bytes() []byte {
	buf := make([]byte, len(t.span.Words)*4)
	for i, w := range t.span.Words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}

// LoadBytes replaces the heap contents with a little-endian image, as
// produced by Bytes or read back from the GPU.
func (t *Tree) LoadBytes(buf []byte) error {
	if uint64(len(buf)) != HeapBytes(t.maxDepth) {
		return fmt.Errorf("%w: image is %d bytes, heap needs %d",
			ErrHeapImageSize, len(buf), HeapBytes(t.maxDepth))
	}
	for i := range t.span.Words {
		t.span.Words[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return nil
}

// NodeBitID returns the heap bit offset of a node's count field:
//
//	(2 << depth) + id*(1 + maxDepth - depth)
//
// At depth == maxDepth the field is one bit wide and the count region
// coincides with the bitfield region.
func (t *Tree) NodeBitID(n Node) uint32 {
	return 2<<n.Depth + n.ID*(1+t.maxDepth-n.Depth)
}

// countWidth returns the bit width of a count field at the given depth.
func (t *Tree) countWidth(depth uint32) uint32 { return t.maxDepth - depth + 1 }

// ceilingBit returns the bitfield offset of n's ceiling projection:
//
//	2^(maxDepth+1) + (id << (maxDepth - depth))
func (t *Tree) ceilingBit(n Node) uint32 {
	return 1<<(t.maxDepth+1) + n.ID<<(t.maxDepth-n.Depth)
}

// Count reads the subtree leaf count of n.
func (t *Tree) Count(n Node) uint64 {
	return t.span.Get(t.NodeBitID(n), t.countWidth(n.Depth))
}

// SetCount writes the subtree leaf count of n.
func (t *Tree) SetCount(n Node, v uint64) {
	t.span.Put(t.NodeBitID(n), t.countWidth(n.Depth), v)
}

// RootCount returns the total number of active leaves.
func (t *Tree) RootCount() uint64 { return t.Count(Root()) }

// LeafBit reads n's ceiling-projected membership bit.
func (t *Tree) LeafBit(n Node) uint32 { return t.span.Bit(t.ceilingBit(n)) }

// SetLeafBit sets n's ceiling-projected membership bit.
func (t *Tree) SetLeafBit(n Node) { t.span.SetBit(t.ceilingBit(n)) }

// ClearLeafBit clears n's ceiling-projected membership bit.
func (t *Tree) ClearLeafBit(n Node) { t.span.ClearBit(t.ceilingBit(n)) }

// ResetToDepth rebuilds the heap image with every node at initDepth an
// active leaf. The heap is zeroed, the sentinel 1<<maxDepth written into
// word 0, the leaf range [2^initDepth, 2^(initDepth+1)) seeded, and the
// count tree reduced up to the root.
//
// The result is deterministic: two resets at the same depth produce
// byte-identical heaps.
func (t *Tree) ResetToDepth(initDepth uint32) error {
	if initDepth > t.maxDepth {
		return fmt.Errorf("%w: init depth %d, max depth %d", ErrDepthRange, initDepth, t.maxDepth)
	}

	clear(t.span.Words)
	t.span.Words[0] = 1 << t.maxDepth

	lo := uint32(1) << initDepth
	hi := uint32(1) << (initDepth + 1)
	for id := lo; id < hi; id++ {
		n := Node{ID: id, Depth: initDepth}
		t.SetLeafBit(n)
		t.SetCount(n, 1)
	}

	t.SumReduce(initDepth)
	return nil
}

// SumReduce recomputes the count tree bottom-up from leafDepth.
//
// Counts at leafDepth are first derived from the bitfield: each node's
// count is the number of set bits in its ceiling range. Because a shallow
// leaf projects onto the same bit as its leftmost ceiling descendant, this
// is correct at any depth, including depths where some leaves live higher
// in the tree. Every depth above leafDepth then becomes the pairwise sum
// of its children.
func (t *Tree) SumReduce(leafDepth uint32) {
	t.seedCounts(leafDepth)
	for depth := int(leafDepth) - 1; depth >= 0; depth-- {
		d := uint32(depth)
		lo := uint32(1) << d
		hi := uint32(1) << (d + 1)
		for id := lo; id < hi; id++ {
			n := Node{ID: id, Depth: d}
			t.SetCount(n, t.Count(n.Left())+t.Count(n.Right()))
		}
	}
}

// seedCounts writes the count field of every node at the given depth as
// the population count of its ceiling bit range.
func (t *Tree) seedCounts(depth uint32) {
	span := uint32(1) << (t.maxDepth - depth)
	lo := uint32(1) << depth
	hi := uint32(1) << (depth + 1)
	for id := lo; id < hi; id++ {
		n := Node{ID: id, Depth: depth}
		start := t.ceilingBit(n)
		var sum uint64
		for off := uint32(0); off < span; off += wordBits {
			w := span - off
			if w > wordBits {
				w = wordBits
			}
			sum += uint64(bits.OnesCount32(uint32(t.span.Get(start+off, w))))
		}
		t.SetCount(n, sum)
	}
}

// Split subdivides the leaf n: its projected bit is cleared, both
// children's projected bits are set and their count fields seeded with 1.
// Counts above the children are stale until the next SumReduce.
func (t *Tree) Split(n Node) error {
	if n.Depth >= t.maxDepth {
		return fmt.Errorf("%w: split at depth %d, max depth %d", ErrDepthRange, n.Depth, t.maxDepth)
	}
	t.ClearLeafBit(n)
	left, right := n.Left(), n.Right()
	t.SetLeafBit(left)
	t.SetLeafBit(right)
	t.SetCount(left, 1)
	t.SetCount(right, 1)
	return nil
}

// Merge collapses both children of n back into a single leaf at n.
// Counts above n are stale until the next SumReduce.
func (t *Tree) Merge(n Node) error {
	if n.Depth >= t.maxDepth {
		return fmt.Errorf("%w: merge at depth %d, max depth %d", ErrDepthRange, n.Depth, t.maxDepth)
	}
	left, right := n.Left(), n.Right()
	t.ClearLeafBit(left)
	t.ClearLeafBit(right)
	t.SetCount(left, 0)
	t.SetCount(right, 0)
	t.SetLeafBit(n)
	t.SetCount(n, 1)
	return nil
}
