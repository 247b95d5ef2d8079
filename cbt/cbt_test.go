// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cbt

import (
	"bytes"
	"errors"
	"testing"
)

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name     string
		maxDepth uint32
		wantErr  error
	}{
		{"below minimum", 2, ErrMaxDepthRange},
		{"minimum", MinMaxDepth, nil},
		{"typical", 20, nil},
		{"largest under cap", 29, nil},
		{"over cap", 30, ErrSizeCapExceeded},
		{"far over cap", 31, ErrSizeCapExceeded},
		{"unrepresentable", 32, ErrMaxDepthRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := New(tt.maxDepth)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("New(%d) error = %v, want %v", tt.maxDepth, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New(%d) error = %v", tt.maxDepth, err)
			}
			if got := uint64(len(tr.Words())); got != HeapWords(tt.maxDepth) {
				t.Errorf("len(Words()) = %d, want %d", got, HeapWords(tt.maxDepth))
			}
		})
	}
}

func TestHeapSizing(t *testing.T) {
	tests := []struct {
		maxDepth  uint32
		wantWords uint64
	}{
		{3, 1},
		{10, 128},
		{20, 1 << 17},
	}
	for _, tt := range tests {
		if got := HeapWords(tt.maxDepth); got != tt.wantWords {
			t.Errorf("HeapWords(%d) = %d, want %d", tt.maxDepth, got, tt.wantWords)
		}
		if got, want := HeapBytes(tt.maxDepth), tt.wantWords*4; got != want {
			t.Errorf("HeapBytes(%d) = %d, want %d", tt.maxDepth, got, want)
		}
	}
}

func TestResetToDepthSeedsLeafRange(t *testing.T) {
	tr, err := New(10)
	if err != nil {
		t.Fatalf("New(10) error = %v", err)
	}
	if err := tr.ResetToDepth(6); err != nil {
		t.Fatalf("ResetToDepth(6) error = %v", err)
	}

	// Scenario: maxDepth=10, initDepth=6 seeds leaves [64, 128).
	if got := tr.RootCount(); got != 64 {
		t.Errorf("RootCount() = %d, want 64", got)
	}
	if got := tr.Words()[0] & (1 << 10); got == 0 {
		t.Error("sentinel bit not set in word 0")
	}
	for id := uint32(64); id < 128; id++ {
		n := Node{ID: id, Depth: 6}
		if got := tr.LeafBit(n); got != 1 {
			t.Errorf("LeafBit(%d@6) = %d, want 1", id, got)
		}
		if got := tr.Count(n); got != 1 {
			t.Errorf("Count(%d@6) = %d, want 1", id, got)
		}
	}
}

func TestResetToDepthBoundaries(t *testing.T) {
	t.Run("init depth zero", func(t *testing.T) {
		tr, err := New(8)
		if err != nil {
			t.Fatalf("New(8) error = %v", err)
		}
		if err := tr.ResetToDepth(0); err != nil {
			t.Fatalf("ResetToDepth(0) error = %v", err)
		}
		if got := tr.RootCount(); got != 1 {
			t.Errorf("RootCount() = %d, want 1 (root is the only leaf)", got)
		}
	})

	t.Run("init depth at ceiling", func(t *testing.T) {
		tr, err := New(8)
		if err != nil {
			t.Fatalf("New(8) error = %v", err)
		}
		if err := tr.ResetToDepth(8); err != nil {
			t.Fatalf("ResetToDepth(8) error = %v", err)
		}
		if got := tr.RootCount(); got != 256 {
			t.Errorf("RootCount() = %d, want 256", got)
		}
	})

	t.Run("init depth beyond ceiling", func(t *testing.T) {
		tr, err := New(8)
		if err != nil {
			t.Fatalf("New(8) error = %v", err)
		}
		if err := tr.ResetToDepth(9); !errors.Is(err, ErrDepthRange) {
			t.Errorf("ResetToDepth(9) error = %v, want %v", err, ErrDepthRange)
		}
	})
}

func TestResetToDepthIdempotent(t *testing.T) {
	tr, err := New(10)
	if err != nil {
		t.Fatalf("New(10) error = %v", err)
	}
	if err := tr.ResetToDepth(6); err != nil {
		t.Fatalf("first reset error = %v", err)
	}
	first := tr.Bytes()

	// Dirty the heap, then reset again.
	if err := tr.Split(Node{ID: 64, Depth: 6}); err != nil {
		t.Fatalf("Split error = %v", err)
	}
	tr.SumReduce(10)
	if err := tr.ResetToDepth(6); err != nil {
		t.Fatalf("second reset error = %v", err)
	}
	second := tr.Bytes()

	if !bytes.Equal(first, second) {
		t.Error("ResetToDepth is not idempotent: heap images differ")
	}
}

// checkSumInvariant verifies count(n) == count(left) + count(right) for
// every node strictly above leafDepth.
func checkSumInvariant(t *testing.T, tr *Tree, leafDepth uint32) {
	t.Helper()
	for d := uint32(0); d < leafDepth; d++ {
		for id := uint32(1) << d; id < 1<<(d+1); id++ {
			n := Node{ID: id, Depth: d}
			sum := tr.Count(n.Left()) + tr.Count(n.Right())
			if got := tr.Count(n); got != sum {
				t.Errorf("Count(%d@%d) = %d, want %d (children sum)", id, d, got, sum)
			}
		}
	}
}

func TestSumInvariantAfterReset(t *testing.T) {
	for _, initDepth := range []uint32{0, 3, 6, 10} {
		tr, err := New(10)
		if err != nil {
			t.Fatalf("New(10) error = %v", err)
		}
		if err := tr.ResetToDepth(initDepth); err != nil {
			t.Fatalf("ResetToDepth(%d) error = %v", initDepth, err)
		}
		checkSumInvariant(t, tr, initDepth)
	}
}

func TestSplitAndReduce(t *testing.T) {
	tr, err := New(10)
	if err != nil {
		t.Fatalf("New(10) error = %v", err)
	}
	if err := tr.ResetToDepth(6); err != nil {
		t.Fatalf("ResetToDepth(6) error = %v", err)
	}

	// Scenario: split leaf 64 into 128 and 129, reduce from depth 7.
	// One leaf became two, net +1.
	if err := tr.Split(Node{ID: 64, Depth: 6}); err != nil {
		t.Fatalf("Split error = %v", err)
	}
	tr.SumReduce(7)

	if got := tr.RootCount(); got != 65 {
		t.Errorf("RootCount() = %d, want 65", got)
	}
	if got := tr.Count(Node{ID: 64, Depth: 6}); got != 2 {
		t.Errorf("Count(64@6) = %d, want 2", got)
	}
	if got := tr.Count(Node{ID: 128, Depth: 7}); got != 1 {
		t.Errorf("Count(128@7) = %d, want 1", got)
	}
	if got := tr.Count(Node{ID: 129, Depth: 7}); got != 1 {
		t.Errorf("Count(129@7) = %d, want 1", got)
	}
	// Untouched leaves keep their counts through the reduction.
	if got := tr.Count(Node{ID: 65, Depth: 6}); got != 1 {
		t.Errorf("Count(65@6) = %d, want 1", got)
	}
	checkSumInvariant(t, tr, 7)
}

func TestMergeRestoresLeaf(t *testing.T) {
	tr, err := New(10)
	if err != nil {
		t.Fatalf("New(10) error = %v", err)
	}
	if err := tr.ResetToDepth(6); err != nil {
		t.Fatalf("ResetToDepth(6) error = %v", err)
	}
	before := tr.Bytes()

	n := Node{ID: 64, Depth: 6}
	if err := tr.Split(n); err != nil {
		t.Fatalf("Split error = %v", err)
	}
	if err := tr.Merge(n); err != nil {
		t.Fatalf("Merge error = %v", err)
	}
	tr.SumReduce(6)

	if got := tr.RootCount(); got != 64 {
		t.Errorf("RootCount() = %d, want 64", got)
	}
	if !bytes.Equal(before, tr.Bytes()) {
		t.Error("split+merge+reduce did not restore the original heap image")
	}
}

// TestMergeGateRequiresLeafPair covers the collapse rule the subdivision
// kernel enforces: a node may merge only when its count is exactly 2, i.e.
// both children are leaves. Clearing the right child's projected bit under
// a deeper subtree instead drops that subtree's leftmost leaf while its
// sibling stays active.
func TestMergeGateRequiresLeafPair(t *testing.T) {
	tr, err := New(10)
	if err != nil {
		t.Fatalf("New(10) error = %v", err)
	}
	if err := tr.ResetToDepth(6); err != nil {
		t.Fatalf("ResetToDepth(6) error = %v", err)
	}
	if err := tr.Split(Node{ID: 64, Depth: 6}); err != nil {
		t.Fatalf("Split(64@6) error = %v", err)
	}
	if err := tr.Split(Node{ID: 129, Depth: 7}); err != nil {
		t.Fatalf("Split(129@7) error = %v", err)
	}
	tr.SumReduce(8)

	if got := tr.RootCount(); got != 66 {
		t.Fatalf("RootCount() = %d, want 66", got)
	}

	// Node 64@6 holds three leaves (128@7, 258@8, 259@8), so the gate
	// rejects it; node 129@7 holds exactly its two leaf children.
	if got := tr.Count(Node{ID: 64, Depth: 6}); got != 3 {
		t.Errorf("Count(64@6) = %d, want 3 (not mergeable)", got)
	}
	if got := tr.Count(Node{ID: 129, Depth: 7}); got != 2 {
		t.Errorf("Count(129@7) = %d, want 2 (mergeable)", got)
	}

	// An ungated collapse of 64@6 corrupts the tree: the cleared bit
	// belongs to leaf 258@8, whose sibling 259@8 stays active, and node
	// 129@7 ends up counting a leaf it does not have.
	corrupt, err := New(10)
	if err != nil {
		t.Fatalf("New(10) error = %v", err)
	}
	if err := corrupt.LoadBytes(tr.Bytes()); err != nil {
		t.Fatalf("LoadBytes error = %v", err)
	}
	corrupt.ClearLeafBit(Node{ID: 129, Depth: 7})
	corrupt.SumReduce(8)
	if got := corrupt.RootCount(); got != 65 {
		t.Errorf("RootCount() after ungated collapse = %d, want 65 (one leaf lost)", got)
	}
	if got := corrupt.LeafBit(Node{ID: 258, Depth: 8}); got != 0 {
		t.Errorf("LeafBit(258@8) = %d, want 0 (dropped by the collapse)", got)
	}
	if got := corrupt.LeafBit(Node{ID: 259, Depth: 8}); got != 1 {
		t.Errorf("LeafBit(259@8) = %d, want 1 (orphaned sibling)", got)
	}
	if got := corrupt.Count(Node{ID: 129, Depth: 7}); got != 1 {
		t.Errorf("Count(129@7) = %d, want 1 (internal node masquerading as leaf)", got)
	}

	// The gated merge of 129@7 collapses a genuine leaf pair and keeps
	// the sum invariant.
	if err := tr.Merge(Node{ID: 129, Depth: 7}); err != nil {
		t.Fatalf("Merge(129@7) error = %v", err)
	}
	tr.SumReduce(8)
	if got := tr.RootCount(); got != 65 {
		t.Errorf("RootCount() after gated merge = %d, want 65", got)
	}
	if got := tr.LeafBit(Node{ID: 129, Depth: 7}); got != 1 {
		t.Errorf("LeafBit(129@7) = %d, want 1 (restored leaf)", got)
	}
	checkSumInvariant(t, tr, 8)
}

func TestSplitAtCeilingRejected(t *testing.T) {
	tr, err := New(8)
	if err != nil {
		t.Fatalf("New(8) error = %v", err)
	}
	if err := tr.ResetToDepth(8); err != nil {
		t.Fatalf("ResetToDepth(8) error = %v", err)
	}
	n := Node{ID: 1 << 8, Depth: 8}
	if err := tr.Split(n); !errors.Is(err, ErrDepthRange) {
		t.Errorf("Split at ceiling error = %v, want %v", err, ErrDepthRange)
	}
	if err := tr.Merge(n); !errors.Is(err, ErrDepthRange) {
		t.Errorf("Merge at ceiling error = %v, want %v", err, ErrDepthRange)
	}
}

func TestWordBoundaryCountFields(t *testing.T) {
	// maxDepth 21 puts the 22-bit root field at bits 24..45, straddling
	// the word 0/1 boundary while sharing word 0 with the sentinel.
	tr, err := New(21)
	if err != nil {
		t.Fatalf("New(21) error = %v", err)
	}
	if err := tr.ResetToDepth(4); err != nil {
		t.Fatalf("ResetToDepth(4) error = %v", err)
	}
	if got := tr.RootCount(); got != 16 {
		t.Errorf("RootCount() = %d, want 16", got)
	}

	// Write the maximum representable root count and read it back
	// through the two-segment path.
	root := Root()
	const maxRoot = 1<<22 - 1
	tr.SetCount(root, maxRoot)
	if got := tr.Count(root); got != maxRoot {
		t.Errorf("Count(root) = %d, want %d", got, uint64(maxRoot))
	}
	if got := tr.Words()[0] & (1 << 21); got == 0 {
		t.Error("root field write clobbered the sentinel")
	}
}

func TestBytesLittleEndian(t *testing.T) {
	tr, err := New(3)
	if err != nil {
		t.Fatalf("New(3) error = %v", err)
	}
	tr.Words()[0] = 0x04030201
	got := tr.Bytes()
	want := []byte{0x01, 0x02, 0x03, 0x04}
	if !bytes.Equal(got, want) {
		t.Errorf("Bytes() = % x, want % x", got, want)
	}
}

func TestLoadBytesRoundTrip(t *testing.T) {
	tr, err := New(8)
	if err != nil {
		t.Fatalf("New(8) error = %v", err)
	}
	if err := tr.ResetToDepth(4); err != nil {
		t.Fatalf("ResetToDepth(4) error = %v", err)
	}
	img := tr.Bytes()

	other, err := New(8)
	if err != nil {
		t.Fatalf("New(8) error = %v", err)
	}
	if err := other.LoadBytes(img); err != nil {
		t.Fatalf("LoadBytes error = %v", err)
	}
	if got := other.RootCount(); got != 16 {
		t.Errorf("RootCount after load = %d, want 16", got)
	}
	if !bytes.Equal(other.Bytes(), img) {
		t.Error("LoadBytes/Bytes round trip diverged")
	}

	if err := other.LoadBytes(img[:len(img)-4]); !errors.Is(err, ErrHeapImageSize) {
		t.Errorf("LoadBytes with short image = %v, want ErrHeapImageSize", err)
	}
}
