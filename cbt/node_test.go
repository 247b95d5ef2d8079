// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cbt

import "testing"

func TestNodeFromID(t *testing.T) {
	tests := []struct {
		id        uint32
		wantDepth uint32
	}{
		{1, 0},
		{2, 1},
		{3, 1},
		{4, 2},
		{7, 2},
		{64, 6},
		{127, 6},
		{128, 7},
		{1 << 20, 20},
	}
	for _, tt := range tests {
		if got := NodeFromID(tt.id); got.Depth != tt.wantDepth {
			t.Errorf("NodeFromID(%d).Depth = %d, want %d", tt.id, got.Depth, tt.wantDepth)
		}
	}
}

func TestNodeRelations(t *testing.T) {
	n := Node{ID: 5, Depth: 2}

	if got := n.Left(); got != (Node{ID: 10, Depth: 3}) {
		t.Errorf("Left() = %+v, want {10 3}", got)
	}
	if got := n.Right(); got != (Node{ID: 11, Depth: 3}) {
		t.Errorf("Right() = %+v, want {11 3}", got)
	}
	if got := n.Parent(); got != (Node{ID: 2, Depth: 1}) {
		t.Errorf("Parent() = %+v, want {2 1}", got)
	}
	if got := n.Sibling(); got != (Node{ID: 4, Depth: 2}) {
		t.Errorf("Sibling() = %+v, want {4 2}", got)
	}
	if n.IsLeft() {
		t.Error("IsLeft() = true for odd id, want false")
	}
	if !n.Sibling().IsLeft() {
		t.Error("Sibling().IsLeft() = false for even id, want true")
	}

	root := Root()
	if !root.IsRoot() {
		t.Error("Root().IsRoot() = false, want true")
	}
	if got := root.Parent(); got != root {
		t.Errorf("Root().Parent() = %+v, want the root itself", got)
	}
}

func TestNodeBitID(t *testing.T) {
	tr, err := New(10)
	if err != nil {
		t.Fatalf("New(10) error = %v", err)
	}

	tests := []struct {
		node Node
		want uint32
	}{
		// (2 << depth) + id*(1 + maxDepth - depth)
		{Node{ID: 1, Depth: 0}, 2 + 11},
		{Node{ID: 2, Depth: 1}, 4 + 2*10},
		{Node{ID: 64, Depth: 6}, 128 + 64*5},
		{Node{ID: 1024, Depth: 10}, 2048 + 1024},
	}
	for _, tt := range tests {
		if got := tr.NodeBitID(tt.node); got != tt.want {
			t.Errorf("NodeBitID(%+v) = %d, want %d", tt.node, got, tt.want)
		}
	}

	// At the ceiling depth the count region and bitfield region coincide.
	n := Node{ID: 1024, Depth: 10}
	if got, want := tr.NodeBitID(n), tr.ceilingBit(n); got != want {
		t.Errorf("NodeBitID at ceiling = %d, ceilingBit = %d, want equal", got, want)
	}
}

func TestCountLevelsAreContiguous(t *testing.T) {
	// Level d ends exactly where level d+1 begins, and the deepest level
	// ends exactly at the heap size.
	tr, err := New(10)
	if err != nil {
		t.Fatalf("New(10) error = %v", err)
	}
	maxDepth := tr.MaxDepth()
	for d := uint32(0); d < maxDepth; d++ {
		endOfLevel := tr.NodeBitID(Node{ID: 1 << (d + 1), Depth: d})
		startOfNext := tr.NodeBitID(Node{ID: 1 << (d + 1), Depth: d + 1})
		if endOfLevel != startOfNext {
			t.Errorf("level %d ends at bit %d, level %d starts at bit %d", d, endOfLevel, d+1, startOfNext)
		}
	}
	end := tr.NodeBitID(Node{ID: 1 << (maxDepth + 1), Depth: maxDepth})
	if uint64(end) != HeapBits(maxDepth) {
		t.Errorf("deepest level ends at bit %d, heap has %d bits", end, HeapBits(maxDepth))
	}
}
