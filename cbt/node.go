// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cbt

import "math/bits"

// Node identifies one binary tree node by heap id and depth.
//
// The depth is carried alongside the id because most heap arithmetic needs
// both and recomputing floor(log2(id)) at every step is wasteful in the
// kernels this code mirrors.
type Node struct {
	ID    uint32
	Depth uint32
}

// Root returns the root node (id 1, depth 0).
func Root() Node { return Node{ID: 1, Depth: 0} }

// NodeFromID reconstructs a node from its heap id.
// The id must be >= 1.
func NodeFromID(id uint32) Node {
	return Node{ID: id, Depth: uint32(bits.Len32(id)) - 1}
}

// IsRoot reports whether n is the root node.
func (n Node) IsRoot() bool { return n.ID == 1 }

// Left returns the left child (2*id).
func (n Node) Left() Node { return Node{ID: n.ID << 1, Depth: n.Depth + 1} }

// Right returns the right child (2*id+1).
func (n Node) Right() Node { return Node{ID: n.ID<<1 | 1, Depth: n.Depth + 1} }

// Parent returns the parent node. Parent of the root is the root itself.
func (n Node) Parent() Node {
	if n.IsRoot() {
		return n
	}
	return Node{ID: n.ID >> 1, Depth: n.Depth - 1}
}

// Sibling returns the node sharing n's parent.
func (n Node) Sibling() Node { return Node{ID: n.ID ^ 1, Depth: n.Depth} }

// IsLeft reports whether n is a left child.
func (n Node) IsLeft() bool { return n.ID&1 == 0 }
