// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package cbt implements a concurrent binary tree (CBT) encoded in a
// bit-packed heap of 32-bit words.
//
// The CBT stores node membership as one bit per node at the deepest
// configured depth (the ceiling), plus a sum-reduction tree of per-node
// subtree leaf counts packed depth-major above the bitfield. The same
// arithmetic runs on the host (this package) and in the WGSL kernels of
// internal/gpu; the host side builds the initial heap image once, and the
// GPU owns the buffer from then on.
//
// Node ids follow binary-heap convention: the root is id 1, the children
// of id are 2*id and 2*id+1, and depth(id) = floor(log2(id)).
package cbt
