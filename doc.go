// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package terrain implements GPU-driven adaptive terrain tessellation over
// a concurrent binary tree (CBT).
//
// The terrain mesh is the leaf set of a longest-edge-bisection hierarchy
// stored as a bit-packed heap in a single GPU buffer. Each frame, a fixed
// compute sequence refreshes indirect arguments, splits and merges leaves
// against a screen-space edge-length heuristic, and rebuilds the heap's
// count tree so the next frame (and the renderer's indirect draw) sees a
// consistent leaf enumeration.
//
// The host side keeps a mirror of the heap arithmetic in the cbt package
// for initialization, validation, and readback. Rendering itself is out of
// scope: the package exposes the heap, uniform, and indirect argument
// buffers for an external vertex stage to consume.
//
// Basic usage:
//
//	sys, err := terrain.NewSystem(terrain.DefaultConfig())
//	if err != nil { ... }
//	if err := sys.InitStandalone(); err != nil { ... }
//	defer sys.Close()
//
//	for frame() {
//		err := sys.Update(terrain.FrameParams{
//			ViewProj:     camera.ViewProj(),
//			CameraPos:    camera.Position(),
//			ScreenHeight: 1080,
//			FOVY:         math.Pi / 3,
//		})
//		...
//	}
package terrain
