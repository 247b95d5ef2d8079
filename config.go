// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package terrain

import (
	"errors"
	"fmt"

	"github.com/gogpu/terrain/cbt"
)

// Configuration errors.
var (
	// ErrDepthOrder is returned when the configured depths violate
	// MinDepth <= InitDepth <= MaxDepth.
	ErrDepthOrder = errors.New("terrain: depth ordering violated")

	// ErrMaxDepthRange is returned when MaxDepth is outside the range the
	// GPU pipeline supports.
	ErrMaxDepthRange = errors.New("terrain: max depth out of range")

	// ErrThresholds is returned when the split/merge hysteresis is
	// degenerate.
	ErrThresholds = errors.New("terrain: split factor must exceed merge factor")

	// ErrConfigValue is returned for other non-positive configuration
	// values.
	ErrConfigValue = errors.New("terrain: configuration value out of range")
)

const (
	// minConfigDepth is the smallest MaxDepth the GPU reduction schedule
	// supports: the prepass folds the five deepest levels and needs at
	// least one per-level dispatch below the root.
	minConfigDepth = 6

	// maxConfigDepth keeps the heap under the cbt hard cap.
	maxConfigDepth = 29
)

// Config holds the static parameters of a terrain system. Use
// DefaultConfig as a starting point; all fields are value types so configs
// copy freely.
type Config struct {
	// Size is the world-space edge length of the terrain square, centered
	// on the origin.
	Size float32

	// MaxDepth is the subdivision ceiling of the binary tree. The heap
	// occupies 2^(MaxDepth+2) bits of GPU memory.
	MaxDepth uint32

	// MinDepth is the floor below which leaves never merge.
	MinDepth uint32

	// InitDepth is the uniform subdivision depth after Reset.
	InitDepth uint32

	// TargetEdgePixels is the on-screen triangle edge length the
	// subdivision converges toward.
	TargetEdgePixels float32

	// SplitFactor scales TargetEdgePixels into the split threshold:
	// leaves split above TargetEdgePixels*SplitFactor.
	SplitFactor float32

	// MergeFactor scales TargetEdgePixels into the merge threshold:
	// diamonds merge below TargetEdgePixels*MergeFactor. Must stay below
	// SplitFactor or the mesh oscillates.
	MergeFactor float32

	// SpreadFactor spreads leaf processing over N frames to bound per-
	// frame atomic traffic. 1 processes every leaf every frame.
	SpreadFactor uint32
}

// DefaultConfig returns the tuning used by the reference terrain setup:
// a 16 km square, 20 levels of subdivision, and a 16-pixel target edge
// with 1.5x/0.5x hysteresis.
func DefaultConfig() Config {
	return Config{
		Size:             16384,
		MaxDepth:         20,
		MinDepth:         6,
		InitDepth:        6,
		TargetEdgePixels: 16,
		SplitFactor:      1.5,
		MergeFactor:      0.5,
		SpreadFactor:     2,
	}
}

// Validate checks the configuration, wrapping the specific violation.
// The heap size cap is enforced here and again by cbt.New; exceeding it is
// always a hard error, never a clamp.
func (c Config) Validate() error {
	if c.MaxDepth < minConfigDepth {
		return fmt.Errorf("%w: max depth %d, minimum %d", ErrMaxDepthRange, c.MaxDepth, minConfigDepth)
	}
	if c.MaxDepth > maxConfigDepth {
		return fmt.Errorf("%w: max depth %d needs %d heap bytes, cap is %d",
			cbt.ErrSizeCapExceeded, c.MaxDepth, cbt.HeapBytes(c.MaxDepth), cbt.MaxHeapBytes)
	}
	if c.MinDepth > c.InitDepth || c.InitDepth > c.MaxDepth {
		return fmt.Errorf("%w: min %d, init %d, max %d", ErrDepthOrder, c.MinDepth, c.InitDepth, c.MaxDepth)
	}
	if c.Size <= 0 {
		return fmt.Errorf("%w: size %v", ErrConfigValue, c.Size)
	}
	if c.TargetEdgePixels <= 0 {
		return fmt.Errorf("%w: target edge pixels %v", ErrConfigValue, c.TargetEdgePixels)
	}
	if c.MergeFactor <= 0 || c.SplitFactor <= c.MergeFactor {
		return fmt.Errorf("%w: split %v, merge %v", ErrThresholds, c.SplitFactor, c.MergeFactor)
	}
	if c.SpreadFactor == 0 {
		return fmt.Errorf("%w: spread factor 0", ErrConfigValue)
	}
	return nil
}

// splitPixels returns the screen-space split threshold.
func (c Config) splitPixels() float32 { return c.TargetEdgePixels * c.SplitFactor }

// mergePixels returns the screen-space merge threshold.
func (c Config) mergePixels() float32 { return c.TargetEdgePixels * c.MergeFactor }
