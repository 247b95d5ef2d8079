// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package terrain

import (
	"errors"
	"testing"

	"github.com/gogpu/terrain/cbt"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	if got := cfg.splitPixels(); got != 24 {
		t.Errorf("splitPixels() = %v, want 24", got)
	}
	if got := cfg.mergePixels(); got != 8 {
		t.Errorf("mergePixels() = %v, want 8", got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"max depth too small", func(c *Config) { c.MaxDepth = 5; c.MinDepth = 2; c.InitDepth = 3 }, ErrMaxDepthRange},
		{"heap over hard cap", func(c *Config) { c.MaxDepth = 30 }, cbt.ErrSizeCapExceeded},
		{"min above init", func(c *Config) { c.MinDepth = 10; c.InitDepth = 8 }, ErrDepthOrder},
		{"init above max", func(c *Config) { c.InitDepth = 21 }, ErrDepthOrder},
		{"zero size", func(c *Config) { c.Size = 0 }, ErrConfigValue},
		{"zero target edge", func(c *Config) { c.TargetEdgePixels = 0 }, ErrConfigValue},
		{"merge above split", func(c *Config) { c.MergeFactor = 2 }, ErrThresholds},
		{"zero merge", func(c *Config) { c.MergeFactor = 0 }, ErrThresholds},
		{"zero spread", func(c *Config) { c.SpreadFactor = 0 }, ErrConfigValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigDepthBounds(t *testing.T) {
	// maxConfigDepth itself stays under the cbt hard cap.
	cfg := DefaultConfig()
	cfg.MaxDepth = maxConfigDepth
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() at depth %d = %v, want nil", maxConfigDepth, err)
	}
	if _, err := cbt.New(maxConfigDepth); err != nil {
		t.Errorf("cbt.New(%d) = %v, want nil", maxConfigDepth, err)
	}

	cfg.MaxDepth = minConfigDepth
	cfg.MinDepth = 0
	cfg.InitDepth = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() at depth %d = %v, want nil", minConfigDepth, err)
	}
}
