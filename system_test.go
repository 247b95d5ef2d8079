// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package terrain

import (
	"errors"
	"math"
	"testing"
)

func TestNewSystemValidatesConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MergeFactor = 3
	if _, err := NewSystem(cfg); !errors.Is(err, ErrThresholds) {
		t.Fatalf("NewSystem with bad thresholds = %v, want ErrThresholds", err)
	}
}

func TestSystemBeforeAttach(t *testing.T) {
	sys, err := NewSystem(DefaultConfig())
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	if sys.Ready() {
		t.Error("Ready() = true before device attach")
	}

	params := FrameParams{ViewProj: identityViewProj(), ScreenHeight: 1080, FOVY: math.Pi / 3}
	if err := sys.Update(params); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Update before attach = %v, want ErrNotInitialized", err)
	}
	if _, err := sys.LeafCount(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("LeafCount before attach = %v, want ErrNotInitialized", err)
	}
	if err := sys.SetHeightfield(nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("SetHeightfield before attach = %v, want ErrNotInitialized", err)
	}

	if sys.HeapBuffer() != nil || sys.DrawArgsBuffer() != nil ||
		sys.DispatchArgsBuffer() != nil || sys.UniformBuffer() != nil ||
		sys.HeightBuffer() != nil {
		t.Error("buffer accessors non-nil before device attach")
	}

	// Reset without a device only rebuilds the host image.
	if err := sys.Reset(); err != nil {
		t.Errorf("Reset before attach = %v", err)
	}

	// Close without a device is a no-op.
	sys.Close()
}

func TestSetDeviceProviderRejectsNonProvider(t *testing.T) {
	sys, err := NewSystem(DefaultConfig())
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	if err := sys.SetDeviceProvider(struct{}{}); err == nil {
		t.Fatal("SetDeviceProvider accepted a provider without HAL accessors")
	}
}
