// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package terrain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/terrain/cbt"
	"github.com/gogpu/terrain/heightfield"
	"github.com/gogpu/terrain/internal/gpu"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// ErrNotInitialized is returned by operations that need a GPU device
// before InitStandalone or SetDeviceProvider has succeeded.
var ErrNotInitialized = errors.New("terrain: system not attached to a GPU device")

func init() {
	logPropagate = gpu.SetLogger
}

// System owns one adaptive terrain instance: the host heap mirror, the
// compute dispatcher, and the GPU buffers. Construction is CPU-only;
// device attachment happens through InitStandalone (own Vulkan device) or
// SetDeviceProvider (shared device from a host engine).
//
// All methods are safe for concurrent use, though Update serializes on the
// GPU queue anyway.
type System struct {
	mu sync.Mutex

	cfg  Config
	tree *cbt.Tree

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue

	dispatcher *gpu.TerrainDispatcher
	buffers    *gpu.TerrainBuffers

	frameIndex uint32

	ready          bool
	externalDevice bool // true when using a shared device (don't destroy on Close)
}

// NewSystem validates the configuration and builds the initial host heap
// image. No GPU work happens until a device is attached.
func NewSystem(cfg Config) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tree, err := cbt.New(cfg.MaxDepth)
	if err != nil {
		return nil, err
	}
	if err := tree.ResetToDepth(cfg.InitDepth); err != nil {
		return nil, err
	}
	return &System{cfg: cfg, tree: tree}, nil
}

// Config returns a copy of the system configuration.
func (s *System) Config() Config { return s.cfg }

// Ready reports whether the system is attached to a device and can Update.
func (s *System) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// InitStandalone creates a standalone Vulkan device for compute-only use.
// This is the fallback path when no external device is provided via
// SetDeviceProvider.
func (s *System) InitStandalone() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return nil
	}

	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return fmt.Errorf("terrain: vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("terrain: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return fmt.Errorf("terrain: no GPU adapters found")
	}

	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return fmt.Errorf("terrain: open device: %w", err)
	}

	s.instance = instance
	s.externalDevice = false
	if err := s.attachLocked(openDev.Device, openDev.Queue); err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		s.instance = nil
		return err
	}

	slogger().Info("terrain: GPU initialized (standalone)", "adapter", selected.Info.Name)
	return nil
}

// SetDeviceProvider switches the system to a shared GPU device from an
// external provider. The provider must implement HalDevice() any and
// HalQueue() any returning hal.Device and hal.Queue.
func (s *System) SetDeviceProvider(provider any) error {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return fmt.Errorf("terrain: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return fmt.Errorf("terrain: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return fmt.Errorf("terrain: provider HalQueue is not hal.Queue")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Release own resources if we created them.
	s.teardownLocked()

	s.externalDevice = true
	if err := s.attachLocked(device, queue); err != nil {
		s.device = nil
		s.queue = nil
		return err
	}

	slogger().Debug("terrain: switched to shared GPU device")
	return nil
}

// attachLocked wires a device and queue into the system: pipeline
// compilation, buffer allocation, and the one-shot heap upload.
func (s *System) attachLocked(device hal.Device, queue hal.Queue) error {
	dispatcher := gpu.NewTerrainDispatcher(device, queue)
	if err := dispatcher.Init(); err != nil {
		return fmt.Errorf("terrain: pipeline init: %w", err)
	}

	leafCount := uint32(1) << s.cfg.InitDepth
	buffers, err := dispatcher.AllocateBuffers(s.cfg.MaxDepth, s.tree.Bytes(), leafCount)
	if err != nil {
		dispatcher.Close()
		return err
	}

	s.device = device
	s.queue = queue
	s.dispatcher = dispatcher
	s.buffers = buffers
	s.frameIndex = 0
	s.ready = true
	return nil
}

// Update runs one terrain frame on the GPU: uniform upload, indirect
// argument refresh, split or merge pass (alternating by frame parity), and
// the full sum reduction. It blocks until the GPU completes.
func (s *System) Update(params FrameParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return ErrNotInitialized
	}
	if err := params.validate(); err != nil {
		return err
	}

	uniforms := gpu.FrameUniforms{
		ViewProj:      params.ViewProj,
		FrustumPlanes: params.frustumPlanes(),
		CameraPos:     params.CameraPos,
		TerrainSize:   s.cfg.Size,
		LODScale:      params.lodScale(),
		SplitPixels:   s.cfg.splitPixels(),
		MergePixels:   s.cfg.mergePixels(),
		MinDepth:      s.cfg.MinDepth,
		UpdateMode:    s.frameIndex & 1,
		FrameIndex:    s.frameIndex,
		SpreadFactor:  s.cfg.SpreadFactor,
	}

	if err := s.dispatcher.Dispatch(s.buffers, uniforms); err != nil {
		return err
	}
	s.frameIndex++
	return nil
}

// Reset rebuilds the uniform subdivision at InitDepth and, when a device
// is attached, re-uploads the heap image.
func (s *System) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.tree.ResetToDepth(s.cfg.InitDepth); err != nil {
		return err
	}
	s.frameIndex = 0
	if !s.ready {
		return nil
	}
	return s.dispatcher.UploadHeap(s.buffers, s.tree.Bytes())
}

// SetHeightfield uploads a heightfield into a storage buffer exposed via
// HeightBuffer for the external vertex stage.
func (s *System) SetHeightfield(f *heightfield.Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return ErrNotInitialized
	}
	if f == nil {
		return fmt.Errorf("terrain: nil heightfield")
	}
	return s.dispatcher.UploadHeightfield(s.buffers, f.Bytes())
}

// LeafCount reads the heap back from the device and returns the number of
// active leaves. It blocks on a GPU copy; intended for tools and tests,
// not per-frame use.
func (s *System) LeafCount() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return 0, ErrNotInitialized
	}
	img, err := s.dispatcher.ReadbackHeap(s.buffers)
	if err != nil {
		return 0, err
	}
	if err := s.tree.LoadBytes(img); err != nil {
		return 0, err
	}
	return s.tree.RootCount(), nil
}

// HeapBuffer returns the CBT heap buffer for read-only consumers such as
// a terrain vertex stage. Nil until a device is attached.
func (s *System) HeapBuffer() hal.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffers == nil {
		return nil
	}
	return s.buffers.Heap
}

// UniformBuffer returns the frame uniform buffer shared with renderers.
func (s *System) UniformBuffer() hal.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffers == nil {
		return nil
	}
	return s.buffers.Uniforms
}

// DrawArgsBuffer returns the indirect draw argument buffer: three vertices
// per active leaf, refreshed every Update.
func (s *System) DrawArgsBuffer() hal.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffers == nil {
		return nil
	}
	return s.buffers.DrawArgs
}

// DispatchArgsBuffer returns the indirect dispatch argument buffer sized
// to the active leaf workload.
func (s *System) DispatchArgsBuffer() hal.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffers == nil {
		return nil
	}
	return s.buffers.DispatchArgs
}

// HeightBuffer returns the heightfield storage buffer, or nil when no
// heightfield has been uploaded.
func (s *System) HeightBuffer() hal.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffers == nil {
		return nil
	}
	return s.buffers.Height
}

// teardownLocked releases GPU resources, honoring device ownership.
func (s *System) teardownLocked() {
	if s.dispatcher != nil {
		if s.buffers != nil {
			s.dispatcher.DestroyBuffers(s.buffers)
			s.buffers = nil
		}
		s.dispatcher.Close()
		s.dispatcher = nil
	}

	if !s.externalDevice {
		if s.device != nil {
			s.device.Destroy()
		}
		if s.instance != nil {
			s.instance.Destroy()
		}
	}
	s.device = nil
	s.queue = nil
	s.instance = nil
	s.ready = false
	s.externalDevice = false
}

// Close releases all GPU resources. The host tree survives, so a closed
// system can be re-attached to a device.
func (s *System) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}
