// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

// terrain_compute.go defines the GPU dispatch orchestration for the terrain
// update pipeline. It manages shader compilation, buffer allocation, and the
// per-frame stage sequence that keeps the concurrent binary tree consistent
// on the device.

package gpu

import (
	_ "embed"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/terrain/internal/native"
	"github.com/gogpu/wgpu/hal"
)

// =============================================================================
// Embedded WGSL Shader Sources
// =============================================================================

//go:embed shaders/terrain_dispatch_args.wgsl
var shaderDispatchArgs string

//go:embed shaders/terrain_subdivision.wgsl
var shaderSubdivision string

//go:embed shaders/terrain_sum_reduction_prepass.wgsl
var shaderSumReductionPrepass string

//go:embed shaders/terrain_sum_reduction.wgsl
var shaderSumReduction string

//go:embed shaders/terrain_draw_args.wgsl
var shaderDrawArgs string

// =============================================================================
// Constants
// =============================================================================

const (
	// terrainWGSize is the workgroup size used by the parallel terrain
	// kernels. This matches the WG_SIZE constant in the WGSL shaders.
	terrainWGSize = 256

	// prepassLevels is the number of deepest tree levels folded by the
	// sum-reduction prepass. One invocation per 32-bit bitfield word
	// covers exactly five pairwise reduction steps.
	prepassLevels = 5

	// minDispatchDepth is the smallest tree depth the dispatcher accepts.
	// The prepass needs at least prepassLevels+1 levels below the root.
	minDispatchDepth = prepassLevels + 1

	// maxWorkgroupsPerDim is the per-dimension dispatch limit. Deeper
	// trees spill excess subdivision workgroups into the y dimension.
	maxWorkgroupsPerDim = 65535

	// terrainFenceTimeout is the maximum time to wait for GPU work.
	terrainFenceTimeout = 5 * time.Second

	// levelParamsSize is the byte size of one per-level uniform buffer.
	// The shader reads a single u32; 16 bytes satisfies uniform
	// alignment everywhere.
	levelParamsSize = 16
)

// =============================================================================
// TerrainStage
// =============================================================================

// TerrainStage identifies one stage of the terrain update pipeline.
// StageSumReduction is dispatched once per remaining tree level; all other
// stages run exactly once per frame.
type TerrainStage int

const (
	// StageDispatchArgs refreshes the indirect dispatch arguments from the
	// CBT root count computed by the previous frame's reduction.
	StageDispatchArgs TerrainStage = iota

	// StageSubdivision runs the split/merge kernel, one invocation per
	// active leaf, mutating bitfield membership with atomics.
	StageSubdivision

	// StageSumReductionPrepass folds the five deepest count levels in a
	// single dispatch, one invocation per bitfield word.
	StageSumReductionPrepass

	// StageSumReduction folds one count level, parent = left + right.
	// Dispatched per level from the prepass cutoff down to the root.
	StageSumReduction

	// StageDrawArgs refreshes the indirect draw arguments from the final
	// root count: three vertices per active leaf.
	StageDrawArgs

	// StageCount is the total number of pipeline stages.
	StageCount
)

// String returns the human-readable name of the compute stage.
func (s TerrainStage) String() string {
	switch s {
	case StageDispatchArgs:
		return "dispatch_args"
	case StageSubdivision:
		return "subdivision"
	case StageSumReductionPrepass:
		return "sum_reduction_prepass"
	case StageSumReduction:
		return "sum_reduction"
	case StageDrawArgs:
		return "draw_args"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// =============================================================================
// FrameUniforms
// =============================================================================

// FrameUniforms holds the per-frame parameters consumed by the subdivision
// kernel. The layout must match the FrameUniforms struct in
// terrain_subdivision.wgsl: mat4x4f, array<vec4f, 6>, then three vec4 slots.
type FrameUniforms struct {
	// ViewProj is the column-major view-projection matrix. It is carried
	// in the uniform block so renderers binding the same buffer see a
	// consistent camera.
	ViewProj [16]float32

	// FrustumPlanes holds six world-space planes as (nx, ny, nz, d),
	// normals pointing inward.
	FrustumPlanes [6][4]float32

	// CameraPos is the camera position in world space.
	CameraPos [3]float32

	// TerrainSize is the world-space edge length of the terrain square.
	TerrainSize float32

	// LODScale converts world-length/distance ratios to screen pixels.
	LODScale float32

	// SplitPixels is the screen-space edge length above which a leaf
	// splits.
	SplitPixels float32

	// MergePixels is the screen-space edge length below which a diamond
	// merges.
	MergePixels float32

	// MinDepth is the floor below which leaves never merge.
	MinDepth uint32

	// UpdateMode selects the mutation phase: 0 split, 1 merge.
	UpdateMode uint32

	// FrameIndex rotates the temporal spreading window.
	FrameIndex uint32

	// SpreadFactor processes 1/N of the leaves per frame; values <= 1
	// disable spreading.
	SpreadFactor uint32
}

// sizeInBytes returns the byte size of FrameUniforms.
// mat4x4f (64) + 6 vec4f (96) + 3 vec4 slots (48) = 208 bytes.
func (u FrameUniforms) sizeInBytes() uint64 {
	return 208
}

// toBytes serializes FrameUniforms to little-endian bytes matching the WGSL
// uniform layout. CameraPos occupies a vec4f slot with a padding word.
func (u FrameUniforms) toBytes() []byte {
	buf := make([]byte, u.sizeInBytes())
	le := binary.LittleEndian
	putF32 := func(off int, v float32) {
		le.PutUint32(buf[off:off+4], math.Float32bits(v))
	}

	for i, v := range u.ViewProj {
		putF32(i*4, v)
	}
	for p := 0; p < 6; p++ {
		for c := 0; c < 4; c++ {
			putF32(64+p*16+c*4, u.FrustumPlanes[p][c])
		}
	}
	putF32(160, u.CameraPos[0])
	putF32(164, u.CameraPos[1])
	putF32(168, u.CameraPos[2])
	// buf[172:176] is the vec4 padding word.
	putF32(176, u.TerrainSize)
	putF32(180, u.LODScale)
	putF32(184, u.SplitPixels)
	putF32(188, u.MergePixels)
	le.PutUint32(buf[192:196], u.MinDepth)
	le.PutUint32(buf[196:200], u.UpdateMode)
	le.PutUint32(buf[200:204], u.FrameIndex)
	le.PutUint32(buf[204:208], u.SpreadFactor)
	return buf
}

// =============================================================================
// Indirect argument structs
// =============================================================================

// DispatchIndirectArgs matches the 12-byte indirect dispatch layout
// (x, y, z workgroup counts) maintained by the dispatch_args stage.
type DispatchIndirectArgs struct {
	X uint32
	Y uint32
	Z uint32
}

// Size returns the byte size of DispatchIndirectArgs.
func (DispatchIndirectArgs) Size() uint64 { return 12 }

// toBytes serializes the args in little-endian order.
func (a DispatchIndirectArgs) toBytes() []byte {
	buf := make([]byte, a.Size())
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], a.X)
	le.PutUint32(buf[4:8], a.Y)
	le.PutUint32(buf[8:12], a.Z)
	return buf
}

// DrawIndirectArgs matches the 16-byte non-indexed indirect draw layout
// maintained by the draw_args stage.
type DrawIndirectArgs struct {
	VertexCount   uint32
	InstanceCount uint32
	FirstVertex   uint32
	FirstInstance uint32
}

// Size returns the byte size of DrawIndirectArgs.
func (DrawIndirectArgs) Size() uint64 { return 16 }

// toBytes serializes the args in little-endian order.
func (a DrawIndirectArgs) toBytes() []byte {
	buf := make([]byte, a.Size())
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], a.VertexCount)
	le.PutUint32(buf[4:8], a.InstanceCount)
	le.PutUint32(buf[8:12], a.FirstVertex)
	le.PutUint32(buf[12:16], a.FirstInstance)
	return buf
}

// =============================================================================
// TerrainBuffers
// =============================================================================

// TerrainBuffers holds the GPU buffer references for one tree instance.
// The buffers live for the lifetime of the tree, not per frame; only the
// uniform contents change between dispatches.
type TerrainBuffers struct {
	// MaxDepth is the ceiling depth of the tree the buffers were sized
	// for. It drives the reduction schedule during Dispatch.
	MaxDepth uint32

	// Heap is the CBT heap: sentinel word, packed count fields, and the
	// leaf bitfield. Bound to every stage; the subdivision kernel
	// mutates it with atomics.
	Heap hal.Buffer

	// DispatchArgs is the 12-byte indirect dispatch argument buffer
	// refreshed by the dispatch_args stage for external consumers.
	DispatchArgs hal.Buffer

	// DrawArgs is the 16-byte indirect draw argument buffer refreshed by
	// the draw_args stage: three vertices per active leaf.
	DrawArgs hal.Buffer

	// Uniforms is the 208-byte FrameUniforms buffer consumed by the
	// subdivision kernel and shared with renderers.
	Uniforms hal.Buffer

	// LevelParams holds one small uniform buffer per reduction level,
	// indexed by depth. Written once at allocation; separate buffers
	// sidestep dynamic-offset alignment rules.
	LevelParams []hal.Buffer

	// Height is the optional heightfield storage buffer consumed by the
	// external vertex stage. Allocated by UploadHeightfield; nil until
	// then.
	Height hal.Buffer
}

// =============================================================================
// TerrainDispatcher
// =============================================================================

// TerrainDispatcher orchestrates the terrain update pipeline.
// It manages shader compilation, buffer allocation, and the per-frame
// dispatch sequence:
//
//  1. dispatch_args          -- refresh indirect dispatch args from root count
//  2. subdivision            -- split/merge kernel over active leaves
//  3. sum_reduction_prepass  -- fold the five deepest count levels
//  4. sum_reduction          -- fold one level, repeated down to the root
//  5. draw_args              -- refresh indirect draw args from root count
//
// Every stage runs in its own compute pass within a single command encoder,
// so each stage observes the writes of the previous one.
type TerrainDispatcher struct {
	mu sync.RWMutex

	// device is the HAL device providing GPU resource creation.
	device hal.Device

	// queue is the HAL queue for command submission and buffer writes.
	queue hal.Queue

	// pipelines are the compiled compute pipelines, one per stage.
	pipelines [StageCount]hal.ComputePipeline

	// pipelineLayouts are the pipeline layouts, one per stage.
	pipelineLayouts [StageCount]hal.PipelineLayout

	// bgLayouts are the bind group layouts, one per stage.
	bgLayouts [StageCount]hal.BindGroupLayout

	// shaderModules are the compiled shader modules, one per stage.
	shaderModules [StageCount]hal.ShaderModule

	// shaderSources are the embedded WGSL sources, indexed by stage.
	shaderSources [StageCount]string

	// initialized indicates whether shaders have been compiled.
	initialized bool
}

// NewTerrainDispatcher creates a dispatcher attached to the given HAL device
// and queue. The dispatcher must be initialized with Init() before use.
func NewTerrainDispatcher(device hal.Device, queue hal.Queue) *TerrainDispatcher {
	d := &TerrainDispatcher{
		device: device,
		queue:  queue,
	}

	d.shaderSources = [StageCount]string{
		StageDispatchArgs:        shaderDispatchArgs,
		StageSubdivision:         shaderSubdivision,
		StageSumReductionPrepass: shaderSumReductionPrepass,
		StageSumReduction:        shaderSumReduction,
		StageDrawArgs:            shaderDrawArgs,
	}

	return d
}

// Initialized reports whether Init has completed successfully.
func (d *TerrainDispatcher) Initialized() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.initialized
}

// stageBindGroupLayoutEntries returns the bind group layout entries for a
// given stage. These match the @group(0) @binding(N) annotations in the
// corresponding WGSL shader files exactly.
func stageBindGroupLayoutEntries(stage TerrainStage) []gputypes.BindGroupLayoutEntry {
	uniform := func(binding uint32) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
		}
	}
	storageRO := func(binding uint32) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
		}
	}
	storageRW := func(binding uint32) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
		}
	}

	switch stage {
	case StageDispatchArgs:
		// @binding(0) storage(read) heap
		// @binding(1) storage(read_write) dispatch_args
		return []gputypes.BindGroupLayoutEntry{storageRO(0), storageRW(1)}

	case StageSubdivision:
		// @binding(0) uniform frame uniforms
		// @binding(1) storage(read_write) heap (atomics)
		return []gputypes.BindGroupLayoutEntry{uniform(0), storageRW(1)}

	case StageSumReductionPrepass:
		// @binding(0) storage(read_write) heap
		return []gputypes.BindGroupLayoutEntry{storageRW(0)}

	case StageSumReduction:
		// @binding(0) storage(read_write) heap
		// @binding(1) uniform level params
		return []gputypes.BindGroupLayoutEntry{storageRW(0), uniform(1)}

	case StageDrawArgs:
		// @binding(0) storage(read) heap
		// @binding(1) storage(read_write) draw_args
		return []gputypes.BindGroupLayoutEntry{storageRO(0), storageRW(1)}

	default:
		return nil
	}
}

// Init compiles all WGSL shaders to SPIR-V and creates compute pipelines.
// Must be called before Dispatch. Safe to call multiple times; subsequent
// calls are no-ops once initialized.
func (d *TerrainDispatcher) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return nil
	}

	for i := TerrainStage(0); i < StageCount; i++ {
		src := d.shaderSources[i]
		if src == "" {
			return fmt.Errorf("terrain compute: missing shader source for stage %s", i)
		}

		stageName := fmt.Sprintf("terrain_%s", i)

		spirv, err := native.CompileShaderToSPIRV(src)
		if err != nil {
			d.destroyPartialInit(i)
			return fmt.Errorf("terrain compute: compile shader for %s: %w", i, err)
		}

		module, err := native.CreateShaderModule(d.device, stageName, spirv)
		if err != nil {
			d.destroyPartialInit(i)
			return fmt.Errorf("terrain compute: create shader module for %s: %w", i, err)
		}
		d.shaderModules[i] = module

		entries := stageBindGroupLayoutEntries(i)
		bgLayout, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   stageName + "_bgl",
			Entries: entries,
		})
		if err != nil {
			d.destroyPartialInit(i + 1) // module was already stored
			return fmt.Errorf("terrain compute: create bind group layout for %s: %w", i, err)
		}
		d.bgLayouts[i] = bgLayout

		pipelineLayout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
			Label:            stageName + "_pl",
			BindGroupLayouts: []hal.BindGroupLayout{bgLayout},
		})
		if err != nil {
			d.destroyPartialInit(i + 1)
			return fmt.Errorf("terrain compute: create pipeline layout for %s: %w", i, err)
		}
		d.pipelineLayouts[i] = pipelineLayout

		pipeline, err := d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
			Label:  stageName,
			Layout: pipelineLayout,
			Compute: hal.ComputeState{
				Module:     module,
				EntryPoint: "main",
			},
		})
		if err != nil {
			d.destroyPartialInit(i + 1)
			return fmt.Errorf("terrain compute: create compute pipeline for %s: %w", i, err)
		}
		d.pipelines[i] = pipeline

		slogger().Debug("terrain compute: pipeline created",
			"stage", i.String(),
			"bindings", len(entries),
			"spirv_words", len(spirv))
	}

	slogger().Info("terrain compute: all pipelines initialized",
		"stages", int(StageCount))

	d.initialized = true
	return nil
}

// destroyPartialInit cleans up resources for stages [0, upTo) during a
// failed Init() so partial initialization leaks nothing.
func (d *TerrainDispatcher) destroyPartialInit(upTo TerrainStage) {
	for j := TerrainStage(0); j < upTo; j++ {
		if d.pipelines[j] != nil {
			d.device.DestroyComputePipeline(d.pipelines[j])
			d.pipelines[j] = nil
		}
		if d.pipelineLayouts[j] != nil {
			d.device.DestroyPipelineLayout(d.pipelineLayouts[j])
			d.pipelineLayouts[j] = nil
		}
		if d.bgLayouts[j] != nil {
			d.device.DestroyBindGroupLayout(d.bgLayouts[j])
			d.bgLayouts[j] = nil
		}
		if d.shaderModules[j] != nil {
			d.device.DestroyShaderModule(d.shaderModules[j])
			d.shaderModules[j] = nil
		}
	}
}

// Close releases all GPU resources held by the dispatcher.
// After Close, the dispatcher must be re-initialized with Init() before use.
func (d *TerrainDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.destroyPartialInit(StageCount)
	d.initialized = false
}

// =============================================================================
// Workgroup sizing
// =============================================================================

// workgroupCount performs ceiling division of threads by the workgroup size,
// returning at least one workgroup.
func workgroupCount(threads uint32) uint32 {
	if threads == 0 {
		return 1
	}
	return (threads + terrainWGSize - 1) / terrainWGSize
}

// subdivisionDispatchSize returns the (x, y) workgroup counts for the
// subdivision stage. The kernel is dispatched for the worst case of
// 2^maxDepth leaves and exits early past the live root count; counts beyond
// the per-dimension limit spill into y, matching the tid reconstruction in
// the shader.
func subdivisionDispatchSize(maxDepth uint32) (uint32, uint32) {
	var total uint32 = 1
	if maxDepth > 8 {
		total = 1 << (maxDepth - 8) // 2^maxDepth / 256
	}
	if total <= maxWorkgroupsPerDim {
		return total, 1
	}
	y := (total + maxWorkgroupsPerDim - 1) / maxWorkgroupsPerDim
	x := (total + y - 1) / y
	return x, y
}

// =============================================================================
// Buffer management
// =============================================================================

// AllocateBuffers creates the GPU buffers for a tree with the given ceiling
// depth and uploads the initial heap image. leafCount seeds the indirect
// draw arguments so a renderer can draw before the first Dispatch.
//
// The caller must call DestroyBuffers when the buffers are no longer needed.
func (d *TerrainDispatcher) AllocateBuffers(maxDepth uint32, heap []byte, leafCount uint32) (*TerrainBuffers, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.initialized {
		return nil, fmt.Errorf("terrain compute: dispatcher not initialized, call Init() first")
	}
	if maxDepth < minDispatchDepth {
		return nil, fmt.Errorf("terrain compute: max depth %d below dispatch minimum %d", maxDepth, minDispatchDepth)
	}
	wantBytes := uint64(1) << (maxDepth - 1) // 2^(maxDepth+2) bits
	if uint64(len(heap)) != wantBytes {
		return nil, fmt.Errorf("terrain compute: heap is %d bytes, want %d for max depth %d", len(heap), wantBytes, maxDepth)
	}

	storageUp := gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst
	bufs := &TerrainBuffers{MaxDepth: maxDepth}

	type bufSpec struct {
		target *hal.Buffer
		label  string
		size   uint64
		usage  gputypes.BufferUsage
	}

	specs := []bufSpec{
		// CopySrc on the heap enables host readback of the tree state.
		{&bufs.Heap, "terrain_cbt_heap", wantBytes, storageUp | gputypes.BufferUsageCopySrc},
		{&bufs.DispatchArgs, "terrain_dispatch_args", DispatchIndirectArgs{}.Size(), storageUp | gputypes.BufferUsageIndirect},
		{&bufs.DrawArgs, "terrain_draw_args", DrawIndirectArgs{}.Size(), storageUp | gputypes.BufferUsageIndirect},
		{&bufs.Uniforms, "terrain_uniforms", FrameUniforms{}.sizeInBytes(), gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst},
	}

	for _, s := range specs {
		buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
			Label: s.label,
			Size:  s.size,
			Usage: s.usage,
		})
		if err != nil {
			d.DestroyBuffers(bufs)
			return nil, fmt.Errorf("terrain compute: create %s buffer: %w", s.label, err)
		}
		*s.target = buf
	}

	// One uniform per reduction level, written once. The levels run from
	// the prepass cutoff down to the root: depths maxDepth-6 .. 0.
	levels := maxDepth - prepassLevels
	bufs.LevelParams = make([]hal.Buffer, levels)
	for depth := uint32(0); depth < levels; depth++ {
		buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
			Label: fmt.Sprintf("terrain_reduce_level_%d", depth),
			Size:  levelParamsSize,
			Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			d.DestroyBuffers(bufs)
			return nil, fmt.Errorf("terrain compute: create level %d uniform: %w", depth, err)
		}
		bufs.LevelParams[depth] = buf

		params := make([]byte, levelParamsSize)
		binary.LittleEndian.PutUint32(params, depth)
		d.queue.WriteBuffer(buf, 0, params)
	}

	d.queue.WriteBuffer(bufs.Heap, 0, heap)
	d.queue.WriteBuffer(bufs.DispatchArgs, 0, DispatchIndirectArgs{X: workgroupCount(leafCount), Y: 1, Z: 1}.toBytes())
	d.queue.WriteBuffer(bufs.DrawArgs, 0, DrawIndirectArgs{VertexCount: 3 * leafCount, InstanceCount: 1}.toBytes())

	slogger().Debug("terrain compute: buffers allocated",
		"max_depth", maxDepth,
		"heap_bytes", wantBytes,
		"reduce_levels", levels,
		"initial_leaves", leafCount)

	return bufs, nil
}

// UploadHeap replaces the device heap contents with the given host image,
// resetting the tree without reallocating buffers.
func (d *TerrainDispatcher) UploadHeap(bufs *TerrainBuffers, heap []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if bufs == nil || bufs.Heap == nil {
		return fmt.Errorf("terrain compute: heap buffer not allocated")
	}
	wantBytes := uint64(1) << (bufs.MaxDepth - 1)
	if uint64(len(heap)) != wantBytes {
		return fmt.Errorf("terrain compute: heap is %d bytes, want %d", len(heap), wantBytes)
	}
	d.queue.WriteBuffer(bufs.Heap, 0, heap)
	return nil
}

// UploadHeightfield uploads a serialized heightfield into a storage buffer
// for the external vertex stage, allocating or reallocating as needed.
func (d *TerrainDispatcher) UploadHeightfield(bufs *TerrainBuffers, data []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if bufs == nil || bufs.Heap == nil {
		return fmt.Errorf("terrain compute: buffers not allocated")
	}
	if len(data) == 0 {
		return fmt.Errorf("terrain compute: empty heightfield")
	}

	if bufs.Height != nil {
		d.device.DestroyBuffer(bufs.Height)
		bufs.Height = nil
	}
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "terrain_heightfield",
		Size:  uint64(len(data)),
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("terrain compute: create heightfield buffer: %w", err)
	}
	bufs.Height = buf
	d.queue.WriteBuffer(buf, 0, data)
	return nil
}

// ReadbackHeap copies the device heap into host memory through a staging
// buffer and blocks until the copy completes. The returned slice has the
// full heap size.
func (d *TerrainDispatcher) ReadbackHeap(bufs *TerrainBuffers) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if bufs == nil || bufs.Heap == nil {
		return nil, fmt.Errorf("terrain compute: heap buffer not allocated")
	}
	size := uint64(1) << (bufs.MaxDepth - 1)

	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "terrain_heap_staging",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("terrain compute: create staging buffer: %w", err)
	}
	defer d.device.DestroyBuffer(staging)

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "terrain_heap_readback",
	})
	if err != nil {
		return nil, fmt.Errorf("terrain compute: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("terrain_heap_readback"); err != nil {
		return nil, fmt.Errorf("terrain compute: begin encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(bufs.Heap, staging, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: size},
	})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("terrain compute: end encoding: %w", err)
	}

	res := &dispatchResources{device: d.device, cmdBuf: cmdBuf}
	defer res.cleanup()
	if err := d.submitAndWait(res); err != nil {
		return nil, err
	}

	out := make([]byte, size)
	if err := d.queue.ReadBuffer(staging, 0, out); err != nil {
		return nil, fmt.Errorf("terrain compute: readback: %w", err)
	}
	return out, nil
}

// DestroyBuffers releases all GPU buffers in the given TerrainBuffers.
// After this call, the buffers must not be used.
func (d *TerrainDispatcher) DestroyBuffers(bufs *TerrainBuffers) {
	if bufs == nil {
		return
	}

	destroyBuf := func(b hal.Buffer) {
		if b != nil {
			d.device.DestroyBuffer(b)
		}
	}

	destroyBuf(bufs.Heap)
	destroyBuf(bufs.DispatchArgs)
	destroyBuf(bufs.DrawArgs)
	destroyBuf(bufs.Uniforms)
	destroyBuf(bufs.Height)
	for _, b := range bufs.LevelParams {
		destroyBuf(b)
	}

	// Zero out all fields to prevent accidental reuse.
	*bufs = TerrainBuffers{}
}

// stageBindGroupEntries returns the bind group entries for a stage, mapping
// each binding index to the correct buffer. levelParams is the per-level
// uniform for StageSumReduction and nil for every other stage.
func stageBindGroupEntries(stage TerrainStage, bufs *TerrainBuffers, levelParams hal.Buffer) []gputypes.BindGroupEntry {
	entry := func(binding uint32, buf hal.Buffer) gputypes.BindGroupEntry {
		return gputypes.BindGroupEntry{
			Binding: binding,
			Resource: gputypes.BufferBinding{
				Buffer: buf.NativeHandle(),
				Offset: 0,
				Size:   0, // 0 = entire buffer
			},
		}
	}

	switch stage {
	case StageDispatchArgs:
		return []gputypes.BindGroupEntry{
			entry(0, bufs.Heap),
			entry(1, bufs.DispatchArgs),
		}

	case StageSubdivision:
		return []gputypes.BindGroupEntry{
			entry(0, bufs.Uniforms),
			entry(1, bufs.Heap),
		}

	case StageSumReductionPrepass:
		return []gputypes.BindGroupEntry{
			entry(0, bufs.Heap),
		}

	case StageSumReduction:
		return []gputypes.BindGroupEntry{
			entry(0, bufs.Heap),
			entry(1, levelParams),
		}

	case StageDrawArgs:
		return []gputypes.BindGroupEntry{
			entry(0, bufs.Heap),
			entry(1, bufs.DrawArgs),
		}

	default:
		return nil
	}
}

// dispatchResources tracks per-frame GPU resources for cleanup.
type dispatchResources struct {
	device     hal.Device
	bindGroups []hal.BindGroup
	cmdBuf     hal.CommandBuffer
	fence      hal.Fence
}

// cleanup destroys all tracked per-frame resources.
func (r *dispatchResources) cleanup() {
	if r.fence != nil {
		r.device.DestroyFence(r.fence)
	}
	if r.cmdBuf != nil {
		r.device.FreeCommandBuffer(r.cmdBuf)
	}
	for _, g := range r.bindGroups {
		r.device.DestroyBindGroup(g)
	}
}

// stageDispatch holds parameters for a single compute pass.
type stageDispatch struct {
	stage TerrainStage
	x, y  uint32

	// level selects the per-depth uniform for StageSumReduction.
	level int
}

// frameStages builds the ordered pass sequence for one update frame.
func frameStages(maxDepth uint32) []stageDispatch {
	subX, subY := subdivisionDispatchSize(maxDepth)

	stages := []stageDispatch{
		{stage: StageDispatchArgs, x: 1, y: 1, level: -1},
		{stage: StageSubdivision, x: subX, y: subY, level: -1},
		{stage: StageSumReductionPrepass, x: workgroupCount(1 << (maxDepth - prepassLevels)), y: 1, level: -1},
	}
	for depth := int(maxDepth) - prepassLevels - 1; depth >= 0; depth-- {
		stages = append(stages, stageDispatch{
			stage: StageSumReduction,
			x:     workgroupCount(1 << uint32(depth)),
			y:     1,
			level: depth,
		})
	}
	stages = append(stages, stageDispatch{stage: StageDrawArgs, x: 1, y: 1, level: -1})
	return stages
}

// Dispatch runs one complete update frame: uniform upload, indirect
// argument refresh, subdivision, full sum reduction, and draw argument
// refresh. It blocks until the GPU signals completion.
func (d *TerrainDispatcher) Dispatch(bufs *TerrainBuffers, uniforms FrameUniforms) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.initialized {
		return fmt.Errorf("terrain compute: dispatcher not initialized, call Init() first")
	}
	if bufs == nil || bufs.Heap == nil {
		return fmt.Errorf("terrain compute: buffers must be allocated")
	}

	d.queue.WriteBuffer(bufs.Uniforms, 0, uniforms.toBytes())

	res := &dispatchResources{device: d.device}
	defer res.cleanup()

	if err := d.encodeComputeStages(res, bufs, frameStages(bufs.MaxDepth)); err != nil {
		return err
	}

	return d.submitAndWait(res)
}

// encodeComputeStages records all compute passes into a command buffer.
// One pass per stage: pass boundaries give each stage visibility of the
// previous stage's storage writes.
func (d *TerrainDispatcher) encodeComputeStages(
	res *dispatchResources,
	bufs *TerrainBuffers,
	stages []stageDispatch,
) error {
	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "terrain_compute",
	})
	if err != nil {
		return fmt.Errorf("terrain compute: create command encoder: %w", err)
	}

	if err := encoder.BeginEncoding("terrain_compute"); err != nil {
		return fmt.Errorf("terrain compute: begin encoding: %w", err)
	}

	for _, sd := range stages {
		var levelBuf hal.Buffer
		label := fmt.Sprintf("terrain_%s", sd.stage)
		if sd.level >= 0 {
			levelBuf = bufs.LevelParams[sd.level]
			label = fmt.Sprintf("terrain_%s_d%d", sd.stage, sd.level)
		}

		bg, bgErr := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:   label + "_bg",
			Layout:  d.bgLayouts[sd.stage],
			Entries: stageBindGroupEntries(sd.stage, bufs, levelBuf),
		})
		if bgErr != nil {
			encoder.DiscardEncoding()
			return fmt.Errorf("terrain compute: create bind group for %s: %w", sd.stage, bgErr)
		}
		res.bindGroups = append(res.bindGroups, bg)

		pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{
			Label: label,
		})
		pass.SetPipeline(d.pipelines[sd.stage])
		pass.SetBindGroup(0, bg, nil)
		pass.Dispatch(sd.x, sd.y, 1)
		pass.End()
	}

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("terrain compute: end encoding: %w", err)
	}
	res.cmdBuf = cmdBuf
	return nil
}

// submitAndWait submits the command buffer and waits for GPU completion.
func (d *TerrainDispatcher) submitAndWait(res *dispatchResources) error {
	fence, err := d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("terrain compute: create fence: %w", err)
	}
	res.fence = fence

	if err := d.queue.Submit([]hal.CommandBuffer{res.cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("terrain compute: submit: %w", err)
	}

	ok, err := d.device.Wait(fence, 1, terrainFenceTimeout)
	if err != nil {
		return fmt.Errorf("terrain compute: wait for GPU: %w", err)
	}
	if !ok {
		return fmt.Errorf("terrain compute: GPU timeout after %v", terrainFenceTimeout)
	}
	return nil
}
