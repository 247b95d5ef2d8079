// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package terrain

import (
	"errors"
	"fmt"
	"math"
)

// ErrFrameParams is returned when per-frame view parameters are degenerate.
var ErrFrameParams = errors.New("terrain: invalid frame parameters")

// FrameParams carries the per-frame view state driving the subdivision
// heuristic. The world-space frustum planes are derived from ViewProj on
// the host so the kernel only does plane tests.
type FrameParams struct {
	// ViewProj is the column-major view-projection matrix.
	ViewProj [16]float32

	// CameraPos is the camera position in world space.
	CameraPos [3]float32

	// ScreenHeight is the render target height in pixels.
	ScreenHeight float32

	// FOVY is the vertical field of view in radians.
	FOVY float32
}

// validate checks that the projection inputs can produce a finite level-
// of-detail scale.
func (p FrameParams) validate() error {
	if p.ScreenHeight <= 0 {
		return fmt.Errorf("%w: screen height %v", ErrFrameParams, p.ScreenHeight)
	}
	if p.FOVY <= 0 || p.FOVY >= math.Pi {
		return fmt.Errorf("%w: fov %v rad", ErrFrameParams, p.FOVY)
	}
	return nil
}

// lodScale converts a world-length/distance ratio into screen pixels for
// the given projection: height / (2 * tan(fov/2)).
func (p FrameParams) lodScale() float32 {
	return p.ScreenHeight / float32(2*math.Tan(float64(p.FOVY)/2))
}

// frustumPlanes extracts the six world-space planes from the column-major
// view-projection matrix (Gribb-Hartmann). Planes are (nx, ny, nz, d) with
// normals pointing into the frustum, normalized so plane distances are in
// world units.
func (p FrameParams) frustumPlanes() [6][4]float32 {
	m := p.ViewProj
	// row(i)[j] = m[j*4+i] for a column-major matrix.
	row := func(i int) [4]float32 {
		return [4]float32{m[i], m[4+i], m[8+i], m[12+i]}
	}
	r0, r1, r2, r3 := row(0), row(1), row(2), row(3)

	add := func(a, b [4]float32) [4]float32 {
		return [4]float32{a[0] + b[0], a[1] + b[1], a[2] + b[2], a[3] + b[3]}
	}
	sub := func(a, b [4]float32) [4]float32 {
		return [4]float32{a[0] - b[0], a[1] - b[1], a[2] - b[2], a[3] - b[3]}
	}

	planes := [6][4]float32{
		add(r3, r0), // left
		sub(r3, r0), // right
		add(r3, r1), // bottom
		sub(r3, r1), // top
		add(r3, r2), // near
		sub(r3, r2), // far
	}

	for i := range planes {
		pl := planes[i]
		n := math.Sqrt(float64(pl[0]*pl[0] + pl[1]*pl[1] + pl[2]*pl[2]))
		if n > 0 {
			inv := float32(1 / n)
			planes[i] = [4]float32{pl[0] * inv, pl[1] * inv, pl[2] * inv, pl[3] * inv}
		}
	}
	return planes
}
