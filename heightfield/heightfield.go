// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package heightfield provides square height grids for terrain displacement.
// A Field can be filled procedurally or resampled from an image, sampled
// bilinearly on the CPU, and serialized for GPU upload.
package heightfield

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
)

// ErrResolution is returned when a field resolution is too small.
var ErrResolution = errors.New("heightfield: resolution must be at least 2")

// Field is a square grid of normalized heights. Values are free-form but
// procedural and image sources produce heights in [0, 1].
type Field struct {
	resolution int
	data       []float32
}

// New creates a flat field with the given per-side resolution.
func New(resolution int) (*Field, error) {
	if resolution < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrResolution, resolution)
	}
	return &Field{
		resolution: resolution,
		data:       make([]float32, resolution*resolution),
	}, nil
}

// FromImage resamples an image into a field of the given resolution.
// Luminance maps to height: black is 0, white is 1.
func FromImage(img image.Image, resolution int) (*Field, error) {
	f, err := New(resolution)
	if err != nil {
		return nil, err
	}

	gray := image.NewGray16(image.Rect(0, 0, resolution, resolution))
	xdraw.CatmullRom.Scale(gray, gray.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	for y := 0; y < resolution; y++ {
		row := gray.Pix[y*gray.Stride:]
		for x := 0; x < resolution; x++ {
			v := uint16(row[2*x])<<8 | uint16(row[2*x+1])
			f.data[y*resolution+x] = float32(v) / math.MaxUint16
		}
	}
	return f, nil
}

// Resolution returns the per-side sample count.
func (f *Field) Resolution() int { return f.resolution }

// At returns the height at grid coordinates, clamped to the field bounds.
func (f *Field) At(x, y int) float32 {
	x = clampInt(x, 0, f.resolution-1)
	y = clampInt(y, 0, f.resolution-1)
	return f.data[y*f.resolution+x]
}

// Set writes the height at grid coordinates. Out-of-bounds writes are
// ignored.
func (f *Field) Set(x, y int, h float32) {
	if x < 0 || x >= f.resolution || y < 0 || y >= f.resolution {
		return
	}
	f.data[y*f.resolution+x] = h
}

// Sample returns the bilinearly interpolated height at normalized
// coordinates (u, v) in [0, 1]. Coordinates outside the unit square clamp
// to the edge.
func (f *Field) Sample(u, v float64) float32 {
	fx := clampFloat(u, 0, 1) * float64(f.resolution-1)
	fy := clampFloat(v, 0, 1) * float64(f.resolution-1)

	x0 := int(fx)
	y0 := int(fy)
	x1 := clampInt(x0+1, 0, f.resolution-1)
	y1 := clampInt(y0+1, 0, f.resolution-1)
	tx := float32(fx - float64(x0))
	ty := float32(fy - float64(y0))

	top := lerp(f.At(x0, y0), f.At(x1, y0), tx)
	bottom := lerp(f.At(x0, y1), f.At(x1, y1), tx)
	return lerp(top, bottom, ty)
}

// Bytes serializes the field as little-endian float32 values in row-major
// order, the layout the displacement shader reads.
func (f *Field) Bytes() []byte {
	buf := make([]byte, 4*len(f.data))
	for i, h := range f.data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(h))
	}
	return buf
}

func lerp(a, b, t float32) float32 {
	return a + (b-a)*t
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
