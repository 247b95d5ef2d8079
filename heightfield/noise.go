// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package heightfield

import (
	"fmt"
	"math"
)

// NoiseParams controls procedural field generation.
type NoiseParams struct {
	// Seed selects the noise lattice. The same seed always produces the
	// same field.
	Seed int64

	// Octaves is the number of fractal layers. Zero falls back to 6.
	Octaves int

	// Frequency is the base lattice frequency across the field.
	// Zero falls back to 4.
	Frequency float64

	// Lacunarity is the per-octave frequency multiplier.
	// Zero falls back to 2.
	Lacunarity float64

	// Gain is the per-octave amplitude multiplier. Zero falls back to 0.5.
	Gain float64
}

func (p NoiseParams) withDefaults() NoiseParams {
	if p.Octaves <= 0 {
		p.Octaves = 6
	}
	if p.Frequency == 0 {
		p.Frequency = 4
	}
	if p.Lacunarity == 0 {
		p.Lacunarity = 2
	}
	if p.Gain == 0 {
		p.Gain = 0.5
	}
	return p
}

// Procedural generates a field from fractal value noise. Output heights are
// normalized to [0, 1].
func Procedural(resolution int, params NoiseParams) (*Field, error) {
	f, err := New(resolution)
	if err != nil {
		return nil, err
	}
	p := params.withDefaults()
	if p.Octaves > 24 {
		return nil, fmt.Errorf("heightfield: octave count %d too large", p.Octaves)
	}

	minH := float32(math.Inf(1))
	maxH := float32(math.Inf(-1))
	inv := 1.0 / float64(resolution-1)
	for y := 0; y < resolution; y++ {
		for x := 0; x < resolution; x++ {
			h := fbm(float64(x)*inv, float64(y)*inv, p)
			f.data[y*resolution+x] = h
			if h < minH {
				minH = h
			}
			if h > maxH {
				maxH = h
			}
		}
	}

	// Normalize to the full [0, 1] range.
	span := maxH - minH
	if span > 0 {
		for i, h := range f.data {
			f.data[i] = (h - minH) / span
		}
	}
	return f, nil
}

// fbm sums octaves of value noise at (u, v).
func fbm(u, v float64, p NoiseParams) float32 {
	var sum, amp float64
	amp = 1
	freq := p.Frequency
	for o := 0; o < p.Octaves; o++ {
		sum += amp * valueNoise(u*freq, v*freq, p.Seed+int64(o))
		amp *= p.Gain
		freq *= p.Lacunarity
	}
	return float32(sum)
}

// valueNoise interpolates hashed lattice values with a smoothstep weight.
func valueNoise(x, y float64, seed int64) float64 {
	x0 := int64(math.Floor(x))
	y0 := int64(math.Floor(y))
	tx := smooth(x - float64(x0))
	ty := smooth(y - float64(y0))

	v00 := latticeValue(x0, y0, seed)
	v10 := latticeValue(x0+1, y0, seed)
	v01 := latticeValue(x0, y0+1, seed)
	v11 := latticeValue(x0+1, y0+1, seed)

	top := v00 + (v10-v00)*tx
	bottom := v01 + (v11-v01)*tx
	return top + (bottom-top)*ty
}

func smooth(t float64) float64 {
	return t * t * (3 - 2*t)
}

// latticeValue hashes integer lattice coordinates to [0, 1).
// splitmix64-style mixing keeps the output deterministic across platforms.
func latticeValue(x, y, seed int64) float64 {
	h := uint64(x)*0x9E3779B97F4A7C15 ^ uint64(y)*0xC2B2AE3D27D4EB4F ^ uint64(seed)
	h ^= h >> 30
	h *= 0xBF58476D1CE4E5B9
	h ^= h >> 27
	h *= 0x94D049BB133111EB
	h ^= h >> 31
	return float64(h>>11) / float64(1<<53)
}
