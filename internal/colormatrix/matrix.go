// Package colormatrix provides the 4x5 affine color transform used by the
// adjustment engine.
//
// A Matrix maps straight-alpha RGBA values in [0, 255]:
//
//	[R']   [a00 a01 a02 a03 a04]   [R]
//	[G'] = [a10 a11 a12 a13 a14] * [G]
//	[B']   [a20 a21 a22 a23 a24]   [B]
//	[A']   [a30 a31 a32 a33 a34]   [A]
//	                               [1]
//
// The fifth column is an offset in pixel units.
package colormatrix

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"image/color"
	"math"
	"strings"
)

// Luma weights used by Saturation.
const (
	LumaR = 0.213
	LumaG = 0.715
	LumaB = 0.072
)

// Matrix is a 4x5 color matrix in row-major order.
// [0-4] = row 0 (R), [5-9] = row 1 (G), [10-14] = row 2 (B), [15-19] = row 3 (A)
type Matrix [20]float32

// Identity returns the matrix that leaves every pixel unchanged.
func Identity() Matrix {
	return Matrix{
		1, 0, 0, 0, 0,
		0, 1, 0, 0, 0,
		0, 0, 1, 0, 0,
		0, 0, 0, 1, 0,
	}
}

// Saturation interpolates between the luma-only gray value (s=0) and the
// original color (s=1). s is clamped to [0, 1].
func Saturation(s float64) Matrix {
	s = clamp(s, 0, 1)
	inv := 1 - s

	r := float32(inv * LumaR)
	g := float32(inv * LumaG)
	b := float32(inv * LumaB)
	sf := float32(s)

	return Matrix{
		r + sf, g, b, 0, 0,
		r, g + sf, b, 0, 0,
		r, g, b + sf, 0, 0,
		0, 0, 0, 1, 0,
	}
}

// Brightness shifts R, G and B by scalar*255. scalar is expected in [-1, 1].
func Brightness(scalar float64) Matrix {
	offset := float32(scalar * 255)
	return Matrix{
		1, 0, 0, 0, offset,
		0, 1, 0, 0, offset,
		0, 0, 1, 0, offset,
		0, 0, 0, 1, 0,
	}
}

// Contrast builds the contrast matrix for scalar in [-1, 1].
//
// The channels are only shifted by (-0.5*scale+0.5)*255 with scale =
// scalar+1; the diagonal stays 1, so the channel values are not multiplied
// by scale.
func Contrast(scalar float64) Matrix {
	scale := float32(scalar) + 1
	offset := (-0.5*scale + 0.5) * 255
	return Matrix{
		1, 0, 0, 0, offset,
		0, 1, 0, 0, offset,
		0, 0, 1, 0, offset,
		0, 0, 0, 1, 0,
	}
}

// At returns the coefficient at row (0-3) and col (0-4).
func (m Matrix) At(row, col int) float32 {
	return m[row*5+col]
}

// Row returns one output-channel row.
func (m Matrix) Row(i int) [5]float32 {
	var r [5]float32
	copy(r[:], m[i*5:i*5+5])
	return r
}

// IsIdentity reports whether m equals Identity().
func (m Matrix) IsIdentity() bool {
	return m == Identity()
}

// Concat returns the matrix that applies m first and then next.
func (m Matrix) Concat(next Matrix) Matrix {
	var out Matrix
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			var sum float32
			for k := 0; k < 4; k++ {
				sum += next[row*5+k] * m[k*5+col]
			}
			out[row*5+col] = sum
		}
		out[row*5+4] = next[row*5+0]*m[4] + next[row*5+1]*m[9] +
			next[row*5+2]*m[14] + next[row*5+3]*m[19] + next[row*5+4]
	}
	return out
}

// Transform applies m to a single straight-alpha pixel. Every channel is
// rounded and clamped to [0, 255].
func (m Matrix) Transform(c color.NRGBA) color.NRGBA {
	r := float64(c.R)
	g := float64(c.G)
	b := float64(c.B)
	a := float64(c.A)

	return color.NRGBA{
		R: channel(m[0:5], r, g, b, a),
		G: channel(m[5:10], r, g, b, a),
		B: channel(m[10:15], r, g, b, a),
		A: channel(m[15:20], r, g, b, a),
	}
}

// TransformPix applies m to a run of RGBA8 bytes in place of dst.
// src and dst must have the same length, a multiple of 4.
func (m Matrix) TransformPix(dst, src []uint8) {
	for i := 0; i+3 < len(src); i += 4 {
		r := float64(src[i+0])
		g := float64(src[i+1])
		b := float64(src[i+2])
		a := float64(src[i+3])

		dst[i+0] = channel(m[0:5], r, g, b, a)
		dst[i+1] = channel(m[5:10], r, g, b, a)
		dst[i+2] = channel(m[10:15], r, g, b, a)
		dst[i+3] = channel(m[15:20], r, g, b, a)
	}
}

// Key returns a stable hex encoding of the coefficients, suitable as a
// cache key. Equal matrices always produce equal keys.
func (m Matrix) Key() string {
	buf := make([]byte, 4*len(m))
	for i, v := range m {
		binary.BigEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return hex.EncodeToString(buf)
}

// String formats the matrix as four rows.
func (m Matrix) String() string {
	var sb strings.Builder
	for row := 0; row < 4; row++ {
		r := m.Row(row)
		fmt.Fprintf(&sb, "[%9.4f %9.4f %9.4f %9.4f %9.4f]", r[0], r[1], r[2], r[3], r[4])
		if row < 3 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func channel(row []float32, r, g, b, a float64) uint8 {
	v := float64(row[0])*r + float64(row[1])*g + float64(row[2])*b + float64(row[3])*a + float64(row[4])
	return clampU8(v)
}

// channelPrecision is the resolution channel sums are snapped to before
// rounding. The luma weights have three decimals, so sums over integer
// inputs are exact multiples of 1/1000; snapping removes float32
// coefficient error that would otherwise push exact .5 ties downward.
const channelPrecision = 1000

// clampU8 rounds (half away from zero) and clamps a channel value to [0, 255].
func clampU8(v float64) uint8 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	v = math.Round(v*channelPrecision) / channelPrecision
	return uint8(math.Round(v))
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
