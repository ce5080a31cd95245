package heatmap

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/eyesense/gazemap/internal/domain/model"
)

// Accumulate bins samples into a height x width count grid. Samples outside
// [0,width) x [0,height) are dropped and coordinates truncate to pixels.
// It returns the grid and the number of retained samples.
func Accumulate(samples []model.GazeSample, width, height int) (*mat.Dense, int) {
	grid := mat.NewDense(height, width, nil)
	raw := grid.RawMatrix()
	retained := 0
	for _, s := range samples {
		if math.IsNaN(s.X) || math.IsNaN(s.Y) {
			continue
		}
		if s.X < 0 || s.X >= float64(width) || s.Y < 0 || s.Y >= float64(height) {
			continue
		}
		raw.Data[int(s.Y)*raw.Stride+int(s.X)]++
		retained++
	}
	return grid, retained
}

// Kernel returns a normalized 1-D Gaussian with radius int(truncate*sigma+0.5).
func Kernel(sigma, truncate float64) []float64 {
	if sigma <= 0 {
		return []float64{1}
	}
	radius := int(truncate*sigma + 0.5)
	k := make([]float64, 2*radius+1)
	denom := 2 * sigma * sigma
	for i := -radius; i <= radius; i++ {
		k[i+radius] = math.Exp(-float64(i*i) / denom)
	}
	floats.Scale(1/floats.Sum(k), k)
	return k
}

// reflect maps i into [0,n) mirroring about the edges with the edge sample
// repeated (d c b a | a b c d | d c b a).
func reflect(i, n int) int {
	period := 2 * n
	m := i % period
	if m < 0 {
		m += period
	}
	if m >= n {
		m = period - 1 - m
	}
	return m
}

// Blur applies a separable convolution with kernel k along rows then
// columns, in place. All-zero rows are skipped in both passes.
func Blur(grid *mat.Dense, k []float64) {
	raw := grid.RawMatrix()
	h, w, stride := raw.Rows, raw.Cols, raw.Stride
	radius := len(k) / 2
	if radius == 0 {
		return
	}

	tmp := make([]float64, h*w)
	nonZero := make([]bool, h)
	for y := 0; y < h; y++ {
		row := raw.Data[y*stride : y*stride+w]
		if floats.Max(row) == 0 {
			continue
		}
		nonZero[y] = true
		out := tmp[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			var acc float64
			for j, kv := range k {
				acc += kv * row[reflect(x+j-radius, w)]
			}
			out[x] = acc
		}
	}

	for y := 0; y < h; y++ {
		out := raw.Data[y*stride : y*stride+w]
		for x := range out {
			out[x] = 0
		}
		for j, kv := range k {
			src := reflect(y+j-radius, h)
			if !nonZero[src] {
				continue
			}
			floats.AddScaled(out, kv, tmp[src*w:(src+1)*w])
		}
	}
}

// Normalize scales the grid so its maximum is 1. An all-zero grid is left
// untouched.
func Normalize(grid *mat.Dense) {
	raw := grid.RawMatrix()
	peak := 0.0
	for y := 0; y < raw.Rows; y++ {
		if m := floats.Max(raw.Data[y*raw.Stride : y*raw.Stride+raw.Cols]); m > peak {
			peak = m
		}
	}
	if peak == 0 {
		return
	}
	for y := 0; y < raw.Rows; y++ {
		row := raw.Data[y*raw.Stride : y*raw.Stride+raw.Cols]
		for x := range row {
			row[x] /= peak
		}
	}
}
