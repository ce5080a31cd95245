package simulator

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

// fixationSpread is the gaze jitter around a fixation, in pixels.
const fixationSpread = 18.0

// Respondent generates gaze for one synthetic viewer.
type Respondent struct {
	rng       *rand.Rand
	width     float64
	height    float64
	fixations []image.Point
	noDetect  float64
	clockMs   int64
	frameMs   int64
}

// NewRespondent seeds a viewer that dwells on n fixation points.
func NewRespondent(seed uint64, width, height, n int, noDetectionRate float64) *Respondent {
	r := &Respondent{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		width:    float64(width),
		height:   float64(height),
		noDetect: noDetectionRate,
		clockMs:  1_700_000_000_000,
		frameMs:  33,
	}
	for range n {
		r.fixations = append(r.fixations, image.Pt(
			int(r.width*(0.1+0.8*r.rng.Float64())),
			int(r.height*(0.1+0.8*r.rng.Float64())),
		))
	}
	return r
}

// Batch returns n frames. Frames drift between fixations and a share of them
// carry no detection.
func (r *Respondent) Batch(n int) []*Sample {
	out := make([]*Sample, 0, n)
	for range n {
		r.clockMs += r.frameMs
		if r.rng.Float64() < r.noDetect {
			out = append(out, nil)
			continue
		}
		f := r.fixations[r.rng.IntN(len(r.fixations))]
		x := float64(f.X) + r.rng.NormFloat64()*fixationSpread
		y := float64(f.Y) + r.rng.NormFloat64()*fixationSpread
		out = append(out, &Sample{
			X: math.Round(x*10) / 10,
			Y: math.Round(y*10) / 10,
			T: r.clockMs,
		})
	}
	return out
}

// Fixations returns the fixation centres.
func (r *Respondent) Fixations() []image.Point {
	return append([]image.Point(nil), r.fixations...)
}

// BatchID returns a fresh gaze batch ID.
func BatchID() string {
	return uuid.NewString()
}

// StimulusPNG draws a simple test card of the given size.
func StimulusPNG(width, height int) ([]byte, error) {
	img := imaging.New(width, height, color.NRGBA{R: 0xf4, G: 0xf1, B: 0xea, A: 0xff})
	bw, bh := max(width/4, 1), max(height/4, 1)
	blocks := []struct {
		at image.Point
		c  color.NRGBA
	}{
		{image.Pt(width/8, height/8), color.NRGBA{R: 0x2b, G: 0x4c, B: 0x7e, A: 0xff}},
		{image.Pt(width*5/8, height/8), color.NRGBA{R: 0xc8, G: 0x5a, B: 0x3a, A: 0xff}},
		{image.Pt(width*3/8, height*5/8), color.NRGBA{R: 0x4e, G: 0x8f, B: 0x5b, A: 0xff}},
	}
	for _, b := range blocks {
		img = imaging.Paste(img, imaging.New(bw, bh, b.c), b.at)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode stimulus: %w", err)
	}
	return buf.Bytes(), nil
}
