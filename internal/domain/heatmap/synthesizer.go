// Package heatmap reduces gaze samples to a smoothed density field and renders
// it as a colored overlay on the stimulus image.
package heatmap

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"  // stimulus decoders
	_ "golang.org/x/image/tiff" // stimulus decoders
	_ "golang.org/x/image/webp" // stimulus decoders
	"gonum.org/v1/gonum/mat"

	"github.com/eyesense/gazemap/internal/domain/model"
	"github.com/eyesense/gazemap/pkg/logger"
	"github.com/eyesense/gazemap/pkg/metrics"
)

// Default rendering parameters.
const (
	DefaultSigma     = 30.0
	DefaultTruncate  = 4.0
	DefaultAlpha     = 0.4
	DefaultColormap  = "jet"
	DefaultMaxPixels = 40_000_000
)

// Input is everything one synthesis needs. Width or Height of zero means the
// base image's native size.
type Input struct {
	Samples   []model.GazeSample
	Width     int
	Height    int
	BaseImage []byte
}

// Synthesizer renders heatmaps. It holds no per-call state and is safe for
// concurrent use.
type Synthesizer struct {
	sigma     float64
	truncate  float64
	alpha     float64
	cmap      *Colormap
	maxPixels int
	log       logger.Logger
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithSigma sets the Gaussian standard deviation in pixels.
func WithSigma(sigma float64) Option {
	return func(s *Synthesizer) {
		if sigma >= 0 {
			s.sigma = sigma
		}
	}
}

// WithTruncate sets the kernel radius in standard deviations.
func WithTruncate(t float64) Option {
	return func(s *Synthesizer) {
		if t > 0 {
			s.truncate = t
		}
	}
}

// WithAlpha sets the overlay opacity.
func WithAlpha(alpha float64) Option {
	return func(s *Synthesizer) {
		if alpha >= 0 && alpha <= 1 {
			s.alpha = alpha
		}
	}
}

// WithColormap sets the color ramp. Unknown names are ignored; validate with
// LookupColormap beforehand.
func WithColormap(name string) Option {
	return func(s *Synthesizer) {
		if c, err := LookupColormap(name); err == nil {
			s.cmap = c
		}
	}
}

// WithMaxPixels caps width*height of a render.
func WithMaxPixels(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.maxPixels = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Synthesizer) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a Synthesizer with the default parameters.
func New(opts ...Option) *Synthesizer {
	cmap, _ := LookupColormap(DefaultColormap)
	s := &Synthesizer{
		sigma:     DefaultSigma,
		truncate:  DefaultTruncate,
		alpha:     DefaultAlpha,
		cmap:      cmap,
		maxPixels: DefaultMaxPixels,
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Density returns the smoothed, max-normalized density grid for samples on
// a width x height canvas and the number of samples that fell inside it.
func (s *Synthesizer) Density(samples []model.GazeSample, width, height int) (*mat.Dense, int) {
	grid, retained := Accumulate(samples, width, height)
	if retained > 0 {
		Blur(grid, Kernel(s.sigma, s.truncate))
	}
	Normalize(grid)
	return grid, retained
}

// Synthesize renders the heatmap PNG. Output is a pure function of the input.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) (model.HeatmapResult, error) {
	start := time.Now()
	if in.Width < 0 || in.Height < 0 {
		return model.HeatmapResult{}, s.fail("invalid_dimensions", model.ReasonInvalidInput,
			fmt.Errorf("%dx%d: %w", in.Width, in.Height, model.ErrInvalidDimensions))
	}

	var base image.Image
	if len(in.BaseImage) > 0 {
		img, err := imaging.Decode(bytes.NewReader(in.BaseImage), imaging.AutoOrientation(true))
		if err != nil {
			return model.HeatmapResult{}, s.fail("image_decode", model.ReasonImageDecode,
				fmt.Errorf("%w: %v", model.ErrImageDecode, err))
		}
		base = img
	}

	width, height := in.Width, in.Height
	if base != nil {
		b := base.Bounds()
		if width == 0 {
			width = b.Dx()
		}
		if height == 0 {
			height = b.Dy()
		}
	}
	if width == 0 || height == 0 || width > s.maxPixels/height {
		return model.HeatmapResult{}, s.fail("invalid_dimensions", model.ReasonInvalidInput,
			fmt.Errorf("%dx%d: %w", width, height, model.ErrInvalidDimensions))
	}

	if err := ctx.Err(); err != nil {
		return model.HeatmapResult{}, s.fail("cancelled", model.ReasonSynthesisFailed, err)
	}
	density, retained := s.Density(in.Samples, width, height)
	if err := ctx.Err(); err != nil {
		return model.HeatmapResult{}, s.fail("cancelled", model.ReasonSynthesisFailed, err)
	}

	canvas := s.background(base, width, height)
	out := imaging.Overlay(canvas, s.colorize(density), image.Pt(0, 0), s.alpha)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG, imaging.PNGCompressionLevel(png.DefaultCompression)); err != nil {
		return model.HeatmapResult{}, s.fail("encode", model.ReasonSynthesisFailed, err)
	}

	elapsed := time.Since(start)
	metrics.RecordSynthesis(float64(elapsed.Microseconds())/1000, retained)
	s.log.Debug(ctx, "heatmap synthesized",
		logger.Int("width", width), logger.Int("height", height),
		logger.Int("samples", len(in.Samples)), logger.Int("retained", retained),
		logger.Duration("elapsed", elapsed))

	return model.HeatmapResult{
		Data:          buf.Bytes(),
		MimeType:      model.MimePNG,
		Width:         width,
		Height:        height,
		SampleCount:   len(in.Samples),
		RetainedCount: retained,
	}, nil
}

// background flattens base onto black and resizes it bilinearly to the
// output size. A missing base yields a plain black canvas.
func (s *Synthesizer) background(base image.Image, width, height int) *image.NRGBA {
	if base == nil {
		return imaging.New(width, height, color.Black)
	}
	b := base.Bounds()
	flat := imaging.Overlay(imaging.New(b.Dx(), b.Dy(), color.Black), base, image.Pt(0, 0), 1)
	return imaging.Resize(flat, width, height, imaging.Linear)
}

func (s *Synthesizer) colorize(density *mat.Dense) *image.NRGBA {
	raw := density.RawMatrix()
	layer := image.NewNRGBA(image.Rect(0, 0, raw.Cols, raw.Rows))
	for y := 0; y < raw.Rows; y++ {
		row := raw.Data[y*raw.Stride : y*raw.Stride+raw.Cols]
		pix := layer.Pix[y*layer.Stride:]
		for x, v := range row {
			c := s.cmap.At(v)
			i := x * 4
			pix[i], pix[i+1], pix[i+2], pix[i+3] = c.R, c.G, c.B, c.A
		}
	}
	return layer
}

func (s *Synthesizer) fail(kind string, reason model.Reason, err error) error {
	metrics.RecordSynthesisError(kind)
	return model.NewPipelineError(reason, err)
}
