package heatmap

import (
	"fmt"
	"image/color"
	"math"
	"sort"
	"strings"
)

const lutSize = 256

// Colormap maps a normalized density in [0,1] to an opaque color.
type Colormap struct {
	name string
	lut  [lutSize]color.NRGBA
}

// Name returns the colormap's registered name.
func (c *Colormap) Name() string { return c.name }

// At returns the color for v; values outside [0,1] are clamped.
func (c *Colormap) At(v float64) color.NRGBA {
	if math.IsNaN(v) || v <= 0 {
		return c.lut[0]
	}
	i := int(v * lutSize)
	if i >= lutSize {
		i = lutSize - 1
	}
	return c.lut[i]
}

type anchor struct{ x, y float64 }

// segments are per-channel piecewise-linear ramps over [0,1].
type segments struct{ r, g, b []anchor }

var colormaps = map[string]segments{
	"jet": {
		r: []anchor{{0, 0}, {0.35, 0}, {0.66, 1}, {0.89, 1}, {1, 0.5}},
		g: []anchor{{0, 0}, {0.125, 0}, {0.375, 1}, {0.64, 1}, {0.91, 0}, {1, 0}},
		b: []anchor{{0, 0.5}, {0.11, 1}, {0.34, 1}, {0.65, 0}, {1, 0}},
	},
	"hot": {
		r: []anchor{{0, 0.0416}, {0.365079, 1}, {1, 1}},
		g: []anchor{{0, 0}, {0.365079, 0}, {0.746032, 1}, {1, 1}},
		b: []anchor{{0, 0}, {0.746032, 0}, {1, 1}},
	},
	"gray": {
		r: []anchor{{0, 0}, {1, 1}},
		g: []anchor{{0, 0}, {1, 1}},
		b: []anchor{{0, 0}, {1, 1}},
	},
}

// ColormapNames lists the available colormaps.
func ColormapNames() []string {
	names := make([]string, 0, len(colormaps))
	for n := range colormaps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LookupColormap builds the lookup table for a named colormap.
func LookupColormap(name string) (*Colormap, error) {
	seg, ok := colormaps[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownColormap, name)
	}
	c := &Colormap{name: strings.ToLower(name)}
	for i := range c.lut {
		x := float64(i) / (lutSize - 1)
		c.lut[i] = color.NRGBA{
			R: channel(interp(seg.r, x)),
			G: channel(interp(seg.g, x)),
			B: channel(interp(seg.b, x)),
			A: 0xff,
		}
	}
	return c, nil
}

func interp(a []anchor, x float64) float64 {
	for i := 1; i < len(a); i++ {
		if x <= a[i].x {
			lo, hi := a[i-1], a[i]
			if hi.x == lo.x {
				return hi.y
			}
			return lo.y + (x-lo.x)*(hi.y-lo.y)/(hi.x-lo.x)
		}
	}
	return a[len(a)-1].y
}

func channel(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
}
