// Package model contains domain models passed between layers.
package model

import (
	"time"

	"github.com/golang/geo/r2"
)

// MimePNG is the media type of every rendered heatmap.
const MimePNG = "image/png"

// CalibrationTarget is one of the nine on-screen points the respondent clicks
// to train the gaze estimator. Positions are percentages of the viewport.
type CalibrationTarget struct {
	ID             int     `json:"id"`
	XPercent       float64 `json:"x_percent"`
	YPercent       float64 `json:"y_percent"`
	ClicksRequired int     `json:"clicks_required"`
	ClicksReceived int     `json:"clicks_received"`
	Visible        bool    `json:"visible"`
}

// ScreenPosition returns the target's center in screen pixels for a viewport
// of the given size.
func (t CalibrationTarget) ScreenPosition(viewport r2.Point) r2.Point {
	return r2.Point{
		X: viewport.X * t.XPercent / 100,
		Y: viewport.Y * t.YPercent / 100,
	}
}

// Done reports whether the target has received all required clicks.
func (t CalibrationTarget) Done() bool {
	return t.ClicksReceived >= t.ClicksRequired
}

// GazeSample is one estimated point of regard. TimestampMs is relative to the
// start of the tracking window.
type GazeSample struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	TimestampMs int64   `json:"t"`
}

// Capture is the frozen output of one tracking window.
type Capture struct {
	Samples   []GazeSample
	Width     int
	Height    int
	StartedAt time.Time
	Duration  time.Duration
}

// HeatmapResult is a rendered attention overlay.
// RetainedCount of zero means no sample fell on the stimulus; the image is
// still valid.
type HeatmapResult struct {
	Data          []byte
	MimeType      string
	Width         int
	Height        int
	SampleCount   int
	RetainedCount int
}

// Degenerate reports whether no sample contributed to the density.
func (r HeatmapResult) Degenerate() bool {
	return r.RetainedCount == 0
}
