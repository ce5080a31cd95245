// Package gaze defines the contract of the external point-of-regard
// estimator the pipeline drives.
package gaze

import "context"

// LabelClick tags calibration points produced by a respondent click.
const LabelClick = "click"

// Point is one raw gaze estimate in screen pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Listener receives estimator callbacks. p is nil when the estimator ran but
// detected no gaze.
type Listener func(p *Point, timestampMs int64)

// Estimator is a webcam point-of-regard engine. It is treated as a black box:
// the pipeline only starts it, feeds it calibration pairs and listens.
type Estimator interface {
	// Begin acquires the camera. Permission is granted asynchronously.
	Begin(ctx context.Context) error
	// End releases the camera and drops any listener.
	End(ctx context.Context) error
	// Ready reports whether the camera is granted and running.
	Ready() bool
	RecordCalibrationPoint(x, y float64, label string) error
	SetGazeListener(l Listener)
	ClearGazeListener()
	ShowVideoPreview(show bool)
}
