// Package calibration drives the nine-point click calibration that trains the
// gaze estimator before tracking starts.
package calibration

import (
	"context"
	"fmt"

	"github.com/golang/geo/r2"

	"github.com/eyesense/gazemap/internal/domain/gaze"
	"github.com/eyesense/gazemap/internal/domain/model"
	"github.com/eyesense/gazemap/pkg/logger"
	"github.com/eyesense/gazemap/pkg/metrics"
)

// TargetCount is the number of calibration targets (3x3 grid).
const TargetCount = 9

// DefaultClicksRequired is the per-target click count when unset.
const DefaultClicksRequired = 5

// gridPercents are the row and column offsets of the grid, in percent.
var gridPercents = [3]float64{10, 50, 90}

// defaultViewport is used for target-relative clicks when the client never
// reported its viewport.
var defaultViewport = r2.Point{X: 1920, Y: 1080}

// Controller tracks click progress per target and forwards each accepted
// click to the estimator. It is not safe for concurrent use; the owning
// pipeline serializes calls.
type Controller struct {
	est            gaze.Estimator
	targets        [TargetCount]model.CalibrationTarget
	clicksRequired int
	viewport       r2.Point
	onComplete     func()
	completed      bool
	log            logger.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClicksRequired sets how many clicks each target needs.
func WithClicksRequired(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.clicksRequired = n
		}
	}
}

// WithViewport sets the screen size used to place targets.
func WithViewport(v r2.Point) Option {
	return func(c *Controller) {
		if v.X > 0 && v.Y > 0 {
			c.viewport = v
		}
	}
}

// WithOnComplete registers the callback run once all targets are hidden.
// It runs synchronously inside the RegisterClick that completed the grid.
func WithOnComplete(fn func()) Option {
	return func(c *Controller) {
		c.onComplete = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// New lays out the nine visible targets.
func New(est gaze.Estimator, opts ...Option) *Controller {
	c := &Controller{
		est:            est,
		clicksRequired: DefaultClicksRequired,
		viewport:       defaultViewport,
		log:            logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	for row, yp := range gridPercents {
		for col, xp := range gridPercents {
			id := row*len(gridPercents) + col
			c.targets[id] = model.CalibrationTarget{
				ID:             id,
				XPercent:       xp,
				YPercent:       yp,
				ClicksRequired: c.clicksRequired,
				Visible:        true,
			}
		}
	}
	return c
}

// RegisterClick records a click on targetID at the given screen position.
// Clicks on hidden targets are ignored and return the target unchanged.
func (c *Controller) RegisterClick(targetID int, screenX, screenY float64) (model.CalibrationTarget, error) {
	if targetID < 0 || targetID >= TargetCount {
		metrics.RecordCalibrationClickRejected("out_of_range")
		return model.CalibrationTarget{}, fmt.Errorf("target %d: %w", targetID, model.ErrTargetOutOfRange)
	}
	t := &c.targets[targetID]
	if !t.Visible {
		metrics.RecordCalibrationClickRejected("hidden_target")
		return *t, nil
	}
	if !c.est.Ready() {
		metrics.RecordCalibrationClickRejected("device_unavailable")
		return *t, fmt.Errorf("target %d: %w", targetID, model.ErrDeviceUnavailable)
	}
	if err := c.est.RecordCalibrationPoint(screenX, screenY, gaze.LabelClick); err != nil {
		metrics.RecordCalibrationClickRejected("estimator_error")
		return *t, fmt.Errorf("target %d: %w", targetID, err)
	}

	t.ClicksReceived++
	metrics.RecordCalibrationClick()
	if t.Done() {
		t.Visible = false
		c.log.Debug(context.Background(), "calibration target done",
			logger.Int("target", t.ID), logger.Int("remaining", c.Remaining()))
	}
	if !c.completed && c.Remaining() == 0 {
		c.completed = true
		metrics.RecordCalibrationCompleted()
		if c.onComplete != nil {
			c.onComplete()
		}
	}
	return *t, nil
}

// RegisterTargetClick records a click at the target's own screen position.
func (c *Controller) RegisterTargetClick(targetID int) (model.CalibrationTarget, error) {
	if targetID < 0 || targetID >= TargetCount {
		metrics.RecordCalibrationClickRejected("out_of_range")
		return model.CalibrationTarget{}, fmt.Errorf("target %d: %w", targetID, model.ErrTargetOutOfRange)
	}
	p := c.targets[targetID].ScreenPosition(c.viewport)
	return c.RegisterClick(targetID, p.X, p.Y)
}

// Targets returns a snapshot of all targets in ID order.
func (c *Controller) Targets() []model.CalibrationTarget {
	out := make([]model.CalibrationTarget, TargetCount)
	copy(out, c.targets[:])
	return out
}

// Remaining returns how many targets are still visible.
func (c *Controller) Remaining() int {
	n := 0
	for _, t := range c.targets {
		if t.Visible {
			n++
		}
	}
	return n
}

// Complete reports whether every target has been hidden.
func (c *Controller) Complete() bool { return c.completed }

// Viewport returns the screen size targets are placed against.
func (c *Controller) Viewport() r2.Point { return c.viewport }
