package pipeline

import (
	"time"

	"github.com/golang/geo/r2"

	"github.com/eyesense/gazemap/internal/domain/model"
	"github.com/eyesense/gazemap/pkg/clock"
	"github.com/eyesense/gazemap/pkg/logger"
)

// Default phase timings.
const (
	DefaultPermissionTimeout = 30 * time.Second
	DefaultCalibrationDelay  = time.Second
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock driving every timer.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clk = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClicksRequired sets the clicks needed per calibration target.
func WithClicksRequired(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.clicksRequired = n
		}
	}
}

// WithViewport sets the respondent's screen size for target placement.
func WithViewport(v r2.Point) Option {
	return func(o *Orchestrator) {
		o.viewport = v
	}
}

// WithPermissionTimeout bounds the wait for camera permission. Zero disables
// the timeout.
func WithPermissionTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.permissionTimeout = d
		}
	}
}

// WithCalibrationDelay sets the pause between calibration and tracking.
func WithCalibrationDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.calibrationDelay = d
		}
	}
}

// WithStateListener receives every transition. It runs with the
// orchestrator's lock held and must not call methods other than State.
func WithStateListener(fn func(model.Transition)) Option {
	return func(o *Orchestrator) {
		o.onState = fn
	}
}

// WithSampleListener receives each recorded gaze sample.
func WithSampleListener(fn func(model.GazeSample)) Option {
	return func(o *Orchestrator) {
		o.onSample = fn
	}
}

// WithHandle passes the orchestrator built by RunGazeCapture to fn before it
// starts, so the caller can route permission and click events to it.
func WithHandle(fn func(*Orchestrator)) Option {
	return func(o *Orchestrator) {
		o.onHandle = fn
	}
}
