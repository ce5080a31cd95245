package service

import (
	"time"

	"github.com/eyesense/gazemap/internal/domain/heatmap"
	"github.com/eyesense/gazemap/pkg/clock"
	"github.com/eyesense/gazemap/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of synthesis workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the synthesis queue capacity.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets how many gaze batch IDs are remembered.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the clock used by every session.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clk = c
		}
	}
}

// WithClicksRequired sets the clicks needed per calibration target.
func WithClicksRequired(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.clicksRequired = n
		}
	}
}

// WithTrackingDuration sets the default tracking window.
func WithTrackingDuration(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.trackingDuration = d
		}
	}
}

// WithCalibrationDelay sets the pause between calibration and tracking.
func WithCalibrationDelay(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.calibrationDelay = d
		}
	}
}

// WithPermissionTimeout bounds the wait for camera permission.
func WithPermissionTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.permissionTimeout = d
		}
	}
}

// WithSessionTTL sets how long a session is kept after it was created.
func WithSessionTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.sessionTTL = d
		}
	}
}

// WithMaxSessions caps the number of registered sessions.
func WithMaxSessions(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxSessions = n
		}
	}
}

// WithHeatmapOptions configures the synthesizer behind the worker pool.
func WithHeatmapOptions(opts ...heatmap.Option) Option {
	return func(s *Service) {
		s.heatmapOpts = append(s.heatmapOpts, opts...)
	}
}
