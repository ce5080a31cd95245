// Package tracking owns the timed gaze capture window.
package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eyesense/gazemap/internal/domain/gaze"
	"github.com/eyesense/gazemap/internal/domain/model"
	"github.com/eyesense/gazemap/pkg/clock"
	"github.com/eyesense/gazemap/pkg/logger"
	"github.com/eyesense/gazemap/pkg/metrics"
)

// Session buffers gaze samples for exactly one window. The first Start opens
// it; Stop or Cancel closes it for good.
//
// Every listener and timer callback carries the generation it was created
// for. A callback whose generation no longer matches, or that arrives after
// the active flag dropped, is ignored.
type Session struct {
	mu         sync.Mutex
	est        gaze.Estimator
	clk        clock.Clock
	width      int
	height     int
	onComplete func(model.Capture)
	log        logger.Logger

	active    bool
	closed    bool
	gen       uint64
	samples   []model.GazeSample
	onSample  func(model.GazeSample)
	startedAt time.Time
	duration  time.Duration
	timer     clock.Timer
	dropped   int
}

// Option configures a Session.
type Option func(*Session)

// WithStimulusSize records the stimulus dimensions carried in the Capture.
func WithStimulusSize(width, height int) Option {
	return func(s *Session) {
		s.width = width
		s.height = height
	}
}

// WithOnComplete registers the trackingComplete handler. It is called once,
// without the session lock held.
func WithOnComplete(fn func(model.Capture)) Option {
	return func(s *Session) {
		s.onComplete = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates an idle session bound to est.
func New(est gaze.Estimator, clk clock.Clock, opts ...Option) *Session {
	if clk == nil {
		clk = clock.Real()
	}
	s := &Session{est: est, clk: clk, log: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the capture window and schedules its end after duration.
// onSample, if set, is called for each recorded sample outside the lock.
func (s *Session) Start(duration time.Duration, onSample func(model.GazeSample)) error {
	if duration <= 0 {
		return fmt.Errorf("start %v: %w", duration, ErrInvalidDuration)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.active:
		return model.ErrAlreadyTracking
	case s.closed:
		return model.ErrSessionClosed
	}

	s.gen++
	gen := s.gen
	s.active = true
	s.samples = make([]model.GazeSample, 0, 64)
	s.onSample = onSample
	s.startedAt = s.clk.Now()
	s.duration = duration

	s.est.SetGazeListener(func(p *gaze.Point, ts int64) { s.handleGaze(gen, p, ts) })
	s.timer = s.clk.AfterFunc(duration, func() { s.expire(gen) })

	s.log.Info(context.Background(), "tracking started",
		logger.Duration("duration", duration),
		logger.Int("width", s.width), logger.Int("height", s.height))
	return nil
}

func (s *Session) handleGaze(gen uint64, p *gaze.Point, _ int64) {
	s.mu.Lock()
	if !s.active || gen != s.gen {
		s.dropped++
		s.mu.Unlock()
		metrics.RecordGazeSample(metrics.SampleAfterStop)
		return
	}
	if p == nil {
		s.mu.Unlock()
		metrics.RecordGazeSample(metrics.SampleNoDetection)
		return
	}
	sample := model.GazeSample{
		X:           p.X,
		Y:           p.Y,
		TimestampMs: s.clk.Now().Sub(s.startedAt).Milliseconds(),
	}
	s.samples = append(s.samples, sample)
	cb := s.onSample
	s.mu.Unlock()

	metrics.RecordGazeSample(metrics.SampleRecorded)
	if cb != nil {
		cb(sample)
	}
}

func (s *Session) expire(gen uint64) {
	s.mu.Lock()
	if !s.active || gen != s.gen {
		s.mu.Unlock()
		metrics.RecordTimerRace("tracking")
		s.log.Debug(context.Background(), "stale tracking timer ignored")
		return
	}
	capture, cb := s.finishLocked()
	s.mu.Unlock()
	s.emit(capture, cb)
}

// Stop closes the window and emits the capture. Only the first call after
// Start has any effect.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	capture, cb := s.finishLocked()
	s.mu.Unlock()
	s.emit(capture, cb)
}

// Cancel closes the window without emitting a capture.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		s.closed = true
		return
	}
	s.releaseLocked()
	s.log.Info(context.Background(), "tracking cancelled", logger.Int("samples", len(s.samples)))
}

func (s *Session) releaseLocked() {
	s.active = false
	s.closed = true
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
	}
	s.est.ClearGazeListener()
}

func (s *Session) finishLocked() (model.Capture, func(model.Capture)) {
	s.releaseLocked()
	capture := model.Capture{
		Samples:   append([]model.GazeSample(nil), s.samples...),
		Width:     s.width,
		Height:    s.height,
		StartedAt: s.startedAt,
		Duration:  s.duration,
	}
	return capture, s.onComplete
}

func (s *Session) emit(capture model.Capture, cb func(model.Capture)) {
	metrics.RecordTrackingComplete(len(capture.Samples))
	s.log.Info(context.Background(), "tracking complete", logger.Int("samples", len(capture.Samples)))
	if cb != nil {
		cb(capture)
	}
}

// Samples returns a copy of the samples recorded so far.
func (s *Session) Samples() []model.GazeSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.GazeSample(nil), s.samples...)
}

// SampleCount returns the number of recorded samples.
func (s *Session) SampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// Dropped returns how many callbacks arrived outside the active window.
func (s *Session) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Active reports whether the window is open.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
