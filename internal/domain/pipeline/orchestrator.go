// Package pipeline sequences permission, calibration, tracking and heatmap
// synthesis into one gaze capture session.
//
//	Idle -> AwaitingPermission -> Calibrating -> Tracking -> Synthesizing -> Done
//
// Any non-terminal state may fall to Failed. Done and Failed are terminal; a
// retry needs a new Orchestrator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r2"

	"github.com/eyesense/gazemap/internal/domain/calibration"
	"github.com/eyesense/gazemap/internal/domain/gaze"
	"github.com/eyesense/gazemap/internal/domain/heatmap"
	"github.com/eyesense/gazemap/internal/domain/model"
	"github.com/eyesense/gazemap/internal/domain/tracking"
	"github.com/eyesense/gazemap/pkg/clock"
	"github.com/eyesense/gazemap/pkg/logger"
	"github.com/eyesense/gazemap/pkg/metrics"
)

// Synthesizer renders the captured samples. Both heatmap.Synthesizer and the
// worker pool satisfy it.
type Synthesizer interface {
	Synthesize(ctx context.Context, in heatmap.Input) (model.HeatmapResult, error)
}

// Stimulus is the image shown during tracking. Zero Width or Height means
// the image's native size.
type Stimulus struct {
	Image  []byte
	Width  int
	Height int
}

// Orchestrator owns one session's estimator handle and phase timers. All
// methods are safe for concurrent use; events are applied one at a time.
type Orchestrator struct {
	mu    sync.Mutex
	est   gaze.Estimator
	synth Synthesizer
	clk   clock.Clock
	log   logger.Logger

	clicksRequired    int
	viewport          r2.Point
	permissionTimeout time.Duration
	calibrationDelay  time.Duration
	onState           func(model.Transition)
	onSample          func(model.GazeSample)
	onHandle          func(*Orchestrator)

	state     model.PipelineState
	stateView atomic.Int32
	gen       uint64
	history   []model.Transition
	stimulus  Stimulus
	duration  time.Duration
	calib     *calibration.Controller
	track     *tracking.Session
	timer     clock.Timer
	released  bool
	runCtx    context.Context //nolint:containedctx // lives as long as the session
	cancelRun context.CancelFunc

	result model.HeatmapResult
	err    error
	done   chan struct{}
}

// New creates an idle orchestrator.
func New(est gaze.Estimator, synth Synthesizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		est:               est,
		synth:             synth,
		clk:               clock.Real(),
		log:               logger.Nop(),
		clicksRequired:    calibration.DefaultClicksRequired,
		permissionTimeout: DefaultPermissionTimeout,
		calibrationDelay:  DefaultCalibrationDelay,
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start begins the session: it acquires the camera and waits for permission.
func (o *Orchestrator) Start(ctx context.Context, stim Stimulus, duration time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != model.StateIdle {
		return fmt.Errorf("start from %s: %w", o.state, model.ErrInvalidTransition)
	}
	if duration <= 0 {
		return fmt.Errorf("start: %w", tracking.ErrInvalidDuration)
	}
	if stim.Width < 0 || stim.Height < 0 {
		return fmt.Errorf("start %dx%d: %w", stim.Width, stim.Height, model.ErrInvalidDimensions)
	}

	o.stimulus = stim
	o.duration = duration
	o.runCtx, o.cancelRun = context.WithCancel(context.WithoutCancel(ctx))
	metrics.RecordSessionStarted()
	o.transitionLocked(model.StateAwaitingPermission, model.ReasonNone)

	if err := o.est.Begin(ctx); err != nil {
		err = fmt.Errorf("begin estimator: %w: %w", model.ErrDeviceUnavailable, err)
		o.failLocked(model.ReasonDeviceUnavailable, err)
		return err
	}
	if o.permissionTimeout > 0 {
		gen := o.gen
		o.timer = o.clk.AfterFunc(o.permissionTimeout, func() { o.permissionExpired(gen) })
	}
	o.log.Info(ctx, "gaze capture started",
		logger.Duration("duration", duration),
		logger.Int("width", stim.Width), logger.Int("height", stim.Height))
	return nil
}

// HandlePermission applies the respondent's camera permission decision.
func (o *Orchestrator) HandlePermission(granted bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != model.StateAwaitingPermission {
		return fmt.Errorf("permission in %s: %w", o.state, model.ErrInvalidTransition)
	}
	o.stopTimerLocked()
	if !granted || !o.est.Ready() {
		o.failLocked(model.ReasonDeviceUnavailable, fmt.Errorf("permission denied: %w", model.ErrDeviceUnavailable))
		return nil
	}

	copts := []calibration.Option{
		calibration.WithClicksRequired(o.clicksRequired),
		calibration.WithOnComplete(o.calibrationCompleteLocked),
		calibration.WithLogger(o.log),
	}
	if o.viewport.X > 0 && o.viewport.Y > 0 {
		copts = append(copts, calibration.WithViewport(o.viewport))
	}
	o.calib = calibration.New(o.est, copts...)
	o.est.ShowVideoPreview(true)
	o.transitionLocked(model.StateCalibrating, model.ReasonNone)
	return nil
}

// RegisterClick forwards a calibration click at an explicit screen position.
func (o *Orchestrator) RegisterClick(targetID int, x, y float64) (model.CalibrationTarget, error) {
	return o.click(func(c *calibration.Controller) (model.CalibrationTarget, error) {
		return c.RegisterClick(targetID, x, y)
	})
}

// RegisterTargetClick forwards a calibration click at the target's center.
func (o *Orchestrator) RegisterTargetClick(targetID int) (model.CalibrationTarget, error) {
	return o.click(func(c *calibration.Controller) (model.CalibrationTarget, error) {
		return c.RegisterTargetClick(targetID)
	})
}

func (o *Orchestrator) click(fn func(*calibration.Controller) (model.CalibrationTarget, error)) (model.CalibrationTarget, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != model.StateCalibrating {
		return model.CalibrationTarget{}, fmt.Errorf("click in %s: %w", o.state, model.ErrInvalidTransition)
	}
	t, err := fn(o.calib)
	if errors.Is(err, model.ErrDeviceUnavailable) {
		o.failLocked(model.ReasonDeviceUnavailable, err)
	}
	return t, err
}

// calibrationCompleteLocked runs inside RegisterClick with o.mu held.
func (o *Orchestrator) calibrationCompleteLocked() {
	o.log.Info(context.Background(), "calibration complete", logger.Duration("delay", o.calibrationDelay))
	if o.calibrationDelay == 0 {
		o.beginTrackingLocked()
		return
	}
	gen := o.gen
	o.timer = o.clk.AfterFunc(o.calibrationDelay, func() { o.calibrationDelayElapsed(gen) })
}

func (o *Orchestrator) calibrationDelayElapsed(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen || o.state != model.StateCalibrating {
		o.staleLocked("calibration_delay")
		return
	}
	o.timer = nil
	o.beginTrackingLocked()
}

func (o *Orchestrator) beginTrackingLocked() {
	o.transitionLocked(model.StateTracking, model.ReasonNone)
	gen := o.gen
	o.track = tracking.New(o.est, o.clk,
		tracking.WithStimulusSize(o.stimulus.Width, o.stimulus.Height),
		tracking.WithOnComplete(func(c model.Capture) { o.trackingComplete(gen, c) }),
		tracking.WithLogger(o.log),
	)
	if err := o.track.Start(o.duration, o.onSample); err != nil {
		o.failLocked(model.ReasonTimerRace, fmt.Errorf("start tracking: %w", err))
	}
}

func (o *Orchestrator) trackingComplete(gen uint64, c model.Capture) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen || o.state != model.StateTracking {
		o.staleLocked("tracking_complete")
		return
	}
	o.releaseLocked()
	o.transitionLocked(model.StateSynthesizing, model.ReasonNone)

	in := heatmap.Input{
		Samples:   c.Samples,
		Width:     o.stimulus.Width,
		Height:    o.stimulus.Height,
		BaseImage: o.stimulus.Image,
	}
	go o.synthesize(o.gen, in)
}

func (o *Orchestrator) synthesize(gen uint64, in heatmap.Input) {
	res, err := o.synth.Synthesize(o.runCtx, in)

	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen || o.state != model.StateSynthesizing {
		o.staleLocked("synthesis")
		return
	}
	if err != nil {
		o.failLocked(model.ReasonOf(err), err)
		return
	}
	o.result = res
	o.transitionLocked(model.StateDone, model.ReasonNone)
	o.finishLocked()
}

func (o *Orchestrator) permissionExpired(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen || o.state != model.StateAwaitingPermission {
		o.staleLocked("permission_timeout")
		return
	}
	o.timer = nil
	o.failLocked(model.ReasonDeviceUnavailable, model.ErrPermissionTimedOut)
}

// FinishTracking ends the tracking window early and proceeds to synthesis.
func (o *Orchestrator) FinishTracking() error {
	o.mu.Lock()
	if o.state != model.StateTracking {
		defer o.mu.Unlock()
		return fmt.Errorf("finish tracking in %s: %w", o.state, model.ErrInvalidTransition)
	}
	t := o.track
	o.mu.Unlock()

	t.Stop()
	return nil
}

// Cancel aborts a session waiting on the respondent. The camera and timers
// are released before Done is closed.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.Cancellable() {
		return fmt.Errorf("cancel in %s: %w", o.state, model.ErrInvalidTransition)
	}
	o.failLocked(model.ReasonUserCancelled, model.ErrUserCancelled)
	return nil
}

// Fail moves any non-terminal session to Failed with err's reason.
func (o *Orchestrator) Fail(err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Terminal() || o.state == model.StateIdle {
		return fmt.Errorf("fail in %s: %w", o.state, model.ErrInvalidTransition)
	}
	o.failLocked(model.ReasonOf(err), err)
	return nil
}

func (o *Orchestrator) failLocked(reason model.Reason, err error) {
	o.stopTimerLocked()
	if o.track != nil {
		o.track.Cancel()
	}
	if o.cancelRun != nil {
		o.cancelRun()
	}
	o.releaseLocked()

	var pe *model.PipelineError
	if !errors.As(err, &pe) {
		pe = model.NewPipelineError(reason, err)
	}
	o.err = pe
	o.transitionLocked(model.StateFailed, pe.Reason)
	o.log.Warn(context.Background(), "gaze capture failed",
		logger.String("reason", string(pe.Reason)), logger.Error(err))
	o.finishLocked()
}

// releaseLocked hands the camera back exactly once.
func (o *Orchestrator) releaseLocked() {
	if o.released {
		return
	}
	o.released = true
	o.est.ClearGazeListener()
	o.est.ShowVideoPreview(false)
	if err := o.est.End(context.Background()); err != nil {
		o.log.Warn(context.Background(), "estimator end failed", logger.Error(err))
	}
}

func (o *Orchestrator) stopTimerLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

func (o *Orchestrator) staleLocked(source string) {
	metrics.RecordTimerRace("pipeline")
	o.log.Debug(context.Background(), "stale callback ignored",
		logger.String("source", source), logger.String("state", o.state.String()))
}

func (o *Orchestrator) transitionLocked(to model.PipelineState, reason model.Reason) {
	t := model.Transition{From: o.state, To: to, Reason: reason, At: o.clk.Now()}
	o.state = to
	o.stateView.Store(int32(to))
	o.gen++
	o.history = append(o.history, t)

	metrics.RecordTransition(t.From.String(), t.To.String())
	switch to {
	case model.StateDone:
		metrics.RecordSessionDone()
	case model.StateFailed:
		metrics.RecordSessionFailed(string(reason))
	}
	if o.onState != nil {
		o.onState(t)
	}
}

func (o *Orchestrator) finishLocked() {
	if o.cancelRun != nil {
		o.cancelRun()
	}
	close(o.done)
}

// Wait blocks until the session is terminal or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) (model.HeatmapResult, error) {
	select {
	case <-o.done:
		return o.Result()
	case <-ctx.Done():
		return model.HeatmapResult{}, ctx.Err()
	}
}

// Done is closed once the session is terminal.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Result returns the heatmap or the terminal error. Before the session ends
// it returns ErrInvalidTransition.
func (o *Orchestrator) Result() (model.HeatmapResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case model.StateDone:
		return o.result, nil
	case model.StateFailed:
		return model.HeatmapResult{}, o.err
	default:
		return model.HeatmapResult{}, fmt.Errorf("result in %s: %w", o.state, model.ErrInvalidTransition)
	}
}

// State returns the current state without taking the lock.
func (o *Orchestrator) State() model.PipelineState {
	return model.PipelineState(o.stateView.Load())
}

// Err returns the terminal error, if any.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// History returns every transition so far.
func (o *Orchestrator) History() []model.Transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]model.Transition(nil), o.history...)
}

// Targets returns the calibration targets, or nil before calibration.
func (o *Orchestrator) Targets() []model.CalibrationTarget {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calib == nil {
		return nil
	}
	return o.calib.Targets()
}

// SampleCount returns the number of gaze samples recorded.
func (o *Orchestrator) SampleCount() int {
	o.mu.Lock()
	t := o.track
	o.mu.Unlock()
	if t == nil {
		return 0
	}
	return t.SampleCount()
}

// RunGazeCapture runs one session against stim and returns its heatmap. The
// caller routes permission and clicks through the handle given to
// WithHandle. If ctx ends first the session is cancelled and its error
// returned.
func RunGazeCapture(ctx context.Context, est gaze.Estimator, synth Synthesizer, stim Stimulus, duration time.Duration, opts ...Option) (model.HeatmapResult, error) {
	o := New(est, synth, opts...)
	if o.onHandle != nil {
		o.onHandle(o)
	}
	if err := o.Start(ctx, stim, duration); err != nil {
		return model.HeatmapResult{}, err
	}

	res, err := o.Wait(ctx)
	if err == nil || ctx.Err() == nil {
		return res, err
	}
	if cerr := o.Cancel(); cerr != nil {
		_ = o.Fail(ctx.Err())
	}
	<-o.Done()
	return o.Result()
}
