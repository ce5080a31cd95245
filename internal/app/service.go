// Package service runs respondent gaze capture sessions for the HTTP API.
//
// Each session owns one pipeline orchestrator and one remote estimator. The
// service shares the synthesis worker pool, the gaze batch deduper and the
// blob store across sessions.
package service

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"

	"github.com/eyesense/gazemap/internal/adapters/estimator"
	"github.com/eyesense/gazemap/internal/adapters/mq/queue"
	"github.com/eyesense/gazemap/internal/adapters/mq/worker"
	"github.com/eyesense/gazemap/internal/adapters/stimulus"
	"github.com/eyesense/gazemap/internal/adapters/storage"
	"github.com/eyesense/gazemap/internal/domain/calibration"
	"github.com/eyesense/gazemap/internal/domain/dedupe"
	"github.com/eyesense/gazemap/internal/domain/gaze"
	"github.com/eyesense/gazemap/internal/domain/heatmap"
	"github.com/eyesense/gazemap/internal/domain/model"
	"github.com/eyesense/gazemap/internal/domain/pipeline"
	"github.com/eyesense/gazemap/pkg/clock"
	"github.com/eyesense/gazemap/pkg/logger"
	"github.com/eyesense/gazemap/pkg/metrics"
)

const (
	defaultTrackingDuration = 10 * time.Second
	defaultSessionTTL       = 15 * time.Minute
	defaultMaxSessions      = 1000
	uploadTimeout           = 30 * time.Second
	shutdownTimeout         = 30 * time.Second
)

// MaxDurationMs bounds a requested tracking window.
const MaxDurationMs = int64(24 * time.Hour / time.Millisecond)

// BlobStore persists stimulus images and heatmaps.
type BlobStore interface {
	Put(ctx context.Context, b storage.Blob) error
	Get(ctx context.Context, kind storage.Kind, name string) (storage.Blob, error)
}

// Stimuli resolves stimulus references to image bytes.
type Stimuli interface {
	Resolve(ctx context.Context, ref string) (stimulus.Image, error)
}

// CreateRequest describes a new session.
type CreateRequest struct {
	StimulusRef     string  `json:"stimulus_ref,omitempty"`
	StimulusBase64  string  `json:"stimulus_base64,omitempty"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	DurationMs      int64   `json:"duration_ms"`
	HeatmapFilename string  `json:"heatmap_filename,omitempty"`
	ViewportWidth   float64 `json:"viewport_width"`
	ViewportHeight  float64 `json:"viewport_height"`
}

func (r CreateRequest) validate() error {
	switch {
	case r.Width < 0 || r.Height < 0:
		return fmt.Errorf("negative stimulus size %dx%d: %w", r.Width, r.Height, ErrInvalidRequest)
	case r.Width > heatmap.DefaultMaxPixels || r.Height > heatmap.DefaultMaxPixels,
		r.Width > 0 && r.Height > 0 && r.Width > heatmap.DefaultMaxPixels/r.Height:
		return fmt.Errorf("stimulus size %dx%d exceeds %d pixels: %w", r.Width, r.Height, heatmap.DefaultMaxPixels, ErrInvalidRequest)
	case r.DurationMs < 0:
		return fmt.Errorf("negative duration_ms: %w", ErrInvalidRequest)
	case r.DurationMs > MaxDurationMs:
		return fmt.Errorf("duration_ms above %d: %w", MaxDurationMs, ErrInvalidRequest)
	case r.ViewportWidth < 0 || r.ViewportHeight < 0:
		return fmt.Errorf("negative viewport: %w", ErrInvalidRequest)
	case r.StimulusRef != "" && r.StimulusBase64 != "":
		return fmt.Errorf("stimulus_ref and stimulus_base64 are exclusive: %w", ErrInvalidRequest)
	case r.StimulusRef == "" && r.StimulusBase64 == "":
		return ErrMissingStimulus
	case r.HeatmapFilename != "" && !storage.ValidName(r.HeatmapFilename):
		return fmt.Errorf("heatmap_filename %q: %w", r.HeatmapFilename, ErrInvalidRequest)
	}
	return nil
}

// GazeAck reports what happened to one gaze batch.
type GazeAck struct {
	Accepted  int  `json:"accepted"`
	Duplicate bool `json:"duplicate"`
}

// Service implements the API dependencies for gaze capture sessions.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*session

	// Core components
	blobs   BlobStore
	stimuli Stimuli
	deduper dedupe.Deduper
	queue   *queue.InMemoryQueue
	pool    *worker.Pool

	// Configuration
	workerCount       int
	queueSize         int
	dedupeSize        int
	clicksRequired    int
	trackingDuration  time.Duration
	calibrationDelay  time.Duration
	permissionTimeout time.Duration
	sessionTTL        time.Duration
	maxSessions       int
	heatmapOpts       []heatmap.Option
	clk               clock.Clock

	// State
	started bool
	runCtx  context.Context //nolint:containedctx // service lifetime
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger logger.Logger
}

// New constructs a Service. Start must be called before sessions are
// created.
func New(blobs BlobStore, stimuli Stimuli, opts ...Option) *Service {
	s := &Service{
		sessions:          make(map[string]*session),
		blobs:             blobs,
		stimuli:           stimuli,
		workerCount:       runtime.NumCPU(),
		queueSize:         64,
		dedupeSize:        dedupe.DefaultMaxSize,
		clicksRequired:    calibration.DefaultClicksRequired,
		trackingDuration:  defaultTrackingDuration,
		calibrationDelay:  pipeline.DefaultCalibrationDelay,
		permissionTimeout: pipeline.DefaultPermissionTimeout,
		sessionTTL:        defaultSessionTTL,
		maxSessions:       defaultMaxSessions,
		clk:               clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.OrNop().Named("service")
	}
	return s
}

// Start builds the synthesis pool and starts the session janitor.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(s.queueSize))
	synth := heatmap.New(append([]heatmap.Option{heatmap.WithLogger(s.logger.Named("heatmap"))}, s.heatmapOpts...)...)
	s.pool = worker.NewPool(s.workerCount, s.queue, synth, worker.WithLogger(s.logger))
	s.pool.Start(s.runCtx)

	s.wg.Add(1)
	go s.janitor()

	s.started = true
	s.logger.Info(ctx, "gaze session service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queueSize", s.queueSize),
		logger.Int("dedupeSize", s.dedupeSize),
		logger.Duration("sessionTTL", s.sessionTTL),
	)
	return nil
}

// Stop fails every live session, waits for pending uploads and shuts the
// worker pool down.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info(ctx, "stopping gaze session service...")
	s.cancel()
	s.wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.pool.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown worker pool: %w", err)
	}
	s.logger.Info(ctx, "gaze session service stopped")
	return nil
}

func (s *Service) isStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// CreateSession resolves the stimulus and starts a new session awaiting
// camera permission.
func (s *Service) CreateSession(ctx context.Context, req CreateRequest) (SessionView, error) {
	if !s.isStarted() {
		return SessionView{}, ErrServiceNotStarted
	}
	if err := req.validate(); err != nil {
		return SessionView{}, err
	}
	img, err := s.resolveStimulus(ctx, req)
	if err != nil {
		return SessionView{}, err
	}

	id := uuid.NewString()
	sess := &session{
		id:          id,
		width:       req.Width,
		height:      req.Height,
		duration:    s.trackingDuration,
		heatmapName: req.HeatmapFilename,
		createdAt:   s.clk.Now(),
	}
	if req.DurationMs > 0 {
		sess.duration = time.Duration(req.DurationMs) * time.Millisecond
	}
	if sess.heatmapName == "" {
		sess.heatmapName = id + ".png"
	}

	sess.est = estimator.NewRemote(estimator.WithLogger(s.logger.Named("estimator")))
	opts := []pipeline.Option{
		pipeline.WithClock(s.clk),
		pipeline.WithLogger(s.logger.Named("pipeline")),
		pipeline.WithClicksRequired(s.clicksRequired),
		pipeline.WithCalibrationDelay(s.calibrationDelay),
		pipeline.WithPermissionTimeout(s.permissionTimeout),
	}
	if req.ViewportWidth > 0 && req.ViewportHeight > 0 {
		opts = append(opts, pipeline.WithViewport(r2.Point{X: req.ViewportWidth, Y: req.ViewportHeight}))
	}
	sess.orch = pipeline.New(sess.est, s.pool, opts...)

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return SessionView{}, ErrServiceNotStarted
	}
	if len(s.sessions) >= s.maxSessions {
		s.mu.Unlock()
		return SessionView{}, ErrTooManySessions
	}
	s.sessions[id] = sess
	s.wg.Add(1)
	s.mu.Unlock()

	stim := pipeline.Stimulus{Image: img.Data, Width: req.Width, Height: req.Height}
	if err := sess.orch.Start(ctx, stim, sess.duration); err != nil {
		s.wg.Done()
		s.remove(id)
		return SessionView{}, fmt.Errorf("start session: %w", err)
	}
	go s.watch(sess)

	s.logger.Info(ctx, "session created",
		logger.String("session", id),
		logger.String("stimulus", img.Source),
		logger.Duration("duration", sess.duration),
		logger.String("heatmap", sess.heatmapName))
	return sess.view(), nil
}

func (s *Service) resolveStimulus(ctx context.Context, req CreateRequest) (stimulus.Image, error) {
	ref := req.StimulusRef
	if ref == "" {
		ref = req.StimulusBase64
		if !strings.HasPrefix(ref, "data:") {
			ref = "data:image/*;base64," + ref
		}
	}
	img, err := s.stimuli.Resolve(ctx, ref)
	if err != nil {
		return stimulus.Image{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return img, nil
}

// watch uploads the heatmap once the session is Done.
func (s *Service) watch(sess *session) {
	defer s.wg.Done()

	select {
	case <-sess.orch.Done():
	case <-s.runCtx.Done():
		_ = sess.orch.Fail(model.NewPipelineError(model.ReasonUserCancelled, ErrServiceStopped))
		<-sess.orch.Done()
	}

	res, err := sess.orch.Result()
	if err != nil {
		sess.finish(s.clk.Now(), false, nil)
		s.logger.Info(s.runCtx, "session failed",
			logger.String("session", sess.id),
			logger.String("reason", string(model.ReasonOf(err))))
		return
	}

	ctx, cancel := context.WithTimeout(s.runCtx, uploadTimeout)
	defer cancel()
	err = s.blobs.Put(ctx, storage.Blob{
		Kind:        storage.KindHeatmap,
		Name:        sess.heatmapName,
		ContentType: res.MimeType,
		Data:        res.Data,
		CreatedAt:   s.clk.Now(),
	})
	sess.finish(s.clk.Now(), err == nil, err)
	if err != nil {
		s.logger.Error(ctx, "heatmap upload failed", logger.String("session", sess.id), logger.Error(err))
		return
	}
	s.logger.Info(ctx, "session done",
		logger.String("session", sess.id),
		logger.Int("samples", res.SampleCount),
		logger.Int("retained", res.RetainedCount),
		logger.String("heatmap", sess.heatmapName))
}

func (s *Service) get(id string) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	return sess, nil
}

func (s *Service) remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	if s.deduper != nil {
		s.deduper.Forget(context.Background(), dedupe.Key(id, ""))
	}
}

// Session returns a snapshot of one session.
func (s *Service) Session(_ context.Context, id string) (SessionView, error) {
	sess, err := s.get(id)
	if err != nil {
		return SessionView{}, err
	}
	return sess.view(), nil
}

// HandlePermission records the respondent's camera decision.
func (s *Service) HandlePermission(_ context.Context, id string, granted bool) (SessionView, error) {
	sess, err := s.get(id)
	if err != nil {
		return SessionView{}, err
	}
	if err := sess.est.Grant(granted); err != nil {
		s.logger.Debug(context.Background(), "grant ignored", logger.String("session", id), logger.Error(err))
	}
	if err := sess.orch.HandlePermission(granted); err != nil {
		return SessionView{}, err
	}
	return sess.view(), nil
}

// RegisterClick forwards a calibration click. Without coordinates the
// target's screen position is used.
func (s *Service) RegisterClick(_ context.Context, id string, targetID int, x, y *float64) (model.CalibrationTarget, error) {
	sess, err := s.get(id)
	if err != nil {
		return model.CalibrationTarget{}, err
	}
	if x != nil && y != nil {
		return sess.orch.RegisterClick(targetID, *x, *y)
	}
	return sess.orch.RegisterTargetClick(targetID)
}

// SubmitGaze feeds one batch of estimator callbacks into the session. nil
// samples are no-detection events. A repeated batch ID is acknowledged and
// skipped.
func (s *Service) SubmitGaze(ctx context.Context, id, batchID string, samples []*model.GazeSample) (GazeAck, error) {
	sess, err := s.get(id)
	if err != nil {
		return GazeAck{}, err
	}
	if strings.TrimSpace(batchID) == "" {
		return GazeAck{}, fmt.Errorf("missing batch_id: %w", ErrInvalidRequest)
	}
	if s.deduper.SeenAndRecord(ctx, dedupe.Key(id, batchID)) {
		metrics.RecordGazeSample(metrics.SampleDuplicate)
		return GazeAck{Duplicate: true}, nil
	}

	ack := GazeAck{}
	for _, g := range samples {
		var p *gaze.Point
		var ts int64
		if g != nil {
			p = &gaze.Point{X: g.X, Y: g.Y}
			ts = g.TimestampMs
		}
		if !sess.est.Deliver(p, ts) {
			metrics.RecordGazeSample(metrics.SampleOutOfSession)
			continue
		}
		if p != nil {
			ack.Accepted++
		}
	}
	return ack, nil
}

// Commands drains the estimator instructions pending for the client.
func (s *Service) Commands(_ context.Context, id string) ([]estimator.Command, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return sess.est.Drain(), nil
}

// Heatmap returns the session's heatmap, ErrNotReady before the session
// ends, or the pipeline error of a failed session.
func (s *Service) Heatmap(_ context.Context, id string) (model.HeatmapResult, error) {
	sess, err := s.get(id)
	if err != nil {
		return model.HeatmapResult{}, err
	}
	if !sess.orch.State().Terminal() {
		return model.HeatmapResult{}, fmt.Errorf("session in %s: %w", sess.orch.State(), ErrNotReady)
	}
	return sess.orch.Result()
}

// CancelSession aborts a session waiting on the respondent.
func (s *Service) CancelSession(_ context.Context, id string) (SessionView, error) {
	sess, err := s.get(id)
	if err != nil {
		return SessionView{}, err
	}
	if err := sess.orch.Cancel(); err != nil {
		return SessionView{}, err
	}
	return sess.view(), nil
}

// PutImage stores an uploaded stimulus image under name.
func (s *Service) PutImage(ctx context.Context, name, contentType string, data []byte) error {
	if !storage.ValidName(name) {
		return fmt.Errorf("filename %q: %w", name, ErrInvalidRequest)
	}
	if len(data) == 0 {
		return fmt.Errorf("empty image: %w", ErrInvalidRequest)
	}
	if !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return fmt.Errorf("content type %q: %w", contentType, ErrInvalidRequest)
	}
	return s.blobs.Put(ctx, storage.Blob{
		Kind: storage.KindImage, Name: name, ContentType: contentType, Data: data, CreatedAt: s.clk.Now(),
	})
}

// Blob reads a stored image or heatmap.
func (s *Service) Blob(ctx context.Context, kind storage.Kind, name string) (storage.Blob, error) {
	return s.blobs.Get(ctx, kind, name)
}

// janitor drops sessions older than the TTL.
func (s *Service) janitor() {
	defer s.wg.Done()

	interval := s.sessionTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			if n := s.sweep(s.clk.Now()); n > 0 {
				s.logger.Debug(s.runCtx, "expired sessions removed", logger.Int("count", n))
			}
		}
	}
}

// sweep removes sessions created at least one TTL before now. Live sessions
// are failed as abandoned first.
func (s *Service) sweep(now time.Time) int {
	s.mu.RLock()
	var expired []*session
	for _, sess := range s.sessions {
		if now.Sub(sess.createdAt) >= s.sessionTTL {
			expired = append(expired, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range expired {
		if !sess.orch.State().Terminal() {
			_ = sess.orch.Fail(model.NewPipelineError(model.ReasonUserCancelled, ErrSessionExpired))
		}
		s.remove(sess.id)
	}
	return len(expired)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]interface{}{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"dedupeSize":  s.dedupeSize,
		"sessions":    len(s.sessions),
	}

	byState := make(map[string]int)
	for _, sess := range s.sessions {
		byState[sess.orch.State().String()]++
	}
	stats["sessionsByState"] = byState

	if s.started {
		queueLen := s.queue.Len(ctx)
		stats["queueLength"] = queueLen
		stats["dedupeEntries"] = s.deduper.Size()
		metrics.UpdateQueueSize(queueLen)
	}
	return stats
}
