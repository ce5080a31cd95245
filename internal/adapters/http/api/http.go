// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/eyesense/gazemap/internal/adapters/estimator"
	"github.com/eyesense/gazemap/internal/adapters/mq/queue"
	"github.com/eyesense/gazemap/internal/adapters/storage"
	service "github.com/eyesense/gazemap/internal/app"
	"github.com/eyesense/gazemap/internal/domain/model"
	"github.com/eyesense/gazemap/internal/domain/tracking"
)

// DefaultMaxImageBytes caps uploaded stimulus bodies.
const DefaultMaxImageBytes = 10 << 20

// jsonEnvelopeBytes is the allowance for JSON fields around an inline
// base64 stimulus.
const jsonEnvelopeBytes = 64 << 10

// jsonBodyLimit caps JSON bodies so an inline base64 stimulus of up to
// maxImageBytes still fits.
func jsonBodyLimit(maxImageBytes int64) int64 {
	return maxImageBytes/3*4 + 4 + jsonEnvelopeBytes
}

// Dependencies required by HTTP handlers.
type Dependencies interface {
	CreateSession(ctx context.Context, req service.CreateRequest) (service.SessionView, error)
	Session(ctx context.Context, id string) (service.SessionView, error)
	HandlePermission(ctx context.Context, id string, granted bool) (service.SessionView, error)
	RegisterClick(ctx context.Context, id string, targetID int, x, y *float64) (model.CalibrationTarget, error)
	SubmitGaze(ctx context.Context, id, batchID string, samples []*model.GazeSample) (service.GazeAck, error)
	Commands(ctx context.Context, id string) ([]estimator.Command, error)
	Heatmap(ctx context.Context, id string) (model.HeatmapResult, error)
	CancelSession(ctx context.Context, id string) (service.SessionView, error)

	PutImage(ctx context.Context, name, contentType string, data []byte) error
	Blob(ctx context.Context, kind storage.Kind, name string) (storage.Blob, error)
}

// Option configures a Server.
type Option func(*Server)

// WithMaxImageBytes caps POST /images bodies and inline stimuli in
// POST /sessions.
func WithMaxImageBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxImageBytes = n
		}
	}
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler  *HealthHandler
	statsHandler   *StatsHandler
	sessionHandler *SessionHandler
	blobHandler    *BlobHandler

	maxImageBytes int64
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, opts ...Option) *Server {
	s := &Server{maxImageBytes: DefaultMaxImageBytes}
	for _, opt := range opts {
		opt(s)
	}
	s.healthHandler = NewHealthHandler()
	s.statsHandler = NewStatsHandler(statsProvider)
	s.sessionHandler = NewSessionHandler(deps, jsonBodyLimit(s.maxImageBytes))
	s.blobHandler = NewBlobHandler(deps, s.maxImageBytes)
	return s
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.Handle("GET /metrics", MetricsHandler())

	sh := s.sessionHandler
	mux.HandleFunc("POST /sessions", MetricsMiddleware(sh.HandleCreate, "sessions_create"))
	mux.HandleFunc("GET /sessions/{id}", MetricsMiddleware(sh.HandleGet, "sessions_get"))
	mux.HandleFunc("DELETE /sessions/{id}", MetricsMiddleware(sh.HandleCancel, "sessions_cancel"))
	mux.HandleFunc("POST /sessions/{id}/permission", MetricsMiddleware(sh.HandlePermission, "sessions_permission"))
	mux.HandleFunc("POST /sessions/{id}/clicks", MetricsMiddleware(sh.HandleClick, "sessions_clicks"))
	mux.HandleFunc("POST /sessions/{id}/gaze", MetricsMiddleware(sh.HandleGaze, "sessions_gaze"))
	mux.HandleFunc("GET /sessions/{id}/commands", MetricsMiddleware(sh.HandleCommands, "sessions_commands"))
	mux.HandleFunc("GET /sessions/{id}/heatmap", MetricsMiddleware(sh.HandleHeatmap, "sessions_heatmap"))

	bh := s.blobHandler
	mux.HandleFunc("POST /images", MetricsMiddleware(bh.HandleUpload, "images_upload"))
	mux.HandleFunc("GET /images/{name}", MetricsMiddleware(bh.HandleGetImage, "images_get"))
	mux.HandleFunc("GET /heatmaps/{name}", MetricsMiddleware(bh.HandleGetHeatmap, "heatmaps_get"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeServiceError maps a service error onto a status and code.
func writeServiceError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeError(w, status, code, err)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, ErrBackpressure), errors.Is(err, service.ErrTooManySessions), errors.Is(err, queue.ErrFull):
		return http.StatusTooManyRequests, "backpressure"
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrMissingStimulus),
		errors.Is(err, model.ErrTargetOutOfRange),
		errors.Is(err, model.ErrInvalidDimensions),
		errors.Is(err, tracking.ErrInvalidDuration),
		errors.Is(err, storage.ErrInvalidName):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, service.ErrNotReady),
		errors.Is(err, model.ErrDeviceUnavailable):
		return http.StatusConflict, "conflict"
	case errors.Is(err, service.ErrServiceNotStarted), errors.Is(err, service.ErrServiceStopped):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, op string, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return WrapKind(op, ErrTooLarge, err)
		}
		return WrapKind(op, ErrBadRequest, err)
	}
	return nil
}
