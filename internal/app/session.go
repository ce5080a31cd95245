package service

import (
	"sync"
	"time"

	"github.com/eyesense/gazemap/internal/adapters/estimator"
	"github.com/eyesense/gazemap/internal/domain/model"
	"github.com/eyesense/gazemap/internal/domain/pipeline"
)

// SessionView is the API shape of one session.
type SessionView struct {
	ID              string                    `json:"id"`
	State           model.PipelineState       `json:"state"`
	Reason          model.Reason              `json:"reason,omitempty"`
	Targets         []model.CalibrationTarget `json:"targets,omitempty"`
	Samples         int                       `json:"samples"`
	Width           int                       `json:"width"`
	Height          int                       `json:"height"`
	DurationMs      int64                     `json:"duration_ms"`
	HeatmapName     string                    `json:"heatmap_name"`
	HeatmapStored   bool                      `json:"heatmap_stored"`
	StoreError      string                    `json:"store_error,omitempty"`
	PendingCommands int                       `json:"pending_commands"`
	CreatedAt       time.Time                 `json:"created_at"`
	FinishedAt      *time.Time                `json:"finished_at,omitempty"`
}

type session struct {
	id          string
	orch        *pipeline.Orchestrator
	est         *estimator.Remote
	width       int
	height      int
	duration    time.Duration
	heatmapName string
	createdAt   time.Time

	mu         sync.Mutex
	finishedAt time.Time
	stored     bool
	storeErr   error
}

func (s *session) finish(at time.Time, stored bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishedAt = at
	s.stored = stored
	s.storeErr = err
}

func (s *session) view() SessionView {
	v := SessionView{
		ID:              s.id,
		State:           s.orch.State(),
		Targets:         s.orch.Targets(),
		Samples:         s.orch.SampleCount(),
		Width:           s.width,
		Height:          s.height,
		DurationMs:      s.duration.Milliseconds(),
		HeatmapName:     s.heatmapName,
		PendingCommands: len(s.est.Commands()),
		CreatedAt:       s.createdAt,
	}
	if err := s.orch.Err(); err != nil {
		v.Reason = model.ReasonOf(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	v.HeatmapStored = s.stored
	if s.storeErr != nil {
		v.StoreError = s.storeErr.Error()
	}
	if !s.finishedAt.IsZero() {
		at := s.finishedAt
		v.FinishedAt = &at
	}
	return v
}
