package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/eyesense/gazemap/internal/adapters/estimator"
	service "github.com/eyesense/gazemap/internal/app"
	"github.com/eyesense/gazemap/internal/domain/model"
)

// SessionHandler serves the respondent session routes.
type SessionHandler struct {
	deps     Dependencies
	maxBytes int64
}

// NewSessionHandler creates a new session handler. maxBytes caps JSON
// request bodies.
func NewSessionHandler(deps Dependencies, maxBytes int64) *SessionHandler {
	return &SessionHandler{deps: deps, maxBytes: maxBytes}
}

type permissionRequest struct {
	Granted *bool `json:"granted"`
}

type clickRequest struct {
	TargetID *int     `json:"target_id"`
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
}

type gazeRequest struct {
	BatchID string              `json:"batch_id"`
	Samples []*model.GazeSample `json:"samples"`
}

type gazeResponse struct {
	Status    string `json:"status"`
	Accepted  int    `json:"accepted"`
	Duplicate bool   `json:"duplicate"`
}

type commandsResponse struct {
	Commands []estimator.Command `json:"commands"`
}

// HandleCreate handles POST /sessions requests.
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req service.CreateRequest
	if err := decodeJSON(w, r, h.maxBytes, "create session", &req); err != nil {
		writeServiceError(w, err)
		return
	}
	view, err := h.deps.CreateSession(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// HandleGet handles GET /sessions/{id} requests.
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	view, err := h.deps.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleCancel handles DELETE /sessions/{id} requests.
func (h *SessionHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	view, err := h.deps.CancelSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandlePermission handles POST /sessions/{id}/permission requests.
func (h *SessionHandler) HandlePermission(w http.ResponseWriter, r *http.Request) {
	const op = "permission"
	var req permissionRequest
	if err := decodeJSON(w, r, h.maxBytes, op, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	if req.Granted == nil {
		writeServiceError(w, NewKind(op+": missing granted", ErrBadRequest))
		return
	}
	view, err := h.deps.HandlePermission(r.Context(), r.PathValue("id"), *req.Granted)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleClick handles POST /sessions/{id}/clicks requests.
func (h *SessionHandler) HandleClick(w http.ResponseWriter, r *http.Request) {
	const op = "click"
	var req clickRequest
	if err := decodeJSON(w, r, h.maxBytes, op, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	switch {
	case req.TargetID == nil:
		writeServiceError(w, NewKind(op+": missing target_id", ErrBadRequest))
		return
	case (req.X == nil) != (req.Y == nil):
		writeServiceError(w, NewKind(op+": x and y must be given together", ErrBadRequest))
		return
	}
	target, err := h.deps.RegisterClick(r.Context(), r.PathValue("id"), *req.TargetID, req.X, req.Y)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

// HandleGaze handles POST /sessions/{id}/gaze requests.
func (h *SessionHandler) HandleGaze(w http.ResponseWriter, r *http.Request) {
	const op = "gaze"
	var req gazeRequest
	if err := decodeJSON(w, r, h.maxBytes, op, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	if len(req.Samples) == 0 {
		writeServiceError(w, NewKind(op+": empty batch", ErrBadRequest))
		return
	}
	ack, err := h.deps.SubmitGaze(r.Context(), r.PathValue("id"), req.BatchID, req.Samples)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, gazeResponse{Status: "accepted", Accepted: ack.Accepted, Duplicate: ack.Duplicate})
}

// HandleCommands handles GET /sessions/{id}/commands requests.
func (h *SessionHandler) HandleCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := h.deps.Commands(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if cmds == nil {
		cmds = []estimator.Command{}
	}
	writeJSON(w, http.StatusOK, commandsResponse{Commands: cmds})
}

// HandleHeatmap handles GET /sessions/{id}/heatmap requests.
func (h *SessionHandler) HandleHeatmap(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Heatmap(r.Context(), r.PathValue("id"))
	if err != nil {
		var pe *model.PipelineError
		if errors.As(err, &pe) {
			writeError(w, http.StatusUnprocessableEntity, string(pe.Reason), err)
			return
		}
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", res.MimeType)
	w.Header().Set("X-Sample-Count", strconv.Itoa(res.SampleCount))
	w.Header().Set("X-Retained-Count", strconv.Itoa(res.RetainedCount))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}
