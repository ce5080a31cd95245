package service

import "errors"

// Sentinel kinds for session service errors.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrMissingStimulus   = errors.New("missing stimulus")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNotReady          = errors.New("heatmap not ready")
	ErrTooManySessions   = errors.New("too many active sessions")
	ErrServiceNotStarted = errors.New("service not started")
	ErrServiceStopped    = errors.New("service stopped")
	ErrSessionExpired    = errors.New("session expired")
)
