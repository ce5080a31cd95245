package model

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline components.
var (
	ErrDeviceUnavailable  = errors.New("gaze device unavailable")
	ErrUserCancelled      = errors.New("cancelled by user")
	ErrImageDecode        = errors.New("stimulus image could not be decoded")
	ErrTimerRace          = errors.New("stale timer callback")
	ErrInvalidTransition  = errors.New("invalid pipeline transition")
	ErrAlreadyTracking    = errors.New("tracking already active")
	ErrSessionClosed      = errors.New("tracking session closed")
	ErrTargetOutOfRange   = errors.New("calibration target out of range")
	ErrInvalidDimensions  = errors.New("invalid stimulus dimensions")
	ErrSynthesisFailed    = errors.New("heatmap synthesis failed")
	ErrPermissionTimedOut = errors.New("camera permission timed out")
)

// PipelineError is the terminal error of a failed pipeline.
type PipelineError struct {
	Reason Reason
	Err    error
}

// NewPipelineError wraps err with a reason code.
func NewPipelineError(reason Reason, err error) *PipelineError {
	return &PipelineError{Reason: reason, Err: err}
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// ReasonOf extracts the reason code from err. Errors that carry no code map
// to the closest sentinel, or SynthesisFailed.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	switch {
	case errors.Is(err, ErrDeviceUnavailable), errors.Is(err, ErrPermissionTimedOut):
		return ReasonDeviceUnavailable
	case errors.Is(err, ErrUserCancelled):
		return ReasonUserCancelled
	case errors.Is(err, ErrImageDecode):
		return ReasonImageDecode
	case errors.Is(err, ErrTimerRace):
		return ReasonTimerRace
	case errors.Is(err, ErrInvalidDimensions), errors.Is(err, ErrTargetOutOfRange):
		return ReasonInvalidInput
	default:
		return ReasonSynthesisFailed
	}
}
