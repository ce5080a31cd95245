package model

import (
	"fmt"
	"time"
)

// PipelineState is the lifecycle phase of one gaze capture session.
type PipelineState int

const (
	StateIdle PipelineState = iota
	StateAwaitingPermission
	StateCalibrating
	StateTracking
	StateSynthesizing
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:               "Idle",
	StateAwaitingPermission: "AwaitingPermission",
	StateCalibrating:        "Calibrating",
	StateTracking:           "Tracking",
	StateSynthesizing:       "Synthesizing",
	StateDone:               "Done",
	StateFailed:             "Failed",
}

func (s PipelineState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s PipelineState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Cancellable reports whether an explicit cancel is valid in this state.
func (s PipelineState) Cancellable() bool {
	return s == StateAwaitingPermission || s == StateCalibrating || s == StateTracking
}

// MarshalText encodes the state by name.
func (s PipelineState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *PipelineState) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseState returns the state with the given name.
func ParseState(name string) (PipelineState, error) {
	for i, n := range stateNames {
		if n == name {
			return PipelineState(i), nil
		}
	}
	return StateIdle, fmt.Errorf("unknown pipeline state %q", name)
}

// Reason classifies why a pipeline failed.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonDeviceUnavailable Reason = "DeviceUnavailable"
	ReasonUserCancelled     Reason = "UserCancelled"
	ReasonImageDecode       Reason = "ImageDecodeError"
	ReasonTimerRace         Reason = "InternalTimerRace"
	ReasonSynthesisFailed   Reason = "SynthesisFailed"
	ReasonInvalidInput      Reason = "InvalidInput"
)

// Transition records one state change.
type Transition struct {
	From   PipelineState `json:"from"`
	To     PipelineState `json:"to"`
	Reason Reason        `json:"reason,omitempty"`
	At     time.Time     `json:"at"`
}
