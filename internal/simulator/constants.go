package simulator

import "time"

// Defaults for a run.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultWidth           = 800
	DefaultHeight          = 600
	DefaultSamplesPerBatch = 15
	DefaultBatchInterval   = 250 * time.Millisecond
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultFixations       = 4
)

// HTTP status codes the simulator branches on.
const (
	StatusOK                  = 200
	StatusCreated             = 201
	StatusAccepted            = 202
	StatusConflict            = 409
	StatusUnprocessableEntity = 422
)

// Session states the simulator waits on.
const (
	stateCalibrating = "Calibrating"
	stateTracking    = "Tracking"
	stateDone        = "Done"
	stateFailed      = "Failed"
)
