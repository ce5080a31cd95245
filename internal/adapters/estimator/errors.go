package estimator

import "errors"

// Sentinel errors for the remote estimator bridge.
var (
	ErrNotStarted     = errors.New("estimator not started")
	ErrAlreadyStarted = errors.New("estimator already started")
	ErrEnded          = errors.New("estimator ended")
)
