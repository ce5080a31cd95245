package queue

import "errors"

// Sentinel errors for queue operations.
var (
	ErrFull    = errors.New("synthesis queue full")
	ErrClosed  = errors.New("synthesis queue closed")
	ErrStopped = errors.New("synthesis workers stopped")
)
