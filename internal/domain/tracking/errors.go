package tracking

import "errors"

// ErrInvalidDuration is returned by Start for non-positive windows.
var ErrInvalidDuration = errors.New("tracking duration must be positive")
