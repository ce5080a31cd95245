package stimulus

import "errors"

// Sentinel kinds for stimulus resolution errors.
var (
	ErrUnsupportedRef = errors.New("unsupported stimulus reference")
	ErrNotImage       = errors.New("stimulus is not an image")
	ErrTooLarge       = errors.New("stimulus exceeds size limit")
	ErrFetch          = errors.New("stimulus fetch failed")
	ErrMalformed      = errors.New("malformed stimulus reference")
)
