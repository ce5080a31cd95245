package storage

import "errors"

// Sentinel kinds for blob store errors.
var (
	ErrNotFound          = errors.New("blob not found")
	ErrInvalidName       = errors.New("invalid blob name")
	ErrInvalidKind       = errors.New("invalid blob kind")
	ErrUnsupportedDriver = errors.New("unsupported storage driver")
	ErrClosed            = errors.New("blob store closed")
)
