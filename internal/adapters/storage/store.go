// Package storage keeps stimulus images and rendered heatmaps as named blobs.
package storage

import (
	"context"
	"strings"
	"time"
)

// Kind partitions the blob namespace.
type Kind string

// Blob kinds.
const (
	KindImage   Kind = "images"
	KindHeatmap Kind = "heatmaps"
)

// Kinds lists every blob kind.
var Kinds = []Kind{KindImage, KindHeatmap}

// Blob is one stored object.
type Blob struct {
	Kind        Kind
	Name        string
	ContentType string
	Data        []byte
	CreatedAt   time.Time
}

// Store provides named blob persistence.
type Store interface {
	// Put creates or replaces the blob at (Kind, Name).
	Put(ctx context.Context, b Blob) error

	// Get returns ErrNotFound for unknown names.
	Get(ctx context.Context, kind Kind, name string) (Blob, error)

	Delete(ctx context.Context, kind Kind, name string) error

	Count(ctx context.Context, kind Kind) (int, error)

	Close() error
}

const maxNameLen = 255

// ValidName reports whether name is usable as a flat blob name.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." || len(name) > maxNameLen {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

func validKind(k Kind) bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}
