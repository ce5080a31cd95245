package heatmap

import "errors"

// ErrUnknownColormap is returned for colormap names that are not registered.
var ErrUnknownColormap = errors.New("unknown colormap")
