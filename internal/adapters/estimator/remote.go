// Package estimator bridges a browser-side gaze estimator to the pipeline.
//
// The browser polls the command log for begin/end/calibration instructions,
// reports camera permission through Grant and streams gaze callbacks
// through Deliver.
package estimator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eyesense/gazemap/internal/domain/gaze"
	"github.com/eyesense/gazemap/internal/domain/model"
	"github.com/eyesense/gazemap/pkg/logger"
)

const defaultMaxCommands = 1024

// CommandKind names an instruction for the client-side estimator.
type CommandKind string

const (
	CommandBegin            CommandKind = "begin"
	CommandEnd              CommandKind = "end"
	CommandCalibrationPoint CommandKind = "calibration_point"
	CommandShowVideo        CommandKind = "show_video"
	CommandHideVideo        CommandKind = "hide_video"
)

// Command is one queued instruction.
type Command struct {
	Seq   uint64      `json:"seq"`
	Kind  CommandKind `json:"kind"`
	X     float64     `json:"x,omitempty"`
	Y     float64     `json:"y,omitempty"`
	Label string      `json:"label,omitempty"`
	At    time.Time   `json:"at"`
}

// Remote implements gaze.Estimator for a client that talks over HTTP.
type Remote struct {
	mu          sync.Mutex
	began       bool
	granted     bool
	ended       bool
	listener    gaze.Listener
	commands    []Command
	maxCommands int
	seq         uint64
	dropped     int
	log         logger.Logger
}

var _ gaze.Estimator = (*Remote)(nil)

// Option configures a Remote.
type Option func(*Remote)

// WithMaxCommands bounds the undrained command log; the oldest are dropped.
func WithMaxCommands(n int) Option {
	return func(r *Remote) {
		if n > 0 {
			r.maxCommands = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Remote) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRemote creates an idle bridge.
func NewRemote(opts ...Option) *Remote {
	r := &Remote{maxCommands: defaultMaxCommands, log: logger.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Begin queues a camera start for the client.
func (r *Remote) Begin(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.ended:
		return ErrEnded
	case r.began:
		return ErrAlreadyStarted
	}
	r.began = true
	r.pushLocked(Command{Kind: CommandBegin})
	r.log.Debug(ctx, "estimator begin queued")
	return nil
}

// End queues a camera stop and drops the listener. Repeated calls are no-ops.
func (r *Remote) End(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return nil
	}
	r.ended = true
	r.granted = false
	r.listener = nil
	r.pushLocked(Command{Kind: CommandEnd})
	r.log.Debug(ctx, "estimator end queued")
	return nil
}

// Ready reports whether the client granted the camera and End has not run.
func (r *Remote) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.began && r.granted && !r.ended
}

// Ended reports whether End has been called.
func (r *Remote) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// Grant records the client's camera permission outcome.
func (r *Remote) Grant(granted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.ended:
		return ErrEnded
	case !r.began:
		return ErrNotStarted
	}
	r.granted = granted
	return nil
}

// RecordCalibrationPoint queues a click/gaze training pair.
func (r *Remote) RecordCalibrationPoint(x, y float64, label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.began || !r.granted || r.ended {
		return fmt.Errorf("record calibration point: %w", model.ErrDeviceUnavailable)
	}
	r.pushLocked(Command{Kind: CommandCalibrationPoint, X: x, Y: y, Label: label})
	return nil
}

func (r *Remote) SetGazeListener(l gaze.Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

func (r *Remote) ClearGazeListener() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = nil
}

func (r *Remote) ShowVideoPreview(show bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if show {
		r.pushLocked(Command{Kind: CommandShowVideo})
		return
	}
	r.pushLocked(Command{Kind: CommandHideVideo})
}

// Deliver forwards one client gaze callback to the current listener.
// It reports whether a listener was attached.
func (r *Remote) Deliver(p *gaze.Point, timestampMs int64) bool {
	r.mu.Lock()
	l := r.listener
	r.mu.Unlock()
	if l == nil {
		return false
	}
	l(p, timestampMs)
	return true
}

// Drain returns and clears the pending commands.
func (r *Remote) Drain() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.commands
	r.commands = nil
	return out
}

// Commands returns a copy of the pending commands without draining them.
func (r *Remote) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.commands...)
}

// Dropped returns how many commands were evicted undrained.
func (r *Remote) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Remote) pushLocked(c Command) {
	r.seq++
	c.Seq = r.seq
	c.At = time.Now()
	if len(r.commands) >= r.maxCommands {
		r.commands = r.commands[1:]
		r.dropped++
	}
	r.commands = append(r.commands, c)
}
