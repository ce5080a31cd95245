// Package queue carries heatmap synthesis jobs from pipelines to workers.
//
// The in-memory implementation is a bounded buffered channel; a full queue
// rejects instead of blocking so callers can surface backpressure.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/eyesense/gazemap/internal/domain/heatmap"
	"github.com/eyesense/gazemap/internal/domain/model"
	"github.com/eyesense/gazemap/pkg/metrics"
)

const defaultQueueCapacity = 64

// Result is a worker's reply to one Job.
type Result struct {
	Heatmap model.HeatmapResult
	Err     error
}

// Job is one synthesis request. Reply must have room for one Result; the
// worker never blocks on it.
type Job struct {
	ID         string
	Ctx        context.Context //nolint:containedctx // a job carries its caller's deadline to the worker
	Input      heatmap.Input
	Reply      chan<- Result
	EnqueuedAt time.Time
}

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds a job. It fails with ErrFull or ErrClosed rather than block.
	Enqueue(ctx context.Context, j Job) error

	// Dequeue returns a channel of jobs, closed once the queue is closed and
	// drained or ctx ends.
	Dequeue(ctx context.Context) <-chan Job

	// Len returns the current number of queued jobs.
	Len(ctx context.Context) int

	// Close stops accepting jobs. Queued jobs can still be dequeued.
	Close() error

	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	jobs     chan Job
	capacity int
	mu       sync.RWMutex
	closed   bool
}

// NewInMemoryQueue creates a new in-memory queue with configuration options.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{capacity: defaultQueueCapacity}
	for _, opt := range opts {
		opt(q)
	}
	q.jobs = make(chan Job, q.capacity)

	metrics.UpdateQueueCapacity(q.capacity)
	metrics.UpdateQueueSize(0)
	return q
}

// Enqueue adds a job to the queue.
func (q *InMemoryQueue) Enqueue(ctx context.Context, j Job) error { //nolint:gocritic // hugeParam: Job is passed by value for channel semantics
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueEnqueueError("closed")
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		metrics.RecordQueueEnqueueError("context_cancelled")
		return err
	}
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now()
	}

	select {
	case q.jobs <- j:
		metrics.RecordQueueEnqueue()
		metrics.UpdateQueueSize(len(q.jobs))
		return nil
	default:
		metrics.RecordQueueEnqueueError("full")
		return ErrFull
	}
}

// Dequeue returns a channel that receives jobs as they become available.
func (q *InMemoryQueue) Dequeue(ctx context.Context) <-chan Job {
	out := make(chan Job)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case j, ok := <-q.jobs:
				if !ok {
					return
				}
				select {
				case out <- j:
					metrics.UpdateQueueSize(len(q.jobs))
				case <-ctx.Done():
					Reject(j, ctx.Err())
					return
				}
			}
		}
	}()
	return out
}

// Drain removes and returns every job still buffered. Only meaningful after
// Close, when no consumer is running.
func (q *InMemoryQueue) Drain() []Job {
	var out []Job
	for {
		select {
		case j, ok := <-q.jobs:
			if !ok {
				return out
			}
			out = append(out, j)
		default:
			return out
		}
	}
}

// Len returns the current number of queued jobs.
func (q *InMemoryQueue) Len(context.Context) int {
	size := len(q.jobs)
	metrics.UpdateQueueSize(size)
	return size
}

// Capacity returns the maximum number of queued jobs.
func (q *InMemoryQueue) Capacity() int { return q.capacity }

// Close stops accepting jobs.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	close(q.jobs)
	q.closed = true
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Reject replies to j with err without blocking.
func Reject(j Job, err error) { //nolint:gocritic // hugeParam: mirrors Enqueue
	if j.Reply == nil {
		return
	}
	select {
	case j.Reply <- Result{Err: err}:
	default:
	}
}
