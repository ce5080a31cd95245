// Package worker runs heatmap synthesis off the request path.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eyesense/gazemap/internal/adapters/mq/queue"
	"github.com/eyesense/gazemap/internal/domain/heatmap"
	"github.com/eyesense/gazemap/internal/domain/model"
	"github.com/eyesense/gazemap/pkg/logger"
	"github.com/eyesense/gazemap/pkg/metrics"
)

const poolShutdownTimeout = 30 * time.Second

// Synthesizer renders one heatmap.
type Synthesizer interface {
	Synthesize(ctx context.Context, in heatmap.Input) (model.HeatmapResult, error)
}

// Queue defines how workers receive jobs.
type Queue interface {
	Enqueue(ctx context.Context, j queue.Job) error
	Dequeue(ctx context.Context) <-chan queue.Job
}

// Worker processes synthesis jobs.
type Worker interface {
	// Run starts the worker loop until ctx is canceled or Shutdown is called.
	Run(ctx context.Context)

	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker for one goroutine.
type InMemoryWorker struct {
	queue Queue
	synth Synthesizer
	name  string

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, synth Synthesizer, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    q,
		synth:    synth,
		name:     "worker",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.OrNop().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case j, ok := <-jobs:
			if !ok {
				return
			}
			w.process(j)
		}
	}
}

// Shutdown gracefully stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (w *InMemoryWorker) process(j queue.Job) { //nolint:gocritic // hugeParam: Job is passed by value for channel semantics
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	ctx := j.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		queue.Reject(j, err)
		return
	}

	res, err := w.synthesize(ctx, j.Input)
	if err != nil {
		w.logger.Error(ctx, "synthesis failed",
			logger.String("job", j.ID),
			logger.String("reason", string(model.ReasonOf(err))),
			logger.Error(err))
	} else {
		w.logger.Debug(ctx, "synthesis done",
			logger.String("job", j.ID),
			logger.Duration("waited", start.Sub(j.EnqueuedAt)),
			logger.Int("retained", res.RetainedCount))
	}
	if j.Reply == nil {
		return
	}
	select {
	case j.Reply <- queue.Result{Heatmap: res, Err: err}:
	default:
		w.logger.Warn(ctx, "reply channel full, result dropped", logger.String("job", j.ID))
	}
}

// Pool manages multiple workers and exposes them as a Synthesizer.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	started atomic.Bool

	shutdown     chan struct{}
	shutdownOnce sync.Once

	logger logger.Logger
}

// NewPool creates a pool of workerCount workers; a count below one means
// one per CPU.
func NewPool(workerCount int, q Queue, synth Synthesizer, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}

	pool := &Pool{
		workers:  make([]*InMemoryWorker, workerCount),
		queue:    q,
		shutdown: make(chan struct{}),
		logger:   logger.OrNop().Named("worker-pool"),
	}
	for i := 0; i < workerCount; i++ {
		wopts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		pool.workers[i] = NewInMemoryWorker(q, synth, wopts...)
	}

	metrics.UpdateWorkerCount(workerCount)
	return pool
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Synthesize enqueues the job and waits for a worker's reply or ctx.
func (p *Pool) Synthesize(ctx context.Context, in heatmap.Input) (model.HeatmapResult, error) {
	reply := make(chan queue.Result, 1)
	j := queue.Job{ID: uuid.NewString(), Ctx: ctx, Input: in, Reply: reply}
	if err := p.queue.Enqueue(ctx, j); err != nil {
		metrics.RecordSynthesisError("enqueue")
		return model.HeatmapResult{}, model.NewPipelineError(model.ReasonSynthesisFailed, fmt.Errorf("enqueue synthesis: %w", err))
	}
	select {
	case r := <-reply:
		return r.Heatmap, r.Err
	case <-ctx.Done():
		return model.HeatmapResult{}, model.NewPipelineError(model.ReasonSynthesisFailed, ctx.Err())
	case <-p.shutdown:
		return model.HeatmapResult{}, model.NewPipelineError(model.ReasonSynthesisFailed, queue.ErrStopped)
	}
}

// Shutdown closes the queue, stops the workers and rejects any job left
// behind.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()
	for i, w := range p.workers {
		if !p.started.Load() {
			break
		}
		if err := w.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		}
	}

	if drainer, ok := p.queue.(interface{ Drain() []queue.Job }); ok {
		for _, j := range drainer.Drain() {
			queue.Reject(j, queue.ErrStopped)
		}
	}
	p.shutdownOnce.Do(func() { close(p.shutdown) })
	metrics.UpdateWorkerCount(0)
	return nil
}

// synthesize keeps a panicking render from taking the pool down with it.
func (w *InMemoryWorker) synthesize(ctx context.Context, in heatmap.Input) (res model.HeatmapResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordSynthesisError("panic")
			res = model.HeatmapResult{}
			err = model.NewPipelineError(model.ReasonSynthesisFailed, fmt.Errorf("synthesis panicked: %v", r))
		}
	}()
	return w.synth.Synthesize(ctx, in)
}
