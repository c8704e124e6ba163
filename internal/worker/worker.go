// Package worker runs queued pipeline runs one at a time. Services bind fixed
// local ports, so two runs of the same workflow can never overlap.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/livepipe/internal/pipeline"
	"github.com/wolfeidau/livepipe/internal/store"
	"github.com/wolfeidau/livepipe/internal/telemetry"
	"github.com/wolfeidau/livepipe/internal/trigger"
)

const DefaultQueueSize = 16

var (
	ErrQueueFull = errors.New("run queue is full")
	ErrStopped   = errors.New("worker is stopped")
)

// Job is a queued run.
type Job struct {
	RunID    string
	ShortID  string
	Event    trigger.Event
	Force    bool
	QueuedAt time.Time
}

// Runner executes a single pipeline run.
type Runner interface {
	Run(ctx context.Context, ev trigger.Event, opts pipeline.Options) (*store.Run, error)
}

// Worker drains a bounded queue of jobs with a single goroutine.
type Worker struct {
	runner Runner
	opts   pipeline.Options
	jobs   chan Job

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	// onDone is called after each job, used by tests.
	onDone func(Job, *store.Run, error)
}

// New creates a worker. opts are the base options for every run; each job
// sets its own RunID and Force.
func New(runner Runner, queueSize int, opts pipeline.Options) *Worker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Worker{
		runner: runner,
		opts:   opts,
		jobs:   make(chan Job, queueSize),
		done:   make(chan struct{}),
	}
}

// Enqueue adds job to the queue without blocking.
func (w *Worker) Enqueue(ctx context.Context, job Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrStopped
	}

	if job.QueuedAt.IsZero() {
		job.QueuedAt = time.Now().UTC()
	}

	select {
	case w.jobs <- job:
	default:
		return fmt.Errorf("%w: %d pending", ErrQueueFull, len(w.jobs))
	}

	telemetry.GetMetrics().QueueDepth.Add(ctx, 1)

	log.Info().
		Str("run_id", job.RunID).
		Str("event", string(job.Event.Kind)).
		Str("ref", job.Event.Ref).
		Int("pending", len(w.jobs)).
		Msg("Run queued")

	return nil
}

// Pending returns the number of queued jobs not yet started.
func (w *Worker) Pending() int {
	return len(w.jobs)
}

// Start launches the worker goroutine.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrStopped
	}
	if w.started {
		return nil
	}
	w.started = true

	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)

	return nil
}

// Stop cancels the running job, discards queued jobs and waits for the
// worker goroutine to exit.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	started := w.started
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-w.done:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for worker to stop: %w", ctx.Err())
	}

	if n := len(w.jobs); n > 0 {
		log.Warn().Int("discarded", n).Msg("Worker stopped with queued runs")
	}

	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.jobs:
			telemetry.GetMetrics().QueueDepth.Add(ctx, -1)
			w.process(ctx, job)
		}
	}
}

func (w *Worker) process(ctx context.Context, job Job) {
	opts := w.opts
	opts.RunID = job.RunID
	opts.Force = job.Force

	logger := log.With().Str("run_id", job.RunID).Logger()
	logger.Info().Dur("queued_for", time.Since(job.QueuedAt)).Msg("Run dequeued")

	run, err := w.runner.Run(ctx, job.Event, opts)
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("Run could not be recorded")
	default:
		logger.Info().Str("status", string(run.Status)).Msg("Run completed")
	}

	if w.onDone != nil {
		w.onDone(job, run, err)
	}
}
