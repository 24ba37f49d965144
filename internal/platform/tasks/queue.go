// Package tasks provides the in-process task queue the ingestion pipeline
// hands work to: a bounded worker pool with per-job retry policies and
// at-least-once execution semantics.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Job is one schedulable unit of work. Jobs must be safe to run more than
// once; the pool re-invokes a failing job according to its retry policy.
type Job func(ctx context.Context) error

// RetryPolicy bounds how often a failing job is re-run. Delay receives the
// 1-based number of the attempt that just failed.
type RetryPolicy struct {
	MaxAttempts int
	Delay       func(attempt int) time.Duration
}

// FixedDelay returns a delay function that always waits d.
func FixedDelay(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// ExponentialDelay returns a delay function that doubles the base delay for
// every failed attempt: base, 2*base, 4*base, ...
func ExponentialDelay(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		return d
	}
}

// Queue is the scheduling collaborator consumed by the domain services.
// Enqueue is fire-and-forget; delivery is at least once.
type Queue interface {
	Enqueue(name string, job Job, policy RetryPolicy) error
}

// NopQueue discards every job. Used by one-shot CLI commands that wire the
// services but never schedule background work.
type NopQueue struct{}

func (NopQueue) Enqueue(name string, job Job, policy RetryPolicy) error { return nil }

// ErrQueueFull is returned by Enqueue when the submission buffer is full.
var ErrQueueFull = errors.New("task queue full")

// ErrQueueClosed is returned by Enqueue after Shutdown.
var ErrQueueClosed = errors.New("task queue closed")

type task struct {
	name   string
	job    Job
	policy RetryPolicy
}

// WorkerPool runs enqueued jobs on a fixed set of workers.
type WorkerPool struct {
	jobs   chan task
	logger zerolog.Logger

	workers int
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkerPool creates a pool with the given worker count and submission
// buffer size. Call Start before enqueuing.
func NewWorkerPool(workers, buffer int, logger zerolog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if buffer < 1 {
		buffer = 1
	}
	return &WorkerPool{
		jobs:    make(chan task, buffer),
		logger:  logger.With().Str("component", "tasks").Logger(),
		workers: workers,
	}
}

// Start launches the workers. The provided context is passed to every job;
// cancelling it aborts retry waits.
func (p *WorkerPool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for t := range p.jobs {
				p.run(t)
			}
		}()
	}
}

// Enqueue submits a job. It never blocks; a full buffer is reported as
// ErrQueueFull and the caller decides whether that is fatal.
func (p *WorkerPool) Enqueue(name string, job Job, policy RetryPolicy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrQueueClosed
	}
	select {
	case p.jobs <- task{name: name, job: job, policy: policy}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting work and waits for in-flight jobs to finish or
// the context to expire.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if p.cancel != nil {
			p.cancel()
		}
		return ctx.Err()
	}
}

// run executes one task, re-running it per its retry policy until it
// succeeds or the attempt budget is spent.
func (p *WorkerPool) run(t task) {
	attempts := t.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		err := t.job(p.ctx)
		if err == nil {
			return
		}

		if attempt < attempts {
			p.logger.Warn().
				Str("task", t.name).
				Int("attempt", attempt).
				Int("max_attempts", attempts).
				Err(err).
				Msg("task attempt failed, will retry")
			if t.policy.Delay != nil {
				select {
				case <-time.After(t.policy.Delay(attempt)):
				case <-p.ctx.Done():
					return
				}
			}
			continue
		}

		p.logger.Error().
			Str("task", t.name).
			Int("attempts", attempts).
			Err(err).
			Msg("task failed after exhausting retry budget")
	}
}
