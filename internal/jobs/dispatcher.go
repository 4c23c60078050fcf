package jobs

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jonathan/financial-analyzer/internal/logging"
)

// ErrQueueClosed is returned by Submit after Shutdown has begun.
var ErrQueueClosed = errors.New("job queue is shutting down")

// TaskRunner runs one task. *Runner implements it.
type TaskRunner interface {
	Run(ctx context.Context, task Task) error
}

// Dispatcher feeds tasks from a bounded queue to a fixed set of workers.
type Dispatcher struct {
	runner  TaskRunner
	logger  zerolog.Logger
	workers int
	baseCtx context.Context

	ch      chan Task
	done    chan struct{}
	wg      sync.WaitGroup
	senders sync.WaitGroup
	once    sync.Once

	mu     sync.RWMutex
	closed bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the number of concurrent jobs.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithQueueSize sets how many tasks may wait before Submit blocks.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.ch = make(chan Task, n)
		}
	}
}

// WithBaseContext sets the context tasks run under. Defaults to context.Background.
func WithBaseContext(ctx context.Context) Option {
	return func(d *Dispatcher) {
		if ctx != nil {
			d.baseCtx = ctx
		}
	}
}

// NewDispatcher creates a Dispatcher and starts its workers.
func NewDispatcher(runner TaskRunner, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		runner:  runner,
		logger:  logging.Component(logger, "dispatcher"),
		workers: 2,
		baseCtx: context.Background(),
		ch:      make(chan Task, 64),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.start()
	return d
}

func (d *Dispatcher) start() {
	d.once.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go func(workerID int) {
				defer d.wg.Done()
				d.logger.Debug().Int("worker_id", workerID).Msg("worker started")

				for task := range d.ch {
					d.runTask(workerID, task)
				}

				d.logger.Debug().Int("worker_id", workerID).Msg("worker stopped")
			}(i + 1)
		}
	})
}

func (d *Dispatcher) runTask(workerID int, task Task) {
	log := d.logger.With().Int("worker_id", workerID).Str(logging.FieldJobID, task.JobID.String()).Logger()
	defer func() {
		// Runner recovers its own panics; this guards the worker from anything else.
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("task panicked")
		}
	}()

	if err := d.runner.Run(d.baseCtx, task); err != nil {
		if errors.Is(err, ErrJobNotClaimable) {
			log.Warn().Err(err).Msg("task skipped")
			return
		}
		log.Error().Err(err).Msg("task failed")
	}
}

// Submit queues a task. It blocks while the queue is full, until ctx is done
// or Shutdown begins.
func (d *Dispatcher) Submit(ctx context.Context, task Task) error {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrQueueClosed
	}
	// ch stays open until every registered sender has returned.
	d.senders.Add(1)
	d.mu.RUnlock()
	defer d.senders.Done()

	select {
	case d.ch <- task:
		d.logger.Debug().Str(logging.FieldJobID, task.JobID.String()).Msg("task queued")
		return nil
	default:
	}

	d.logger.Warn().Str(logging.FieldJobID, task.JobID.String()).Msg("queue full, applying backpressure")
	select {
	case d.ch <- task:
		return nil
	case <-d.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish or ctx to end.
// Submits blocked on a full queue return ErrQueueClosed. When ctx ends first the
// workers keep running; cancel the base context and call Wait to stop them.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()

	d.senders.Wait()
	close(d.ch)

	drained := make(chan struct{})
	go func() { defer close(drained); d.wg.Wait() }()

	select {
	case <-ctx.Done():
		d.logger.Warn().Msg("shutdown interrupted by context")
		return ctx.Err()
	case <-drained:
		d.logger.Info().Msg("queue drained, shutdown complete")
		return nil
	}
}

// Wait blocks until every worker has exited. Call it after Shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
