package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creasty/defaults"
	"go.uber.org/zap"

	"github.com/chainsafe/cspr-bridge-relayer/internal/metrics"
)

// Handler processes one delivery of a job. Returning nil completes the job;
// an error marked Permanent fails it at once, any other error is retried.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
	// Failed is called after a job moved to the failed state.
	Failed(ctx context.Context, job *Job, cause error)
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Concurrency    int           `default:"4"`
	BaseBackoff    time.Duration `default:"1s"`
	MaxBackoff     time.Duration `default:"5m"`
	PollInterval   time.Duration `default:"1s"`
	HandlerTimeout time.Duration `default:"1m"`
}

// Pool runs at most Concurrency handlers at a time over jobs leased from a
// queue. A job is held by one worker per delivery, so retries of the same job
// never overlap.
type Pool struct {
	queue   Queue
	handler Handler
	cfg     PoolConfig
	logger  *zap.Logger

	sem  chan struct{}
	wake chan struct{}
	wg   sync.WaitGroup
}

// NewPool creates a worker pool. Zero config fields take their defaults.
func NewPool(q Queue, h Handler, cfg PoolConfig, logger *zap.Logger) (*Pool, error) {
	if q == nil || h == nil {
		return nil, fmt.Errorf("queue and handler are required")
	}
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply pool defaults: %w", err)
	}
	return &Pool{
		queue:   q,
		handler: h,
		cfg:     cfg,
		logger:  logger.Named("queue"),
		sem:     make(chan struct{}, cfg.Concurrency),
		wake:    make(chan struct{}, 1),
	}, nil
}

// Notify wakes the pool before the next poll, e.g. after an enqueue.
func (p *Pool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run leases and dispatches jobs until ctx is canceled, then waits for the
// in-flight handlers to finish.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Starting worker pool",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Duration("poll_interval", p.cfg.PollInterval))

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		free := cap(p.sem) - len(p.sem)
		if free > 0 && ctx.Err() == nil {
			jobs, err := p.queue.Dequeue(ctx, free)
			if err != nil && ctx.Err() == nil {
				p.logger.Error("Failed to dequeue jobs", zap.Error(err))
				metrics.ErrorsTotal.WithLabelValues("queue", "dequeue").Inc()
			}
			for _, job := range jobs {
				p.sem <- struct{}{}
				p.wg.Add(1)
				go p.process(ctx, job)
			}
			// a full batch usually means more work is due
			if len(jobs) == free {
				continue
			}
		}

		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.logger.Info("Worker pool stopped")
			return nil
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

func (p *Pool) process(ctx context.Context, job *Job) {
	defer func() {
		<-p.sem
		p.wg.Done()
		p.Notify()
	}()

	logger := p.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("message_id", job.MessageID),
		zap.Int("attempt", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts))

	// bookkeeping must land even while shutting down
	bookCtx := context.WithoutCancel(ctx)

	if job.Attempts > job.MaxAttempts {
		logger.Warn("Job redelivered past its attempt budget")
		p.fail(bookCtx, logger, job, ErrAttemptsExhausted)
		return
	}

	start := time.Now()
	err := p.invoke(ctx, job)
	elapsed := time.Since(start).Seconds()

	switch {
	case err == nil:
		if err := p.queue.Complete(bookCtx, job); err != nil {
			p.settleError(logger, "complete", err)
			return
		}
		metrics.JobsTotal.WithLabelValues("completed").Inc()
		metrics.JobDuration.WithLabelValues("completed").Observe(elapsed)
		logger.Debug("Job completed")

	case ctx.Err() != nil:
		// interrupted by shutdown; hand the job back without spending the attempt
		if err := p.queue.Release(bookCtx, job); err != nil {
			p.settleError(logger, "release", err)
			return
		}
		metrics.JobsTotal.WithLabelValues("released").Inc()
		logger.Info("Job released on shutdown", zap.Error(err))

	case IsPermanent(err) || job.Attempts >= job.MaxAttempts:
		metrics.JobDuration.WithLabelValues("failed").Observe(elapsed)
		p.fail(bookCtx, logger, job, err)

	default:
		delay := Backoff(job.Attempts, p.cfg.BaseBackoff, p.cfg.MaxBackoff)
		if err := p.queue.Retry(bookCtx, job, delay, err.Error()); err != nil {
			p.settleError(logger, "retry", err)
			return
		}
		metrics.JobsTotal.WithLabelValues("retried").Inc()
		metrics.JobDuration.WithLabelValues("retried").Observe(elapsed)
		logger.Warn("Job failed, scheduled retry", zap.Duration("delay", delay), zap.Error(err))
	}
}

// invoke runs the handler under the per-delivery timeout and turns a panic
// into an ordinary error.
func (p *Pool) invoke(ctx context.Context, job *Job) (err error) {
	hctx, cancel := context.WithTimeout(ctx, p.cfg.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return p.handler.Handle(hctx, job)
}

func (p *Pool) fail(ctx context.Context, logger *zap.Logger, job *Job, cause error) {
	if err := p.queue.Fail(ctx, job, cause.Error()); err != nil {
		p.settleError(logger, "fail", err)
		return
	}
	metrics.JobsTotal.WithLabelValues("failed").Inc()
	logger.Error("Job moved to failed state", zap.Error(cause))
	p.handler.Failed(ctx, job, cause)
}

func (p *Pool) settleError(logger *zap.Logger, op string, err error) {
	if errors.Is(err, ErrLeaseLost) {
		metrics.JobsTotal.WithLabelValues("lease_lost").Inc()
		logger.Warn("Job lease lost before result was recorded", zap.String("op", op))
		return
	}
	metrics.ErrorsTotal.WithLabelValues("queue", op).Inc()
	logger.Error("Failed to record job result", zap.String("op", op), zap.Error(err))
}
