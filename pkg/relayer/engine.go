package relayer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/creasty/defaults"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chainsafe/cspr-bridge-relayer/internal/metrics"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/amount"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/executor"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/idempotency"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/queue"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/watcher"
)

// ErrAlreadyRelayed is returned by Requeue when the job's message has already
// been executed on the destination chain.
var ErrAlreadyRelayed = errors.New("message already relayed")

// EngineConfig tunes the engine's worker pool and queue maintenance.
type EngineConfig struct {
	Pool queue.PoolConfig
	// CompletedRetention is how long completed jobs are kept.
	CompletedRetention time.Duration `default:"24h"`
	// FailedRetention is how long failed jobs are kept; 0 keeps them.
	FailedRetention time.Duration
	PruneInterval   time.Duration `default:"10m"`
	DepthInterval   time.Duration `default:"15s"`
}

// Engine orchestrates the bridge relayer: watchers feed coordinators, which
// fill the relay queue drained by the worker pool.
type Engine struct {
	cfg      EngineConfig
	watchers []watcher.Watcher
	store    CursorStore
	queue    queue.Queue
	idem     idempotency.Store
	pool     *queue.Pool
	logger   *zap.Logger

	ready atomic.Bool
}

// NewEngine creates a new relayer engine
func NewEngine(
	cfg EngineConfig,
	watchers []watcher.Watcher,
	store CursorStore,
	q queue.Queue,
	idem idempotency.Store,
	exec executor.Executor,
	policy *amount.Policy,
	logger *zap.Logger,
) (*Engine, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply engine defaults: %w", err)
	}
	if len(watchers) == 0 {
		return nil, fmt.Errorf("at least one watcher is required")
	}

	pool, err := queue.NewPool(q, NewHandler(idem, exec, policy, logger), cfg.Pool, logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:      cfg,
		watchers: watchers,
		store:    store,
		queue:    q,
		idem:     idem,
		pool:     pool,
		logger:   logger,
	}, nil
}

// Run starts every watcher from its stored cursor and relays until ctx is
// canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Starting relayer engine", zap.Int("watchers", len(e.watchers)))

	cursors, err := e.loadCursors(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cursors: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	defer e.stopWatchers()

	for i, w := range e.watchers {
		if err := w.Start(gctx, cursors[i]); err != nil {
			return fmt.Errorf("failed to start %s watcher: %w", w.Chain(), err)
		}
		c := NewCoordinator(w, e.queue, e.store, e.pool, e.logger)
		g.Go(func() error {
			return c.Run(gctx)
		})
	}

	g.Go(func() error {
		return e.pool.Run(gctx)
	})
	g.Go(func() error {
		e.maintain(gctx)
		return nil
	})

	e.ready.Store(true)
	e.logger.Info("Relayer engine started")

	err = g.Wait()
	e.ready.Store(false)
	e.logger.Info("Relayer engine stopped")
	return err
}

// IsReady reports whether the engine is running.
func (e *Engine) IsReady() bool {
	return e.ready.Load()
}

func (e *Engine) stopWatchers() {
	for _, w := range e.watchers {
		if err := w.Stop(); err != nil {
			e.logger.Warn("Failed to stop watcher", zap.String("chain", string(w.Chain())), zap.Error(err))
		}
	}
}

// loadCursors loads the last handed-off position of every watcher.
func (e *Engine) loadCursors(ctx context.Context) ([]uint64, error) {
	cursors := make([]uint64, len(e.watchers))
	for i, w := range e.watchers {
		state, err := e.store.GetChainState(ctx, w.ChainID())
		if err != nil {
			return nil, fmt.Errorf("failed to get %s state: %w", w.Chain(), err)
		}
		if state == nil {
			e.logger.Info("No recorded progress", zap.String("chain", string(w.Chain())))
			continue
		}
		cursors[i] = state.LastBlock
		metrics.LastProcessedBlock.WithLabelValues(string(w.Chain())).Set(float64(state.LastBlock))
		e.logger.Info("Loaded cursor",
			zap.String("chain", string(w.Chain())),
			zap.Uint64("cursor", state.LastBlock))
	}
	return cursors, nil
}

// maintain prunes finished jobs and samples queue depth.
func (e *Engine) maintain(ctx context.Context) {
	prune := time.NewTicker(e.cfg.PruneInterval)
	defer prune.Stop()
	depth := time.NewTicker(e.cfg.DepthInterval)
	defer depth.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-prune.C:
			if err := e.prune(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("Failed to prune jobs", zap.Error(err))
				metrics.ErrorsTotal.WithLabelValues("engine", "prune").Inc()
			}
		case <-depth.C:
			if err := e.recordDepth(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("Failed to read queue depth", zap.Error(err))
			}
		}
	}
}

func (e *Engine) prune(ctx context.Context) error {
	now := time.Now()
	var failedBefore time.Time
	if e.cfg.FailedRetention > 0 {
		failedBefore = now.Add(-e.cfg.FailedRetention)
	}

	n, err := e.queue.Prune(ctx, now.Add(-e.cfg.CompletedRetention), failedBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.JobsPruned.Add(float64(n))
		e.logger.Info("Pruned relay jobs", zap.Int("count", n))
	}
	return nil
}

func (e *Engine) recordDepth(ctx context.Context) error {
	depth, err := e.queue.Depth(ctx)
	if err != nil {
		return err
	}
	for _, s := range []queue.Status{
		queue.StatusPending, queue.StatusProcessing, queue.StatusRetrying, queue.StatusCompleted, queue.StatusFailed,
	} {
		metrics.QueueDepth.WithLabelValues(string(s)).Set(float64(depth[s]))
	}
	return nil
}

// ListFailed returns failed jobs for inspection.
func (e *Engine) ListFailed(ctx context.Context, limit int) ([]*queue.Job, error) {
	return e.queue.ListFailed(ctx, limit)
}

// Requeue gives a failed job a fresh attempt budget. The message's
// idempotency record is reopened first so the next delivery may claim it. A
// job whose message was already relayed is refused with ErrAlreadyRelayed.
func (e *Engine) Requeue(ctx context.Context, id uuid.UUID) error {
	job, err := e.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != queue.StatusFailed {
		return queue.ErrNotFailed
	}

	err = e.idem.Reopen(ctx, job.MessageID)
	switch {
	case errors.Is(err, idempotency.ErrDone):
		return fmt.Errorf("%w: %s", ErrAlreadyRelayed, job.MessageID)
	case err != nil && !errors.Is(err, idempotency.ErrNotFound):
		return fmt.Errorf("failed to reopen message %s: %w", job.MessageID, err)
	}

	if err := e.queue.Requeue(ctx, id); err != nil {
		// ErrNotFailed means a concurrent requeue moved the job, which needs
		// the reopened record. Otherwise the job is still failed.
		if !errors.Is(err, queue.ErrNotFailed) {
			e.restoreFailed(ctx, job)
		}
		return err
	}

	e.pool.Notify()
	e.logger.Info("Job requeued",
		zap.String("job_id", id.String()),
		zap.String("message_id", job.MessageID))
	return nil
}

func (e *Engine) restoreFailed(ctx context.Context, job *queue.Job) {
	cause := job.LastError
	if cause == "" {
		cause = "requeue aborted"
	}
	err := e.idem.MarkFailed(ctx, job.MessageID, cause)
	if err != nil && !errors.Is(err, idempotency.ErrNotFound) {
		e.logger.Error("Failed to restore failed message after aborted requeue",
			zap.String("job_id", job.ID.String()),
			zap.String("message_id", job.MessageID),
			zap.Error(err))
	}
}

// MessageStatus returns the idempotency record of a message.
func (e *Engine) MessageStatus(ctx context.Context, messageID string) (*idempotency.Record, error) {
	return e.idem.Get(ctx, messageID)
}
