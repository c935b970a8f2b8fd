package relayer

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/chainsafe/cspr-bridge-relayer/internal/metrics"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/db"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/queue"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/watcher"
)

// CursorStore persists watcher progress per chain.
type CursorStore interface {
	GetChainState(ctx context.Context, chainID string) (*db.ChainState, error)
	SetChainState(ctx context.Context, chainID string, block uint64, blockHash string) (bool, error)
}

// Notifier is woken after a new job is enqueued.
type Notifier interface {
	Notify()
}

// Coordinator hands the output of one watcher to the relay queue. Each
// message is durably enqueued before the cursor that covers it is stored, so
// a restart never skips an event.
type Coordinator struct {
	watcher  watcher.Watcher
	queue    queue.Queue
	store    CursorStore
	notifier Notifier
	logger   *zap.Logger
	chain    string

	maxRetryInterval time.Duration
}

// NewCoordinator creates the handoff loop for w.
func NewCoordinator(w watcher.Watcher, q queue.Queue, store CursorStore, notifier Notifier, logger *zap.Logger) *Coordinator {
	chain := string(w.Chain())
	return &Coordinator{
		watcher:          w,
		queue:            q,
		store:            store,
		notifier:         notifier,
		logger:           logger.Named("coordinator").With(zap.String("chain", chain), zap.String("chain_id", w.ChainID())),
		chain:            chain,
		maxRetryInterval: 30 * time.Second,
	}
}

// Run consumes emissions until the watcher closes its channel or ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("Starting coordinator")

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-c.watcher.Emissions():
			if !ok {
				c.logger.Info("Watcher stopped, coordinator exiting")
				return nil
			}
			if err := c.handoff(ctx, e); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (c *Coordinator) handoff(ctx context.Context, e watcher.Emission) error {
	if !e.Checkpoint() {
		if err := c.enqueue(ctx, e); err != nil {
			return err
		}
	}
	c.advance(ctx, e.Cursor)
	return nil
}

// enqueue retries until the message is persisted. A message that cannot be
// relayed at all is dropped with an error log.
func (c *Coordinator) enqueue(ctx context.Context, e watcher.Emission) error {
	msg := e.Message
	logger := c.logger.With(zap.String("message_id", msg.ID), zap.String("src_tx_hash", msg.SrcTxHash))

	if err := msg.Validate(); err != nil {
		logger.Error("Dropping invalid message", zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("coordinator", "invalid_message").Inc()
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = c.maxRetryInterval
	b.MaxElapsedTime = 0

	var (
		job     *queue.Job
		created bool
	)
	op := func() error {
		var err error
		job, created, err = c.queue.Enqueue(ctx, msg)
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Failed to enqueue message, retrying", zap.Duration("backoff", wait), zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("coordinator", "enqueue").Inc()
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("failed to enqueue message %s: %w", msg.ID, err)
	}

	if !created {
		metrics.MessagesEnqueued.WithLabelValues(c.chain, "duplicate").Inc()
		logger.Debug("Message already queued", zap.String("job_id", job.ID.String()))
		return nil
	}

	metrics.MessagesEnqueued.WithLabelValues(c.chain, "new").Inc()
	logger.Info("Message queued",
		zap.String("job_id", job.ID.String()),
		zap.String("direction", string(msg.Direction)),
		zap.String("kind", string(msg.Kind)),
		zap.String("amount", msg.Amount))
	c.notifier.Notify()
	return nil
}

// advance stores the cursor. A failed write is only logged: the next
// emission carries a cursor at least as high.
func (c *Coordinator) advance(ctx context.Context, cursor uint64) {
	if cursor == 0 {
		return
	}
	changed, err := c.store.SetChainState(ctx, c.watcher.ChainID(), cursor, "")
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("Failed to store cursor", zap.Uint64("cursor", cursor), zap.Error(err))
			metrics.ErrorsTotal.WithLabelValues("coordinator", "cursor").Inc()
		}
		return
	}
	if changed {
		metrics.LastProcessedBlock.WithLabelValues(c.chain).Set(float64(cursor))
	}
}
