package relayer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/chainsafe/cspr-bridge-relayer/internal/metrics"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/amount"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/executor"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/idempotency"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/queue"
)

// Handler relays one queued message: it claims the message in the
// idempotency store, executes the destination action and records the result.
type Handler struct {
	idem     idempotency.Store
	executor executor.Executor
	policy   *amount.Policy
	logger   *zap.Logger
}

var _ queue.Handler = (*Handler)(nil)

// NewHandler creates a relay job handler.
func NewHandler(idem idempotency.Store, exec executor.Executor, policy *amount.Policy, logger *zap.Logger) *Handler {
	return &Handler{
		idem:     idem,
		executor: exec,
		policy:   policy,
		logger:   logger.Named("relay"),
	}
}

// Handle processes one delivery of job.
//
// The claim is the job id, so a redelivery of the same job after a crash
// claims the message again and repeats the executor call with the same
// source reference.
func (h *Handler) Handle(ctx context.Context, job *queue.Job) error {
	msg := job.Message
	if err := msg.Validate(); err != nil {
		return queue.Permanent(fmt.Errorf("invalid message: %w", err))
	}

	logger := h.logger.With(
		zap.String("message_id", msg.ID),
		zap.String("job_id", job.ID.String()),
		zap.String("direction", string(msg.Direction)),
		zap.String("kind", string(msg.Kind)))

	outcome, err := h.idem.CheckAndMark(ctx, msg.ID, job.ID.String())
	if err != nil {
		return fmt.Errorf("idempotency check failed: %w", err)
	}
	metrics.IdempotencyChecks.WithLabelValues(outcome.String()).Inc()
	if outcome == idempotency.AlreadySeen {
		logger.Debug("Message already seen, skipping")
		return nil
	}

	action, err := ResolveAction(msg)
	if err != nil {
		return queue.Permanent(err)
	}
	action.Amount, err = h.policy.Normalize(msg.Amount, msg.Asset, msg.SrcChain, action.TargetChain)
	if err != nil {
		return queue.Permanent(fmt.Errorf("failed to normalize amount: %w", err))
	}

	logger.Info("Executing destination action",
		zap.String("target_chain", string(action.TargetChain)),
		zap.String("action", string(action.Kind)),
		zap.String("recipient", action.Recipient),
		zap.String("asset", action.Asset),
		zap.String("amount", action.Amount))

	res, err := h.executor.Execute(ctx, action)
	if err != nil {
		if !executor.IsRetryable(err) {
			return queue.Permanent(err)
		}
		return err
	}

	if err := h.idem.MarkDone(ctx, msg.ID); err != nil {
		return fmt.Errorf("failed to mark message done: %w", err)
	}

	logger.Info("Message relayed",
		zap.String("reference", res.Reference),
		zap.Bool("duplicate", res.Duplicate))
	return nil
}

// Failed records the terminal failure of job.
func (h *Handler) Failed(ctx context.Context, job *queue.Job, cause error) {
	err := h.idem.MarkFailed(ctx, job.MessageID, cause.Error())
	if err != nil && !errors.Is(err, idempotency.ErrNotFound) {
		h.logger.Error("Failed to mark message failed",
			zap.String("message_id", job.MessageID),
			zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("relay", "mark_failed").Inc()
	}
}
