package executor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/chainsafe/cspr-bridge-relayer/internal/metrics"
)

// DryRun logs actions instead of submitting them. It is used when no executor
// service is configured. The first action per SourceRef is recorded; repeats
// return the recorded result marked as duplicate.
type DryRun struct {
	logger *zap.Logger

	mu      sync.Mutex
	results map[string]*Result
	actions []Action
	calls   int
}

var _ Executor = (*DryRun)(nil)

// NewDryRun creates a dry-run executor.
func NewDryRun(logger *zap.Logger) *DryRun {
	return &DryRun{
		logger:  logger.Named("dry_run_executor"),
		results: map[string]*Result{},
	}
}

func (d *DryRun) Execute(ctx context.Context, action *Action) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Retryable: true, Err: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++

	target, kind := string(action.TargetChain), string(action.Kind)
	if prev, ok := d.results[action.SourceRef]; ok {
		metrics.ActionsTotal.WithLabelValues(target, kind, "duplicate").Inc()
		d.logger.Debug("Dry run action repeated", zap.String("source_ref", action.SourceRef))
		return &Result{Reference: prev.Reference, Duplicate: true}, nil
	}

	res := &Result{Reference: "dry-run:" + action.SourceRef}
	d.results[action.SourceRef] = res
	d.actions = append(d.actions, *action)
	metrics.ActionsTotal.WithLabelValues(target, kind, "success").Inc()

	d.logger.Info("Dry run action",
		zap.String("source_ref", action.SourceRef),
		zap.String("target_chain", target),
		zap.String("target_chain_id", action.TargetChainID),
		zap.String("action", kind),
		zap.String("recipient", action.Recipient),
		zap.String("asset", action.Asset),
		zap.String("amount", action.Amount))
	return &Result{Reference: res.Reference}, nil
}

// Actions returns every distinct action executed, in order.
func (d *DryRun) Actions() []Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Action(nil), d.actions...)
}

// Calls returns how many times Execute was invoked.
func (d *DryRun) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}
