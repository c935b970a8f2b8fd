// Package executor submits relay actions to the destination chain.
//
// The relayer decides what has to happen on the destination chain and hands
// that decision to an Executor. Signing and submitting the transaction is the
// executor's job; implementations must treat SourceRef as an idempotency key
// because the same action is delivered again after a crash or a retry.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/message"
)

// ActionKind is the destination chain operation.
type ActionKind string

const (
	ActionMint     ActionKind = "mint"
	ActionRelease  ActionKind = "release"
	ActionFinalize ActionKind = "finalize"
)

// Action is one destination chain operation derived from a bridge message.
type Action struct {
	TargetChain   message.Chain     `json:"target_chain"`
	TargetChainID string            `json:"target_chain_id"`
	Kind          ActionKind        `json:"action"`
	Direction     message.Direction `json:"direction"`
	Recipient     string            `json:"recipient"`
	Asset         string            `json:"asset"`
	// Amount is in the destination chain's base units.
	Amount string `json:"amount"`
	// SourceRef is the id of the bridge message the action completes.
	SourceRef string `json:"source_ref"`
}

// Result describes an accepted action.
type Result struct {
	Reference string `json:"reference"`
	// Duplicate is set when the action had already been accepted for the
	// same SourceRef.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Executor performs actions on the destination chain.
type Executor interface {
	Execute(ctx context.Context, action *Action) (*Result, error)
}

// Error is a failed execution.
type Error struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("executor returned status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("executor request failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err may succeed on another attempt. Errors not
// produced by an executor are treated as retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}
