// Package idempotency records which bridge messages have been accepted for
// processing and how that processing ended.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// Outcome is the result of CheckAndMark.
type Outcome int

const (
	// FirstSeen means the caller now owns the message and may act on it.
	FirstSeen Outcome = iota
	// AlreadySeen means another claimant owns the message or it is finished.
	AlreadySeen
)

func (o Outcome) String() string {
	if o == FirstSeen {
		return "first_seen"
	}
	return "already_seen"
}

// Status is the processing state of a message.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

var (
	// ErrNotFound is returned when no record exists for a message id.
	ErrNotFound = errors.New("idempotency record not found")
	// ErrDone is returned by Reopen for a message that was already relayed.
	ErrDone = errors.New("idempotency record is done")
)

// Record is the stored state of one message.
type Record struct {
	MessageID string    `json:"message_id"`
	Status    Status    `json:"status"`
	Claim     string    `json:"claim"`
	LastError string    `json:"last_error,omitempty"`
	ClaimedAt time.Time `json:"claimed_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a durable, concurrency safe message id -> status mapping.
//
// CheckAndMark is an atomic check-and-set. A missing record is created as
// pending and owned by claim. A pending record is handed back as FirstSeen to
// the claim that already owns it (a redelivery of the same job) or to any
// claim once the owner has not touched it for the store's stale window. Done
// and failed records always report AlreadySeen.
type Store interface {
	CheckAndMark(ctx context.Context, messageID, claim string) (Outcome, error)
	MarkDone(ctx context.Context, messageID string) error
	MarkFailed(ctx context.Context, messageID, cause string) error
	// Reopen moves a failed record back to pending so any claimant may take
	// it. A pending record is left as is and a done record returns ErrDone.
	Reopen(ctx context.Context, messageID string) error
	Get(ctx context.Context, messageID string) (*Record, error)
}
