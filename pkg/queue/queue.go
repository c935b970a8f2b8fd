// Package queue is the durable relay job queue and its worker pool.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/message"
)

// Status is the delivery state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var (
	// ErrNotFound is returned when a job id is unknown.
	ErrNotFound = errors.New("job not found")
	// ErrLeaseLost is returned when a job was reclaimed by another worker
	// before the caller reported its result.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrNotFailed is returned when requeueing a job that is not failed.
	ErrNotFailed = errors.New("job is not in failed state")
	// ErrAttemptsExhausted is recorded on jobs redelivered past their budget.
	ErrAttemptsExhausted = errors.New("max attempts exhausted")
)

// Job wraps one bridge message with its delivery metadata. Attempts counts
// deliveries, including the one in progress.
type Job struct {
	ID          uuid.UUID              `json:"id"`
	MessageID   string                 `json:"message_id"`
	Message     *message.BridgeMessage `json:"message"`
	Status      Status                 `json:"status"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"max_attempts"`
	AvailableAt time.Time              `json:"available_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	LastError   string                 `json:"last_error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Queue is a durable at-least-once job queue.
//
// Enqueue returns only after the job is persisted. At most one job exists per
// message id; enqueueing a known message returns the existing job and false.
// Dequeue leases up to limit due jobs and counts a delivery attempt on each;
// a job whose lease expired while processing is delivered again. Complete,
// Retry, Release and Fail are fenced on the attempt the caller was handed.
type Queue interface {
	Enqueue(ctx context.Context, msg *message.BridgeMessage) (*Job, bool, error)
	Dequeue(ctx context.Context, limit int) ([]*Job, error)
	Complete(ctx context.Context, job *Job) error
	Retry(ctx context.Context, job *Job, delay time.Duration, cause string) error
	// Release hands a job back without consuming the attempt.
	Release(ctx context.Context, job *Job) error
	Fail(ctx context.Context, job *Job, cause string) error
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	ListFailed(ctx context.Context, limit int) ([]*Job, error)
	// Requeue resets a failed job to pending with a fresh attempt budget.
	Requeue(ctx context.Context, id uuid.UUID) error
	// Prune deletes completed jobs finished before completedBefore and, when
	// failedBefore is non-zero, failed jobs last touched before it.
	Prune(ctx context.Context, completedBefore, failedBefore time.Time) (int, error)
	Depth(ctx context.Context) (map[Status]int, error)
}

// Backoff returns the delay before retrying after the given attempt:
// base * 2^(attempt-1), capped at maxDelay.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job fails immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
