// Package queuetest provides an in-memory queue.Queue for tests.
package queuetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/message"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/queue"
)

// Queue mirrors the postgres queue semantics in memory. Now can be replaced
// to drive lease expiry and retry delays deterministically.
type Queue struct {
	MaxAttempts int
	Lease       time.Duration
	Now         func() time.Time

	// EnqueueErr, when set, is returned by Enqueue instead of storing the job.
	EnqueueErr func(msg *message.BridgeMessage) error

	mu   sync.Mutex
	jobs map[uuid.UUID]*queue.Job
}

// New returns an empty queue.
func New(maxAttempts int, lease time.Duration) *Queue {
	return &Queue{MaxAttempts: maxAttempts, Lease: lease, Now: time.Now, jobs: map[uuid.UUID]*queue.Job{}}
}

func (q *Queue) Enqueue(_ context.Context, msg *message.BridgeMessage) (*queue.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.EnqueueErr != nil {
		if err := q.EnqueueErr(msg); err != nil {
			return nil, false, err
		}
	}

	for _, job := range q.jobs {
		if job.MessageID == msg.ID {
			return clone(job), false, nil
		}
	}

	now := q.Now()
	job := &queue.Job{
		ID:          uuid.New(),
		MessageID:   msg.ID,
		Message:     msg,
		Status:      queue.StatusPending,
		MaxAttempts: q.MaxAttempts,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.jobs[job.ID] = job
	return clone(job), true, nil
}

func (q *Queue) Dequeue(_ context.Context, limit int) ([]*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.Now()
	var due []*queue.Job
	for _, job := range q.jobs {
		switch job.Status {
		case queue.StatusPending, queue.StatusRetrying:
			if !job.AvailableAt.After(now) {
				due = append(due, job)
			}
		case queue.StatusProcessing:
			if job.StartedAt != nil && !job.StartedAt.After(now.Add(-q.Lease)) {
				due = append(due, job)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].AvailableAt.Equal(due[j].AvailableAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].AvailableAt.Before(due[j].AvailableAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*queue.Job, 0, len(due))
	for _, job := range due {
		started := now
		job.Status = queue.StatusProcessing
		job.StartedAt = &started
		job.Attempts++
		job.UpdatedAt = now
		out = append(out, clone(job))
	}
	return out, nil
}

func (q *Queue) Complete(_ context.Context, job *queue.Job) error {
	return q.settle(job, func(j *queue.Job, now time.Time) {
		j.Status = queue.StatusCompleted
		j.CompletedAt = &now
		j.LastError = ""
	})
}

func (q *Queue) Retry(_ context.Context, job *queue.Job, delay time.Duration, cause string) error {
	return q.settle(job, func(j *queue.Job, now time.Time) {
		j.Status = queue.StatusRetrying
		j.AvailableAt = now.Add(delay)
		j.StartedAt = nil
		j.LastError = cause
	})
}

func (q *Queue) Release(_ context.Context, job *queue.Job) error {
	return q.settle(job, func(j *queue.Job, now time.Time) {
		j.Status = queue.StatusPending
		j.AvailableAt = now
		j.StartedAt = nil
		if j.Attempts > 0 {
			j.Attempts--
		}
	})
}

func (q *Queue) Fail(_ context.Context, job *queue.Job, cause string) error {
	return q.settle(job, func(j *queue.Job, _ time.Time) {
		j.Status = queue.StatusFailed
		j.StartedAt = nil
		j.LastError = cause
	})
}

func (q *Queue) settle(job *queue.Job, fn func(*queue.Job, time.Time)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.jobs[job.ID]
	if !ok {
		return queue.ErrNotFound
	}
	if stored.Status != queue.StatusProcessing || stored.Attempts != job.Attempts {
		return queue.ErrLeaseLost
	}
	now := q.Now()
	fn(stored, now)
	stored.UpdatedAt = now
	return nil
}

func (q *Queue) Get(_ context.Context, id uuid.UUID) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return clone(job), nil
}

func (q *Queue) ListFailed(_ context.Context, limit int) ([]*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*queue.Job
	for _, job := range q.jobs {
		if job.Status == queue.StatusFailed {
			out = append(out, clone(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *Queue) Requeue(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return queue.ErrNotFound
	}
	if job.Status != queue.StatusFailed {
		return queue.ErrNotFailed
	}
	now := q.Now()
	job.Status = queue.StatusPending
	job.Attempts = 0
	job.AvailableAt = now
	job.UpdatedAt = now
	job.StartedAt = nil
	job.LastError = ""
	return nil
}

func (q *Queue) Prune(_ context.Context, completedBefore, failedBefore time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pruned := 0
	for id, job := range q.jobs {
		switch {
		case job.Status == queue.StatusCompleted && job.CompletedAt != nil && job.CompletedAt.Before(completedBefore):
		case job.Status == queue.StatusFailed && !failedBefore.IsZero() && job.UpdatedAt.Before(failedBefore):
		default:
			continue
		}
		delete(q.jobs, id)
		pruned++
	}
	return pruned, nil
}

func (q *Queue) Depth(context.Context) (map[queue.Status]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	depth := map[queue.Status]int{}
	for _, job := range q.jobs {
		depth[job.Status]++
	}
	return depth, nil
}

// Jobs returns a snapshot of every stored job.
func (q *Queue) Jobs() []*queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*queue.Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, clone(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func clone(job *queue.Job) *queue.Job {
	c := *job
	return &c
}
