package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/creasty/defaults"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/db/dao"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/message"
)

// Options tunes the postgres queue.
type Options struct {
	// MaxAttempts is stamped on every new job.
	MaxAttempts int `default:"3"`
	// Lease is how long a job may stay processing before it is redelivered.
	Lease time.Duration `default:"2m"`
}

// PostgresQueue stores jobs in the relay_jobs table. Workers in any number of
// processes may dequeue concurrently; rows are claimed with SKIP LOCKED.
type PostgresQueue struct {
	db   *bun.DB
	opts Options
}

// NewPostgresQueue creates a queue on db. Zero options take their defaults.
func NewPostgresQueue(db *bun.DB, opts Options) (*PostgresQueue, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}
	if err := defaults.Set(&opts); err != nil {
		return nil, fmt.Errorf("failed to apply queue defaults: %w", err)
	}
	return &PostgresQueue{db: db, opts: opts}, nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, msg *message.BridgeMessage) (*Job, bool, error) {
	if msg == nil || msg.ID == "" {
		return nil, false, fmt.Errorf("message without id")
	}

	now := time.Now().UTC()
	row := &dao.RelayJobDao{
		ID:          uuid.New(),
		MessageID:   msg.ID,
		Payload:     msg,
		Status:      string(StatusPending),
		MaxAttempts: q.opts.MaxAttempts,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	res, err := q.db.NewInsert().
		Model(row).
		On("CONFLICT (message_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue message %s: %w", msg.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, false, fmt.Errorf("failed to read affected rows: %w", err)
	} else if n > 0 {
		return toJob(row), true, nil
	}

	existing := new(dao.RelayJobDao)
	if err := q.db.NewSelect().Model(existing).Where("message_id = ?", msg.ID).Scan(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to load existing job for %s: %w", msg.ID, err)
	}
	return toJob(existing), false, nil
}

func (q *PostgresQueue) Dequeue(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	var rows []dao.RelayJobDao
	err := q.db.NewRaw(`
		UPDATE relay_jobs
		SET status = ?,
			started_at = ?,
			updated_at = ?,
			attempt_count = attempt_count + 1
		WHERE id IN (
			SELECT id FROM relay_jobs
			WHERE (status IN (?, ?) AND available_at <= ?)
			   OR (status = ? AND started_at IS NOT NULL AND started_at <= ?)
			ORDER BY available_at ASC, created_at ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`,
		string(StatusProcessing), now, now,
		string(StatusPending), string(StatusRetrying), now,
		string(StatusProcessing), now.Add(-q.opts.Lease),
		limit,
	).Scan(ctx, &rows)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to dequeue jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, toJob(&rows[i]))
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].AvailableAt.Equal(jobs[j].AvailableAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].AvailableAt.Before(jobs[j].AvailableAt)
	})
	return jobs, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	return q.settle(ctx, job, func(uq *bun.UpdateQuery) *bun.UpdateQuery {
		return uq.
			Set("status = ?", string(StatusCompleted)).
			Set("completed_at = ?", now).
			Set("last_error = NULL")
	})
}

func (q *PostgresQueue) Retry(ctx context.Context, job *Job, delay time.Duration, cause string) error {
	availableAt := time.Now().UTC().Add(delay)
	return q.settle(ctx, job, func(uq *bun.UpdateQuery) *bun.UpdateQuery {
		return uq.
			Set("status = ?", string(StatusRetrying)).
			Set("available_at = ?", availableAt).
			Set("started_at = NULL").
			Set("last_error = ?", cause)
	})
}

func (q *PostgresQueue) Release(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	return q.settle(ctx, job, func(uq *bun.UpdateQuery) *bun.UpdateQuery {
		return uq.
			Set("status = ?", string(StatusPending)).
			Set("available_at = ?", now).
			Set("started_at = NULL").
			Set("attempt_count = GREATEST(attempt_count - 1, 0)")
	})
}

func (q *PostgresQueue) Fail(ctx context.Context, job *Job, cause string) error {
	return q.settle(ctx, job, func(uq *bun.UpdateQuery) *bun.UpdateQuery {
		return uq.
			Set("status = ?", string(StatusFailed)).
			Set("started_at = NULL").
			Set("last_error = ?", cause)
	})
}

// settle applies a terminal or retry transition to a job this worker holds.
func (q *PostgresQueue) settle(ctx context.Context, job *Job, set func(*bun.UpdateQuery) *bun.UpdateQuery) error {
	uq := q.db.NewUpdate().
		Model((*dao.RelayJobDao)(nil)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", job.ID).
		Where("status = ?", string(StatusProcessing)).
		Where("attempt_count = ?", job.Attempts)

	res, err := set(uq).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	if _, err := q.Get(ctx, job.ID); err != nil {
		return err
	}
	return ErrLeaseLost
}

func (q *PostgresQueue) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := new(dao.RelayJobDao)
	err := q.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return toJob(row), nil
}

func (q *PostgresQueue) ListFailed(ctx context.Context, limit int) ([]*Job, error) {
	var rows []dao.RelayJobDao
	err := q.db.NewSelect().
		Model(&rows).
		Where("status = ?", string(StatusFailed)).
		Order("updated_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, toJob(&rows[i]))
	}
	return jobs, nil
}

func (q *PostgresQueue) Requeue(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	res, err := q.db.NewUpdate().
		Model((*dao.RelayJobDao)(nil)).
		Set("status = ?", string(StatusPending)).
		Set("attempt_count = 0").
		Set("available_at = ?", now).
		Set("updated_at = ?", now).
		Set("started_at = NULL").
		Set("last_error = NULL").
		Where("id = ?", id).
		Where("status = ?", string(StatusFailed)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotFailed
}

func (q *PostgresQueue) Prune(ctx context.Context, completedBefore, failedBefore time.Time) (int, error) {
	res, err := q.db.NewDelete().
		Model((*dao.RelayJobDao)(nil)).
		Where("status = ?", string(StatusCompleted)).
		Where("completed_at < ?", completedBefore.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to prune completed jobs: %w", err)
	}
	pruned, _ := res.RowsAffected()

	if !failedBefore.IsZero() {
		res, err = q.db.NewDelete().
			Model((*dao.RelayJobDao)(nil)).
			Where("status = ?", string(StatusFailed)).
			Where("updated_at < ?", failedBefore.UTC()).
			Exec(ctx)
		if err != nil {
			return int(pruned), fmt.Errorf("failed to prune failed jobs: %w", err)
		}
		n, _ := res.RowsAffected()
		pruned += n
	}

	return int(pruned), nil
}

func (q *PostgresQueue) Depth(ctx context.Context) (map[Status]int, error) {
	var counts []struct {
		Status string `bun:"status"`
		Count  int    `bun:"count"`
	}
	err := q.db.NewSelect().
		TableExpr("relay_jobs").
		ColumnExpr("status").
		ColumnExpr("count(*) AS count").
		Group("status").
		Scan(ctx, &counts)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	depth := make(map[Status]int, len(counts))
	for _, c := range counts {
		depth[Status(c.Status)] = c.Count
	}
	return depth, nil
}

func toJob(row *dao.RelayJobDao) *Job {
	job := &Job{
		ID:          row.ID,
		MessageID:   row.MessageID,
		Message:     row.Payload,
		Status:      Status(row.Status),
		Attempts:    row.AttemptCount,
		MaxAttempts: row.MaxAttempts,
		AvailableAt: row.AvailableAt,
		StartedAt:   row.StartedAt,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		CompletedAt: row.CompletedAt,
	}
	if row.LastError != nil {
		job.LastError = *row.LastError
	}
	return job
}
