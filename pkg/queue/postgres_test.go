package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun/migrate"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/migrations/relayerdb"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/pgutil"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/queue"
)

func setupPostgresQueue(t *testing.T, opts queue.Options) *queue.PostgresQueue {
	t.Helper()
	ctx := context.Background()

	db, cleanup := pgutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	migrator := migrate.NewMigrator(db, relayerdb.Migrations)
	require.NoError(t, migrator.Init(ctx))
	_, err := migrator.Migrate(ctx)
	require.NoError(t, err)

	q, err := queue.NewPostgresQueue(db, opts)
	require.NoError(t, err)
	return q
}

func TestPostgresQueue_Lifecycle(t *testing.T) {
	ctx := context.Background()
	q := setupPostgresQueue(t, queue.Options{MaxAttempts: 2, Lease: time.Minute})

	msg := testMessage(1)
	job, created, err := q.Enqueue(ctx, msg)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Equal(t, 2, job.MaxAttempts)

	// the same message never produces a second job
	dup, created, err := q.Enqueue(ctx, msg)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, dup.ID)

	// persisted payload survives the round trip
	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Message)
	assert.Equal(t, msg.ID, stored.Message.ID)
	assert.Equal(t, msg.Recipient, stored.Message.Recipient)
	require.NotNil(t, stored.Message.LogIndex)

	leased, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, queue.StatusProcessing, leased[0].Status)
	assert.Equal(t, 1, leased[0].Attempts)

	// a leased job is not handed out twice
	again, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.Retry(ctx, leased[0], 0, "executor unavailable"))
	retrying, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRetrying, retrying.Status)
	assert.Equal(t, "executor unavailable", retrying.LastError)

	leased, err = q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, 2, leased[0].Attempts)

	require.NoError(t, q.Complete(ctx, leased[0]))
	done, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Empty(t, done.LastError)

	// completed is terminal
	assert.ErrorIs(t, q.Fail(ctx, leased[0], "late"), queue.ErrLeaseLost)
}

func TestPostgresQueue_RetryDelay(t *testing.T) {
	ctx := context.Background()
	q := setupPostgresQueue(t, queue.Options{})

	_, _, err := q.Enqueue(ctx, testMessage(2))
	require.NoError(t, err)

	leased, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, 3, leased[0].MaxAttempts)

	require.NoError(t, q.Retry(ctx, leased[0], time.Hour, "later"))
	due, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestPostgresQueue_LeaseExpiryRedelivers(t *testing.T) {
	ctx := context.Background()
	q := setupPostgresQueue(t, queue.Options{Lease: 50 * time.Millisecond})

	_, _, err := q.Enqueue(ctx, testMessage(3))
	require.NoError(t, err)

	first, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	time.Sleep(100 * time.Millisecond)

	second, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 2, second[0].Attempts)

	assert.ErrorIs(t, q.Complete(ctx, first[0]), queue.ErrLeaseLost)
	require.NoError(t, q.Complete(ctx, second[0]))
}

func TestPostgresQueue_ConcurrentDequeue(t *testing.T) {
	ctx := context.Background()
	q := setupPostgresQueue(t, queue.Options{})

	const total = 20
	for i := 0; i < total; i++ {
		_, _, err := q.Enqueue(ctx, testMessage(1000+i))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[uuid.UUID]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := q.Dequeue(ctx, 3)
				if !assert.NoError(t, err) || len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, job := range jobs {
					seen[job.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s leased %d times", id, n)
	}
}

func TestPostgresQueue_FailRequeueAndRelease(t *testing.T) {
	ctx := context.Background()
	q := setupPostgresQueue(t, queue.Options{MaxAttempts: 1})

	job, _, err := q.Enqueue(ctx, testMessage(4))
	require.NoError(t, err)

	assert.ErrorIs(t, q.Requeue(ctx, job.ID), queue.ErrNotFailed)
	assert.ErrorIs(t, q.Requeue(ctx, uuid.New()), queue.ErrNotFound)

	leased, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.NoError(t, q.Fail(ctx, leased[0], "rejected"))

	failed, err := q.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "rejected", failed[0].LastError)

	require.NoError(t, q.Requeue(ctx, job.ID))
	requeued, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, requeued.Status)
	assert.Equal(t, 0, requeued.Attempts)

	leased, err = q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.NoError(t, q.Release(ctx, leased[0]))

	released, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, released.Status)
	assert.Equal(t, 0, released.Attempts)
}

func TestPostgresQueue_PruneAndDepth(t *testing.T) {
	ctx := context.Background()
	q := setupPostgresQueue(t, queue.Options{})

	for i := 0; i < 3; i++ {
		_, _, err := q.Enqueue(ctx, testMessage(2000+i))
		require.NoError(t, err)
	}

	leased, err := q.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, leased, 2)
	require.NoError(t, q.Complete(ctx, leased[0]))
	require.NoError(t, q.Fail(ctx, leased[1], "rejected"))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[queue.Status]int{
		queue.StatusPending:   1,
		queue.StatusCompleted: 1,
		queue.StatusFailed:    1,
	}, depth)

	// retention not yet elapsed
	n, err := q.Prune(ctx, time.Now().Add(-time.Hour), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// failed jobs are kept when no failed retention is given
	n, err = q.Prune(ctx, time.Now().Add(time.Minute), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = q.Prune(ctx, time.Now().Add(time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[queue.Status]int{queue.StatusPending: 1}, depth)
}
