package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/db/dao"
)

type pgStore struct {
	db         *bun.DB
	staleAfter time.Duration
	now        func() time.Time
}

// NewPostgresStore creates an idempotency store on the idempotency_records table.
func NewPostgresStore(db *bun.DB, staleAfter time.Duration) Store {
	return &pgStore{db: db, staleAfter: staleAfter, now: time.Now}
}

func (s *pgStore) CheckAndMark(ctx context.Context, messageID, claim string) (Outcome, error) {
	now := s.now().UTC()
	row := &dao.IdempotencyRecordDao{
		MessageID: messageID,
		Status:    string(StatusPending),
		Claim:     claim,
		ClaimedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	res, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (message_id) DO UPDATE").
		Set("claim = EXCLUDED.claim").
		Set("claimed_at = EXCLUDED.claimed_at").
		Set("updated_at = EXCLUDED.updated_at").
		Where("ir.status = ?", string(StatusPending)).
		Where("(ir.claim = EXCLUDED.claim OR ir.claimed_at <= ?)", now.Add(-s.staleAfter)).
		Exec(ctx)
	if err != nil {
		return AlreadySeen, fmt.Errorf("failed to check and mark %s: %w", messageID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return AlreadySeen, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return AlreadySeen, nil
	}
	return FirstSeen, nil
}

func (s *pgStore) MarkDone(ctx context.Context, messageID string) error {
	res, err := s.db.NewUpdate().
		Model((*dao.IdempotencyRecordDao)(nil)).
		Set("status = ?", string(StatusDone)).
		Set("last_error = NULL").
		Set("updated_at = ?", s.now().UTC()).
		Where("message_id = ?", messageID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark %s done: %w", messageID, err)
	}
	return requireRow(res)
}

func (s *pgStore) MarkFailed(ctx context.Context, messageID, cause string) error {
	res, err := s.db.NewUpdate().
		Model((*dao.IdempotencyRecordDao)(nil)).
		Set("status = ?", string(StatusFailed)).
		Set("last_error = ?", cause).
		Set("updated_at = ?", s.now().UTC()).
		Where("message_id = ?", messageID).
		Where("status <> ?", string(StatusDone)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark %s failed: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// done is terminal; only a missing record is an error
	_, err = s.Get(ctx, messageID)
	return err
}

func (s *pgStore) Reopen(ctx context.Context, messageID string) error {
	res, err := s.db.NewUpdate().
		Model((*dao.IdempotencyRecordDao)(nil)).
		Set("status = ?", string(StatusPending)).
		Set("last_error = NULL").
		Set("claimed_at = ?", time.Unix(0, 0).UTC()).
		Set("updated_at = ?", s.now().UTC()).
		Where("message_id = ?", messageID).
		Where("status = ?", string(StatusFailed)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to reopen %s: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	rec, err := s.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if rec.Status == StatusDone {
		return ErrDone
	}
	return nil
}

func (s *pgStore) Get(ctx context.Context, messageID string) (*Record, error) {
	row := new(dao.IdempotencyRecordDao)
	err := s.db.NewSelect().
		Model(row).
		Where("message_id = ?", messageID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	rec := &Record{
		MessageID: row.MessageID,
		Status:    Status(row.Status),
		Claim:     row.Claim,
		ClaimedAt: row.ClaimedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if row.LastError != nil {
		rec.LastError = *row.LastError
	}
	return rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
