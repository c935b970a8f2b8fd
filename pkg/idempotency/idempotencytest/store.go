// Package idempotencytest provides an in-memory idempotency.Store for tests.
package idempotencytest

import (
	"context"
	"sync"
	"time"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/idempotency"
)

// Store keeps records in a map guarded by a mutex. It follows the same claim
// rules as the durable stores.
type Store struct {
	StaleAfter time.Duration
	Now        func() time.Time

	mu      sync.Mutex
	records map[string]idempotency.Record
}

// New returns an empty store with a ten minute stale window.
func New() *Store {
	return &Store{StaleAfter: 10 * time.Minute, Now: time.Now, records: map[string]idempotency.Record{}}
}

func (s *Store) CheckAndMark(_ context.Context, messageID, claim string) (idempotency.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	rec, ok := s.records[messageID]
	if !ok {
		s.records[messageID] = idempotency.Record{
			MessageID: messageID,
			Status:    idempotency.StatusPending,
			Claim:     claim,
			ClaimedAt: now,
			UpdatedAt: now,
		}
		return idempotency.FirstSeen, nil
	}
	if rec.Status != idempotency.StatusPending {
		return idempotency.AlreadySeen, nil
	}
	if rec.Claim != claim && rec.ClaimedAt.After(now.Add(-s.StaleAfter)) {
		return idempotency.AlreadySeen, nil
	}
	rec.Claim, rec.ClaimedAt, rec.UpdatedAt = claim, now, now
	s.records[messageID] = rec
	return idempotency.FirstSeen, nil
}

func (s *Store) MarkDone(_ context.Context, messageID string) error {
	return s.update(messageID, func(rec *idempotency.Record) {
		rec.Status = idempotency.StatusDone
		rec.LastError = ""
	})
}

func (s *Store) MarkFailed(_ context.Context, messageID, cause string) error {
	return s.update(messageID, func(rec *idempotency.Record) {
		if rec.Status == idempotency.StatusDone {
			return
		}
		rec.Status = idempotency.StatusFailed
		rec.LastError = cause
	})
}

func (s *Store) Reopen(_ context.Context, messageID string) error {
	var done bool
	err := s.update(messageID, func(rec *idempotency.Record) {
		switch rec.Status {
		case idempotency.StatusDone:
			done = true
		case idempotency.StatusFailed:
			rec.Status = idempotency.StatusPending
			rec.LastError = ""
			rec.ClaimedAt = time.Time{}
		}
	})
	if err != nil {
		return err
	}
	if done {
		return idempotency.ErrDone
	}
	return nil
}

func (s *Store) Get(_ context.Context, messageID string) (*idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[messageID]
	if !ok {
		return nil, idempotency.ErrNotFound
	}
	return &rec, nil
}

// Status returns the status of messageID, or "" when unknown.
func (s *Store) Status(messageID string) idempotency.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[messageID].Status
}

func (s *Store) update(messageID string, fn func(*idempotency.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[messageID]
	if !ok {
		return idempotency.ErrNotFound
	}
	fn(&rec)
	rec.UpdatedAt = s.Now()
	s.records[messageID] = rec
	return nil
}
