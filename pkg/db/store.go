// Package db persists watcher cursors.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/uptrace/bun"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/db/dao"
)

// Store reads and advances watcher cursors in the chain_state table.
type Store struct {
	db *bun.DB
}

// NewStore creates a new cursor store
func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

// GetChainState returns the cursor of chainID, or nil when the chain has never
// been processed.
func (s *Store) GetChainState(ctx context.Context, chainID string) (*ChainState, error) {
	row := new(dao.ChainStateDao)
	err := s.db.NewSelect().
		Model(row).
		Where("chain_id = ?", chainID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get chain state: %w", err)
	}

	return &ChainState{
		ChainID:       row.ChainID,
		LastBlock:     uint64(row.LastBlock),
		LastBlockHash: row.LastBlockHash,
		UpdatedAt:     row.UpdatedAt,
	}, nil
}

// SetChainState advances the cursor of chainID. A position lower than the
// stored one is ignored, so the cursor never moves backwards. It reports
// whether the stored cursor changed.
func (s *Store) SetChainState(ctx context.Context, chainID string, block uint64, blockHash string) (bool, error) {
	if block > math.MaxInt64 {
		return false, fmt.Errorf("cursor %d out of range", block)
	}

	row := &dao.ChainStateDao{
		ChainID:       chainID,
		LastBlock:     int64(block),
		LastBlockHash: blockHash,
		UpdatedAt:     time.Now().UTC(),
	}

	res, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (chain_id) DO UPDATE").
		Set("last_block = EXCLUDED.last_block").
		Set("last_block_hash = EXCLUDED.last_block_hash").
		Set("updated_at = EXCLUDED.updated_at").
		Where("cs.last_block < EXCLUDED.last_block").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to set chain state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}
