package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// ChainStateDao maps to the 'chain_state' table. LastBlock holds the watcher
// cursor: a block number on the EVM chain, an event stream id on Casper.
type ChainStateDao struct {
	bun.BaseModel `bun:"table:chain_state,alias:cs"`
	ChainID       string    `json:"chain_id" bun:"chain_id,pk,type:varchar(100)"`
	LastBlock     int64     `json:"last_block" bun:"last_block,notnull"`
	LastBlockHash string    `json:"last_block_hash" bun:"last_block_hash,notnull,type:varchar(255)"`
	UpdatedAt     time.Time `json:"updated_at" bun:"updated_at,notnull,nullzero,default:current_timestamp"`
}
