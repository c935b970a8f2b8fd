package db

import (
	"time"
)

// ChainState is the durable watcher cursor of one chain.
type ChainState struct {
	ChainID       string
	LastBlock     uint64
	LastBlockHash string
	UpdatedAt     time.Time
}
