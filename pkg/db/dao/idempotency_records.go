package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// IdempotencyRecordDao maps to the 'idempotency_records' table.
type IdempotencyRecordDao struct {
	bun.BaseModel `bun:"table:idempotency_records,alias:ir"`
	MessageID     string    `json:"message_id" bun:"message_id,pk,type:varchar(66)"`
	Status        string    `json:"status" bun:"status,notnull,type:varchar(16)"`
	Claim         string    `json:"claim" bun:"claim,notnull,type:varchar(64)"`
	LastError     *string   `json:"last_error,omitempty" bun:"last_error,type:text"`
	ClaimedAt     time.Time `json:"claimed_at" bun:"claimed_at,notnull"`
	CreatedAt     time.Time `json:"created_at" bun:"created_at,notnull,nullzero,default:current_timestamp"`
	UpdatedAt     time.Time `json:"updated_at" bun:"updated_at,notnull,nullzero,default:current_timestamp"`
}
