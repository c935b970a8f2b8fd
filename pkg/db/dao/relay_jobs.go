package dao

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/message"
)

// RelayJobDao maps to the 'relay_jobs' table.
type RelayJobDao struct {
	bun.BaseModel `bun:"table:relay_jobs,alias:rj"`
	ID            uuid.UUID              `json:"id" bun:"id,pk,type:uuid"`
	MessageID     string                 `json:"message_id" bun:"message_id,notnull,type:varchar(66)"`
	Payload       *message.BridgeMessage `json:"payload" bun:"payload,notnull,type:jsonb"`
	Status        string                 `json:"status" bun:"status,notnull,type:varchar(16)"`
	AttemptCount  int                    `json:"attempt_count" bun:"attempt_count,notnull,default:0"`
	MaxAttempts   int                    `json:"max_attempts" bun:"max_attempts,notnull"`
	AvailableAt   time.Time              `json:"available_at" bun:"available_at,notnull"`
	StartedAt     *time.Time             `json:"started_at,omitempty" bun:"started_at"`
	LastError     *string                `json:"last_error,omitempty" bun:"last_error,type:text"`
	CreatedAt     time.Time              `json:"created_at" bun:"created_at,notnull,nullzero,default:current_timestamp"`
	UpdatedAt     time.Time              `json:"updated_at" bun:"updated_at,notnull,nullzero,default:current_timestamp"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty" bun:"completed_at"`
}
