package relayerdb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/db/dao"
	mghelper "github.com/chainsafe/cspr-bridge-relayer/pkg/pgutil/migrations"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating idempotency_records table...")
		if err := mghelper.CreateSchema(ctx, db, &dao.IdempotencyRecordDao{}); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &dao.IdempotencyRecordDao{}, "status")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping idempotency_records table...")
		return mghelper.DropTables(ctx, db, &dao.IdempotencyRecordDao{})
	})
}
