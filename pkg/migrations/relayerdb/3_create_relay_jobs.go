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
		log.Println("creating relay_jobs table...")
		if err := mghelper.CreateSchema(ctx, db, &dao.RelayJobDao{}); err != nil {
			return err
		}
		if err := mghelper.CreateModelUniqueIndexes(ctx, db, &dao.RelayJobDao{}, "message_id"); err != nil {
			return err
		}
		// dequeue scans by status and due time, pruning by status and completion time
		if err := mghelper.CreateModelCompositeIndex(ctx, db, &dao.RelayJobDao{},
			"status_available_at", "status", "available_at"); err != nil {
			return err
		}
		return mghelper.CreateModelCompositeIndex(ctx, db, &dao.RelayJobDao{},
			"status_updated_at", "status", "updated_at")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping relay_jobs table...")
		return mghelper.DropTables(ctx, db, &dao.RelayJobDao{})
	})
}
