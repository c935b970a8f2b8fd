package migrations

import (
	"context"
	"testing"

	"github.com/uptrace/bun/migrate"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/migrations/relayerdb"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/pgutil"
	mghelper "github.com/chainsafe/cspr-bridge-relayer/pkg/pgutil/migrations"
)

func TestRelayerDBMigrations_Apply(t *testing.T) {
	db, cleanup := pgutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	migrator := migrate.NewMigrator(db, relayerdb.Migrations)

	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	if group.IsZero() {
		t.Error("Expected migrations to run, but none were applied")
	}

	for _, table := range []string{"chain_state", "idempotency_records", "relay_jobs", "bun_migrations"} {
		pgutil.AssertTableExists(t, db, table)
	}

	pgutil.AssertIndexExists(t, db, "idx_idempotency_records_status")
	pgutil.AssertIndexExists(t, db, "idx_relay_jobs_message_id")
	pgutil.AssertIndexExists(t, db, "idx_relay_jobs_status_available_at")
	pgutil.AssertIndexExists(t, db, "idx_relay_jobs_status_updated_at")
}

func TestMigrations_Idempotency(t *testing.T) {
	db, cleanup := pgutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	migrator := migrate.NewMigrator(db, relayerdb.Migrations)

	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("First Migrate() failed: %v", err)
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		t.Fatalf("Second Migrate() failed: %v", err)
	}
	if !group.IsZero() {
		t.Error("Expected no new migrations on second run")
	}
}

func TestMigrations_Rollback(t *testing.T) {
	db, cleanup := pgutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	migrator := migrate.NewMigrator(db, relayerdb.Migrations)

	for _, cmd := range []string{"init", "up", "status"} {
		if err := mghelper.RunMigrations(ctx, migrator, cmd); err != nil {
			t.Fatalf("RunMigrations(%s) failed: %v", cmd, err)
		}
	}
	pgutil.AssertTableExists(t, db, "relay_jobs")

	// all migrations were applied as one group, so one rollback reverts them all
	if err := mghelper.RunMigrations(ctx, migrator, "down"); err != nil {
		t.Fatalf("RunMigrations(down) failed: %v", err)
	}

	pgutil.AssertTableNotExists(t, db, "relay_jobs")
	pgutil.AssertTableNotExists(t, db, "idempotency_records")
	pgutil.AssertTableNotExists(t, db, "chain_state")

	if err := mghelper.RunMigrations(ctx, migrator, "sideways"); err == nil {
		t.Fatal("unknown command should fail")
	}
}
