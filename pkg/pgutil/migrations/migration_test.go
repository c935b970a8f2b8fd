package migrations

import (
	"context"
	"testing"

	"github.com/uptrace/bun"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/config"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/pgutil"
)

type cursorFixture struct {
	bun.BaseModel `bun:"table:cursor_fixture"`
	ID            int64  `bun:",pk,autoincrement"`
	Chain         string `bun:",notnull,type:varchar(100)"`
	Status        string `bun:",notnull,type:varchar(16)"`
	Position      int64  `bun:",notnull"`
}

func TestConnectDB_InvalidHost(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Host:     "invalid-host-that-does-not-exist",
		Port:     5432,
		User:     "test",
		Password: "test",
		Name:     "test",
		SSLMode:  "disable",
	}

	db, err := pgutil.ConnectDB(context.Background(), cfg)
	if err == nil {
		_ = db.Close()
		t.Error("ConnectDB() should fail with invalid host")
	}
}

func TestCreateAndDropSchema(t *testing.T) {
	db, cleanup := pgutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := CreateSchema(ctx, db, &cursorFixture{}); err != nil {
		t.Fatalf("CreateSchema() failed: %v", err)
	}
	pgutil.AssertTableExists(t, db, "cursor_fixture")

	// IfNotExists makes a second run a no-op
	if err := CreateSchema(ctx, db, &cursorFixture{}); err != nil {
		t.Fatalf("second CreateSchema() failed: %v", err)
	}

	if err := DropTables(ctx, db, &cursorFixture{}); err != nil {
		t.Fatalf("DropTables() failed: %v", err)
	}
	if err := DropTables(ctx, db, &cursorFixture{}); err != nil {
		t.Fatalf("DropTables() should tolerate missing tables: %v", err)
	}
}

func TestModelIndexes(t *testing.T) {
	db, cleanup := pgutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := CreateSchema(ctx, db, &cursorFixture{}); err != nil {
		t.Fatalf("CreateSchema() failed: %v", err)
	}

	if err := CreateModelIndexes(ctx, db, &cursorFixture{}, "chain"); err != nil {
		t.Fatalf("CreateModelIndexes() failed: %v", err)
	}
	pgutil.AssertIndexExists(t, db, "idx_cursor_fixture_chain")

	if err := CreateModelCompositeIndex(ctx, db, &cursorFixture{}, "status_position", "status", "position"); err != nil {
		t.Fatalf("CreateModelCompositeIndex() failed: %v", err)
	}
	pgutil.AssertIndexExists(t, db, "idx_cursor_fixture_status_position")

	if err := DropModelIndexes(ctx, db, &cursorFixture{}, "chain"); err != nil {
		t.Fatalf("DropModelIndexes() failed: %v", err)
	}
	if err := DropModelCompositeIndex(ctx, db, &cursorFixture{}, "status_position"); err != nil {
		t.Fatalf("DropModelCompositeIndex() failed: %v", err)
	}
}

func TestTruncateTables(t *testing.T) {
	db, cleanup := pgutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := CreateSchema(ctx, db, &cursorFixture{}); err != nil {
		t.Fatalf("CreateSchema() failed: %v", err)
	}
	rows := []*cursorFixture{
		{Chain: "ethereum", Status: "ok", Position: 10},
		{Chain: "casper", Status: "ok", Position: 20},
	}
	for _, row := range rows {
		if _, err := db.NewInsert().Model(row).Exec(ctx); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	pgutil.AssertRowCount(t, db, "cursor_fixture", 2)

	if err := TruncateTables(ctx, db, &cursorFixture{}); err != nil {
		t.Fatalf("TruncateTables() failed: %v", err)
	}
	pgutil.AssertRowCount(t, db, "cursor_fixture", 0)
}
