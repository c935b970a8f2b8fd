// Package migrations holds migrations related helpers
package migrations

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

const usageText = `Usage:
  go run cmd/*/migrate/*.go <command> [args]

This program runs command on the database. Supported commands are:
  - init - creates migration info table in the database
  - up - runs all available migrations.
  - down - reverts last migration.
  - status - prints migration status.

Examples:
  go run cmd/relayer/migrate/main.go init
  go run cmd/relayer/migrate/main.go -config relayer.yaml up
  go run cmd/relayer/migrate/main.go status
`

// Usage prints command usage
func Usage() {
	fmt.Print(usageText)
	flag.PrintDefaults()
	os.Exit(2)
}

func errorf(s string, args ...any) {
	fmt.Fprintf(os.Stderr, s+"\n", args...)
}

// Exitf exits command printing usage
func Exitf(s string, args ...any) {
	errorf(s, args...)
	Usage()
	os.Exit(1)
}

// CreateSchema creates schema from models
func CreateSchema(ctx context.Context, db bun.IDB, models ...any) error {
	for _, model := range models {
		log.Println("Creating Table for", reflect.TypeOf(model))
		_, err := db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

// DropTables drops tables from database
func DropTables(ctx context.Context, db bun.IDB, models ...any) error {
	for _, model := range models {
		log.Println("Dropping Table for", reflect.TypeOf(model))
		_, err := db.NewDropTable().
			Model(model).
			IfExists().
			Cascade().
			Exec(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

// TruncateTables removes entries from tables
func TruncateTables(ctx context.Context, db bun.IDB, models ...any) error {
	for _, model := range models {
		_, err := db.NewDelete().
			Model(model).
			Where("1=1").
			Exec(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

// CreateModelIndexes creates one index per column on the model's table.
func CreateModelIndexes(ctx context.Context, db bun.IDB, model any, columns ...string) error {
	return createIndexes(ctx, db, model, false, columns)
}

// CreateModelUniqueIndexes creates one unique index per column on the model's table.
func CreateModelUniqueIndexes(ctx context.Context, db bun.IDB, model any, columns ...string) error {
	return createIndexes(ctx, db, model, true, columns)
}

// DropModelIndexes drops indexes created by CreateModelIndexes or
// CreateModelUniqueIndexes.
func DropModelIndexes(ctx context.Context, db bun.IDB, model any, columns ...string) error {
	for _, column := range columns {
		if err := DropModelCompositeIndex(ctx, db, model, column); err != nil {
			return err
		}
	}
	return nil
}

func createIndexes(ctx context.Context, db bun.IDB, model any, unique bool, columns []string) error {
	for _, column := range columns {
		indexName, err := modelIndexName(db, model, column)
		if err != nil {
			return err
		}
		q := db.NewCreateIndex().Model(model).Index(indexName).Column(column).IfNotExists()
		if unique {
			q = q.Unique()
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("create index %s: %w", indexName, err)
		}
	}
	return nil
}

// CreateModelCompositeIndex creates one index spanning several columns of the
// model's table. The index is named idx_<table>_<suffix>.
func CreateModelCompositeIndex(ctx context.Context, db bun.IDB, model any, suffix string, columns ...string) error {
	indexName, err := modelIndexName(db, model, suffix)
	if err != nil {
		return err
	}
	_, err = db.NewCreateIndex().
		Model(model).
		Index(indexName).
		Column(columns...).
		IfNotExists().
		Exec(ctx)
	return err
}

// DropModelCompositeIndex drops an index created by CreateModelCompositeIndex.
func DropModelCompositeIndex(ctx context.Context, db bun.IDB, model any, suffix string) error {
	indexName, err := modelIndexName(db, model, suffix)
	if err != nil {
		return err
	}
	_, err = db.NewDropIndex().
		Model(model).
		Index(indexName).
		IfExists().
		Exec(ctx)
	return err
}

func modelIndexName(db bun.IDB, model any, column string) (string, error) {
	if model == nil {
		return "", fmt.Errorf("model cannot be nil")
	}
	tableName := db.NewCreateIndex().Model(model).GetTableName()
	if tableName == "" {
		return "", fmt.Errorf("failed to resolve table name for model %T", model)
	}

	indexTableName := strings.NewReplacer(`"`, "", ".", "_").Replace(tableName)
	return fmt.Sprintf("idx_%s_%s", indexTableName, column), nil
}

// RunMigrations runs the migration command named by args[0]: init, up, down
// or status. up and down hold the migrator lock while they run.
func RunMigrations(ctx context.Context, migrator *migrate.Migrator, args ...string) error {
	if len(args) == 0 {
		return fmt.Errorf("no command provided")
	}

	switch args[0] {
	case "init":
		if err := migrator.Init(ctx); err != nil {
			return err
		}
		log.Println("migration table created")
		return nil

	case "up":
		return withLock(ctx, migrator, func() error {
			group, err := migrator.Migrate(ctx)
			if err != nil {
				return err
			}
			if group.IsZero() {
				log.Println("database is up to date")
			} else {
				log.Printf("migrated to %s\n", group)
			}
			return nil
		})

	case "down":
		return withLock(ctx, migrator, func() error {
			group, err := migrator.Rollback(ctx)
			if err != nil {
				return err
			}
			if group.IsZero() {
				log.Println("nothing to roll back")
			} else {
				log.Printf("rolled back %s\n", group)
			}
			return nil
		})

	case "status":
		ms, err := migrator.MigrationsWithStatus(ctx)
		if err != nil {
			return err
		}
		log.Printf("applied: %s\n", ms.Applied())
		log.Printf("unapplied: %s\n", ms.Unapplied())
		log.Printf("last group: %s\n", ms.LastGroup())
		return nil

	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func withLock(ctx context.Context, migrator *migrate.Migrator, fn func() error) error {
	if err := migrator.Lock(ctx); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if err := migrator.Unlock(ctx); err != nil {
			log.Printf("release migration lock: %v", err)
		}
	}()
	return fn()
}
