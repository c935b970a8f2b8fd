// Package pgutil opens bun database handles and provides postgres test helpers.
package pgutil

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/config"
)

const defaultPingTimeout = 10 * time.Second

// ConnectDB opens a bun handle for cfg and verifies the connection.
func ConnectDB(ctx context.Context, cfg *config.DatabaseConfig) (*bun.DB, error) {
	// functional options escape special characters in credentials
	connector := pgdriver.NewConnector(
		pgdriver.WithNetwork("tcp"),
		pgdriver.WithAddr(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
		pgdriver.WithUser(cfg.User),
		pgdriver.WithPassword(cfg.Password),
		pgdriver.WithDatabase(cfg.Name),
		pgdriver.WithInsecure(cfg.SSLMode == "disable"),
		pgdriver.WithApplicationName("bridge-relayer"),
	)

	db := bun.NewDB(sql.OpenDB(connector), pgdialect.New())

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", cfg.Name, err)
	}

	return db, nil
}
