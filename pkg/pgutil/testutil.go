package pgutil

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/uptrace/bun"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/config"
)

const (
	testImage          = "postgres:15-alpine"
	testConnectTimeout = 30 * time.Second
)

// RequireDockerAccess skips the test when no docker daemon socket answers.
func RequireDockerAccess(t *testing.T) {
	t.Helper()

	for _, sock := range []string{
		"/var/run/docker.sock",
		filepath.Join(os.Getenv("HOME"), ".docker/run/docker.sock"),
	} {
		conn, err := (&net.Dialer{Timeout: time.Second}).DialContext(context.Background(), "unix", sock)
		if err == nil {
			_ = conn.Close()
			return
		}
	}

	t.Skip("docker daemon socket is not accessible; skipping testcontainer-backed test")
}

// SetupTestDB starts a throwaway PostgreSQL container and connects to it.
// The returned func closes the connection and removes the container.
func SetupTestDB(t *testing.T) (*bun.DB, func()) {
	t.Helper()
	RequireDockerAccess(t)
	ctx := context.Background()

	container, err := postgres.Run(ctx, testImage,
		postgres.WithDatabase("relayer_test"),
		postgres.WithUsername("relayer"),
		postgres.WithPassword("relayer"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	terminate := func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	}

	host, err := container.Host(ctx)
	if err != nil {
		terminate()
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		terminate()
		t.Fatalf("container port: %v", err)
	}

	cfg := &config.DatabaseConfig{
		Host:     host,
		Port:     port.Int(),
		User:     "relayer",
		Password: "relayer",
		Name:     "relayer_test",
		SSLMode:  "disable",
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = testConnectTimeout

	var db *bun.DB
	err = backoff.Retry(func() error {
		var connErr error
		db, connErr = ConnectDB(ctx, cfg)
		return connErr
	}, backoff.WithContext(b, ctx))
	if err != nil {
		terminate()
		t.Fatalf("connect to test database: %v", err)
	}

	return db, func() {
		_ = db.Close()
		terminate()
	}
}

// AssertTableExists fails the test if the public table is missing.
func AssertTableExists(t *testing.T, db *bun.DB, tableName string) {
	t.Helper()
	if !tableExists(t, db, tableName) {
		t.Errorf("table %s does not exist", tableName)
	}
}

// AssertTableNotExists fails the test if the public table is present.
func AssertTableNotExists(t *testing.T, db *bun.DB, tableName string) {
	t.Helper()
	if tableExists(t, db, tableName) {
		t.Errorf("table %s should not exist", tableName)
	}
}

// AssertIndexExists fails the test if the public index is missing.
func AssertIndexExists(t *testing.T, db *bun.DB, indexName string) {
	t.Helper()
	if !exists(t, db, "SELECT 1 FROM pg_indexes WHERE schemaname = 'public' AND indexname = ?", indexName) {
		t.Errorf("index %s does not exist", indexName)
	}
}

func tableExists(t *testing.T, db *bun.DB, tableName string) bool {
	t.Helper()
	return exists(t, db, "SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = ?", tableName)
}

func exists(t *testing.T, db *bun.DB, query string, arg string) bool {
	t.Helper()

	var found bool
	err := db.NewSelect().
		ColumnExpr("EXISTS ("+query+")", arg).
		Scan(context.Background(), &found)
	if err != nil {
		t.Fatalf("existence query: %v", err)
	}
	return found
}

// AssertRowCount fails the test unless tableName holds exactly expected rows.
func AssertRowCount(t *testing.T, db *bun.DB, tableName string, expected int) {
	t.Helper()

	count, err := db.NewSelect().TableExpr("?", bun.Ident(tableName)).Count(context.Background())
	if err != nil {
		t.Fatalf("count rows in %s: %v", tableName, err)
	}
	if count != expected {
		t.Errorf("table %s: expected %d rows, got %d", tableName, expected, count)
	}
}
