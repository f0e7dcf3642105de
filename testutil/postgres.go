// Package testutil holds shared helpers for tests: a migrated Postgres handle and a fake
// broadcaster API server.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/stream-relay/db"
)

// SetupTestDB opens TEST_PG_DSN, runs the kv migration and truncates the table.
// It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	ctx := context.Background()
	if err := db.Migrate(ctx, database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := database.ExecContext(ctx, `TRUNCATE kv`); err != nil {
		database.Close()
		t.Fatalf("failed to truncate kv: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
