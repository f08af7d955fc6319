// Package dbtest opens the integration-test database.
package dbtest

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dispatch-service/migrations"
	"dispatch-service/pkg/db"
)

// Pool connects to TEST_DATABASE_URL, applies migrations and truncates every
// table. The test is skipped when the variable is unset.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, db.New(pool, zap.NewNop()).RunMigrations(ctx, migrations.FS))
	Truncate(t, pool)
	return pool
}

// Truncate empties all tables.
func Truncate(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`TRUNCATE location_history, service_sessions, service_requests, technician_locations, accounts`)
	require.NoError(t, err)
}
