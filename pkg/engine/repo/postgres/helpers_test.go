package postgres_test

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	migrations "github.com/dlcs/protagonist-sub004/db"
)

const testSchema = "engine_test"

// TestDB represents a test database connection
type TestDB struct {
	Pool *pgxpool.Pool
}

// NewTestDB connects to TEST_DATABASE_URL with search_path set to the test schema.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	connString := os.Getenv("TEST_DATABASE_URL")
	if connString == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	cfg, err := pgxpool.ParseConfig(connString)
	require.NoError(t, err, "Failed to parse TEST_DATABASE_URL")
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s; SET search_path TO %s", testSchema, testSchema))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err, "Failed to connect to test database")
	require.NoError(t, pool.Ping(ctx), "Failed to ping test database")

	return &TestDB{Pool: pool}
}

// Setup applies the embedded up migrations.
func (db *TestDB) Setup(t *testing.T) {
	t.Helper()

	up, err := fs.ReadFile(migrations.MigrationsFS, "migrations/0001_init.up.sql")
	require.NoError(t, err)
	_, err = db.Pool.Exec(context.Background(), string(up))
	require.NoError(t, err, "Failed to apply migrations")
}

// Cleanup removes all test data from the database
func (db *TestDB) Cleanup(t *testing.T) {
	t.Helper()

	_, err := db.Pool.Exec(context.Background(), `
		TRUNCATE customer_queues, customer_origin_strategies, image_optimisation_policies,
			thumbnail_policies, customer_storage, image_storage, image_location, assets, batches CASCADE`)
	require.NoError(t, err, "Failed to truncate tables")
}

// Close closes the database connection
func (db *TestDB) Close(t *testing.T) {
	t.Helper()
	db.Pool.Close()
}

// RunTest runs a test with database setup and cleanup
func RunTest(t *testing.T, testFunc func(t *testing.T, db *TestDB)) {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping database test in short mode")
	}

	db := NewTestDB(t)
	defer db.Close(t)

	db.Setup(t)

	t.Run("", func(t *testing.T) {
		db.Cleanup(t)
		testFunc(t, db)
	})
}
