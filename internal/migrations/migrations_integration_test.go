//go:build integration

package migrations

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("migration_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute)),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() { testcontainers.CleanupContainer(t, container) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

func TestApplyMigrations_PostgreSQL_Integration(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("pgx", startPostgres(t))
	require.NoError(t, err)
	defer db.Close()

	applied, err := ApplyMigrations(ctx, db, "postgresql", schemaFS)
	require.NoError(t, err)
	assert.Len(t, applied, 1)

	var version int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT version FROM odeon_schema_version WHERE id = 1").Scan(&version))
	assert.Equal(t, 4, version)

	again, err := ApplyMigrations(ctx, db, "postgresql", schemaFS)
	require.NoError(t, err)
	assert.Empty(t, again)

	rolled, err := RollbackLast(ctx, db, "postgresql", schemaFS)
	require.NoError(t, err)
	assert.Equal(t, applied[0], rolled)
}

func TestApplyMigrations_MultiNode_PostgreSQL_Integration(t *testing.T) {
	ctx := context.Background()
	connStr := startPostgres(t)

	const numNodes = 5
	results := make(chan error, numNodes)
	for i := 0; i < numNodes; i++ {
		go func() {
			db, err := sql.Open("pgx", connStr)
			if err != nil {
				results <- err
				return
			}
			defer db.Close()
			_, err = ApplyMigrations(ctx, db, "postgresql", schemaFS)
			results <- err
		}()
	}
	for i := 0; i < numNodes; i++ {
		assert.NoError(t, <-results)
	}

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestApplyMigrations_MySQL_Integration(t *testing.T) {
	ctx := context.Background()
	container, err := mysql.Run(ctx,
		"mysql:8.0",
		mysql.WithDatabase("migration_test"),
		mysql.WithUsername("test"),
		mysql.WithPassword("test"),
	)
	require.NoError(t, err, "failed to start MySQL container")
	t.Cleanup(func() { testcontainers.CleanupContainer(t, container) })

	connStr, err := container.ConnectionString(ctx, "multiStatements=true")
	require.NoError(t, err)

	db, err := sql.Open("mysql", connStr)
	require.NoError(t, err)
	defer db.Close()
	require.Eventually(t, func() bool { return db.PingContext(ctx) == nil }, 30*time.Second, time.Second)

	applied, err := ApplyMigrations(ctx, db, "mysql", schemaFS)
	require.NoError(t, err)
	assert.Len(t, applied, 1)

	var tableName string
	err = db.QueryRowContext(ctx, "SELECT table_name FROM information_schema.tables WHERE table_name = 'odeon_routes' AND table_schema = 'migration_test'").Scan(&tableName)
	assert.NoError(t, err)
}
