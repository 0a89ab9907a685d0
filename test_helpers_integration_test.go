//go:build integration

package odeon

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres runs a PostgreSQL container and returns its connection URL.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("odeon_test"),
		postgres.WithUsername("odeon"),
		postgres.WithPassword("odeon"),
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

// startMySQL runs a MySQL container and returns a mysql:// URL for it.
func startMySQL(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := mysql.Run(ctx,
		"mysql:8.0",
		mysql.WithDatabase("odeon_test"),
		mysql.WithUsername("odeon"),
		mysql.WithPassword("odeon"),
	)
	require.NoError(t, err, "failed to start MySQL container")
	t.Cleanup(func() { testcontainers.CleanupContainer(t, container) })

	// DSN: user:pass@tcp(host:port)/db?params
	dsn, err := container.ConnectionString(ctx, "parseTime=true", "loc=UTC")
	require.NoError(t, err)
	userPass, rest, ok := strings.Cut(dsn, "@tcp(")
	require.True(t, ok, "unexpected MySQL DSN %s", dsn)
	host, dbAndParams, ok := strings.Cut(rest, ")/")
	require.True(t, ok, "unexpected MySQL DSN %s", dsn)
	return "mysql://" + userPass + "@" + host + "/" + dbAndParams
}

// createNode starts an App on dbURL with the purchase process registered.
func createNode(t *testing.T, dbURL, nodeID string, opts ...Option) (*App, *jobRecorder) {
	t.Helper()
	base := []Option{
		WithDatabase(dbURL),
		WithNodeID(nodeID),
		WithPremieReapInterval(0),
		WithImmediateInterval(time.Second),
		WithStaleInterval(2 * time.Second),
		WithShutdownTimeout(5 * time.Second),
	}
	app := NewApp(append(base, opts...)...)
	require.NoError(t, app.RegisterProcess(purchaseProcess()))

	rec := newJobRecorder()
	app.SetInstanceHandler(rec)
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	return app, rec
}
