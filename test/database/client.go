// Package database provides test database helpers backed by testcontainers.
package database

import (
	"context"
	"os"
	"testing"
	"time"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql"
	"github.com/docarena/docarena/ent"
	"github.com/docarena/docarena/pkg/database"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NewTestClient creates a test database client.
// In CI (when CI_DATABASE_URL is set): connects to an external PostgreSQL
// service container. In local dev: spins up a PostgreSQL testcontainer.
// The container/connection is cleaned up when the test ends.
//
// The connection string is returned alongside the client so tests can open
// additional connections (e.g. a dedicated LISTEN connection).
func NewTestClient(t *testing.T) (*database.Client, string) {
	t.Helper()
	ctx := context.Background()

	var connStr string
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		connStr = ciDatabaseURL
	} else {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	drv, err := sql.Open(dialect.Postgres, connStr)
	require.NoError(t, err)

	db := drv.DB()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	entClient := ent.NewClient(ent.Driver(drv))

	// Auto-migration for tests; production applies the versioned SQL
	// migrations instead.
	err = entClient.Schema.Create(ctx)
	require.NoError(t, err)

	err = database.CreateResultsIndexes(ctx, drv)
	require.NoError(t, err)

	client := database.NewClientFromEnt(entClient, db)
	t.Cleanup(func() {
		_ = entClient.Close()
	})

	return client, connStr
}
