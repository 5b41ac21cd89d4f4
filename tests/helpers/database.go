package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/varkey/ferryman/internal/database"
)

const (
	postgresUser     = "postgres"
	postgresPassword = "postgres"
	postgresDBName   = "FERRYMAN_TEST_DB"
)

// RequirePostgres spawns a disposable PostgreSQL container, connects
// the database manager against it (running all migrations) and returns
// the live handle. The container is terminated when the test finishes.
// Tests running in -short mode are skipped.
func RequirePostgres(t *testing.T) *sqlx.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database-backed test in short mode")
	}

	ctx := context.Background()
	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:14.1-alpine"),
		postgres.WithDatabase(postgresDBName),
		postgres.WithUsername(postgresUser),
		postgres.WithPassword(postgresPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Second*30)),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Logf("WARNING: failed to terminate postgres container: %s", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	manager := database.New()
	require.NoError(t, manager.Connect(database.DatabaseConfig{
		User:     postgresUser,
		Password: postgresPassword,
		Name:     postgresDBName,
		Host:     host,
		Port:     port.Port(),
	}), "failed to connect to provisioned postgres container")

	return manager.GetSqlxDb()
}
