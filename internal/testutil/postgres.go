package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/database/postgres"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/migrations"
)

// IntegrationEnv enables tests that need Docker.
const IntegrationEnv = "CLINICFLOW_INTEGRATION"

// NewPostgres starts a disposable PostgreSQL container, migrates it and
// returns a connection. The test is skipped unless CLINICFLOW_INTEGRATION=1.
func NewPostgres(t testing.TB) database.Connection {
	t.Helper()
	if os.Getenv(IntegrationEnv) != "1" {
		t.Skipf("set %s=1 to run PostgreSQL integration tests", IntegrationEnv)
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("clinicflow"),
		tcpostgres.WithUsername("clinic"),
		tcpostgres.WithPassword("clinic"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := postgres.NewConnection(ctx, database.Config{Driver: database.DriverPostgres, URL: dsn, MaxConns: 10})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = migrations.Run(ctx, conn)
	require.NoError(t, err)
	return conn
}
