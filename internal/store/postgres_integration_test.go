//go:build integration

package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/wardenhq/warden/control-plane/internal/store"
)

var postgresContainer *postgres.PostgresContainer

func resetDB(ctx context.Context, t *testing.T, url string) {
	t.Helper()
	db, err := sql.Open("pgx", url)
	require.NoError(t, err)
	defer db.Close()
	for _, table := range []string{"worker_results", "worker_tasks", "workers", "audit_entries", "skill_executions"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}
}

func newPostgresStore(t *testing.T) store.Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error
		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("warden_test"),
			postgres.WithUsername("warden"),
			postgres.WithPassword("warden"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	url, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	resetDB(ctx, t, url)

	s, err := store.NewPostgresStore(ctx, url, 10)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Runs the full contract, including concurrent claims and appends, against
// a real server where SKIP LOCKED and advisory locks are in effect.
func TestPostgresStore_Contract(t *testing.T) {
	runStoreSuite(t, newPostgresStore)
}
