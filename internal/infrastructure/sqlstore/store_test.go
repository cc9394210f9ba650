package sqlstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
)

const postgresDSNEnv = "TASKER_POSTGRES_DSN_INTEGRATION"

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// backendOptions returns one store configuration per available backend.
// SQLite always runs; Postgres runs in a throwaway schema when a DSN is set.
func backendOptions(t *testing.T) map[string]func(t *testing.T) Options {
	t.Helper()
	backends := map[string]func(t *testing.T) Options{
		BackendSQLite: func(t *testing.T) Options {
			return Options{Backend: BackendSQLite, Path: filepath.Join(t.TempDir(), "tasker.sqlite3")}
		},
	}
	if dsn := os.Getenv(postgresDSNEnv); dsn != "" {
		backends[BackendPostgres] = func(t *testing.T) Options {
			schema := "tasker_test_" + uuid.New().String()[:8]
			t.Cleanup(func() {
				db, err := Connect(context.Background(), Options{Backend: BackendPostgres, DSN: dsn})
				if err != nil {
					return
				}
				defer db.Close()
				_, _ = db.Exec("DROP SCHEMA IF EXISTS " + pgx.Identifier{schema}.Sanitize() + " CASCADE")
			})
			return Options{Backend: BackendPostgres, DSN: dsn, Schema: schema}
		}
	}
	return backends
}

// forEachBackend runs fn against a freshly migrated store per backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, db *DB, opts Options)) {
	t.Helper()
	for name, optsFn := range backendOptions(t) {
		t.Run(name, func(t *testing.T) {
			opts := optsFn(t)
			db, err := Open(context.Background(), opts)
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			fn(t, db, opts)
		})
	}
}

// seedRun registers a task and starts an active run on host.
func seedRun(t *testing.T, repos *Repositories, host string, pid int, start time.Time) *domain.Run {
	t.Helper()
	ctx := context.Background()

	stage, err := repos.Tasks.UpsertStage(ctx, "ingest", 1, nil, start)
	require.NoError(t, err)
	task, err := repos.Tasks.UpsertTask(ctx, stage.ID, domain.TaskRegistration{
		Stage: "ingest",
		Name:  "load_parcels",
		Type:  "python",
	}, start)
	require.NoError(t, err)

	run := domain.NewRun(domain.StartRunInput{
		TaskID:    task.ID,
		Hostname:  host,
		PID:       pid,
		ParentPID: 1,
	}, start)
	require.NoError(t, repos.Runs.Create(ctx, run))
	return run
}

func ptr[T any](v T) *T {
	return &v
}

func uniqueHost(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String()[:6])
}
