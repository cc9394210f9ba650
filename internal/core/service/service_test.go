package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/infrastructure/sqlstore"
)

const testRetention = 30 * 24 * time.Hour

// fakeClock is a settable time source shared by every service under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	db       *sqlstore.DB
	repos    *sqlstore.Repositories
	clock    *fakeClock
	tracking *TrackingService
	counter  *CounterService
	cleanup  *CleanupService
	query    *QueryService
	auth     *AuthService
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sqlstore.Open(context.Background(), sqlstore.Options{
		Backend: sqlstore.BackendSQLite,
		Path:    filepath.Join(t.TempDir(), "tasker.sqlite3"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repos := sqlstore.NewRepositories(db)
	clock := newFakeClock()

	return &testEnv{
		db:       db,
		repos:    repos,
		clock:    clock,
		tracking: NewTrackingService(repos.Tasks, repos.Runs, repos.Subtasks, testRetention, nil).WithClock(clock.Now),
		counter:  NewCounterService(repos.Subtasks).WithClock(clock.Now),
		cleanup:  NewCleanupService(repos.Retention, repos.Metrics, nil).WithClock(clock.Now),
		query: NewQueryService(repos.RunViews, repos.Subtasks, repos.Metrics, repos.Reporters, repos.Tasks, 5*time.Minute).
			WithClock(clock.Now),
		auth: NewAuthService(repos.Clients, "test-secret", "HS256"),
	}
}

// startRun registers a task and starts a run on it.
func (e *testEnv) startRun(t *testing.T, name string) *domain.Run {
	t.Helper()
	ctx := context.Background()

	task, err := e.tracking.RegisterTask(ctx, domain.TaskRegistration{Stage: "ingest", Name: name, Type: "python"})
	require.NoError(t, err)

	run, err := e.tracking.StartRun(ctx, domain.StartRunInput{TaskID: task.ID, Hostname: "worker-1", PID: 4321, ParentPID: 1})
	require.NoError(t, err)
	return run
}

func ptr[T any](v T) *T {
	return &v
}
