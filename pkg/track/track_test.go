package track

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/infrastructure/sqlstore"
)

func setup(t *testing.T) (*Client, *sqlstore.DB, *sqlstore.Repositories, *observer.ObservedLogs) {
	t.Helper()
	db, err := sqlstore.Open(context.Background(), sqlstore.Options{
		Backend: sqlstore.BackendSQLite,
		Path:    filepath.Join(t.TempDir(), "track.sqlite3"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	core, logs := observer.New(zapcore.WarnLevel)
	repos := sqlstore.NewRepositories(db)
	return New(repos, "worker-1", 24*time.Hour, zap.New(core)), db, repos, logs
}

func TestRunHandleLifecycle(t *testing.T) {
	client, _, repos, logs := setup(t)
	ctx := context.Background()

	run := client.StartRun(ctx, "ingest", "load_files",
		WithTaskType("shell"),
		WithTotalSubtasks(2),
		WithVersion("1.4.0"),
		WithPID(4242),
	)
	require.NotEmpty(t, run.ID())

	run.Running(ctx)
	sub := run.StartSubtask(ctx, "download", 10)
	require.Equal(t, 1, sub.Number())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Increment(ctx, 1)
		}()
	}
	wg.Wait()
	sub.Complete(ctx, "")

	second := run.StartSubtask(ctx, "parse", 0)
	assert.Equal(t, 2, second.Number())
	second.Fail(ctx, errors.New("bad header"))
	run.Complete(ctx, "done")

	got, err := repos.Runs.FindByID(ctx, run.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)
	assert.Equal(t, 4242, *got.PID)
	assert.Equal(t, "worker-1", got.Hostname)
	assert.Equal(t, "1.4.0", *got.Version)

	task, err := repos.Tasks.FindTask(ctx, "ingest", "load_files")
	require.NoError(t, err)
	assert.Equal(t, "shell", task.Type)

	first, err := repos.Subtasks.Find(ctx, run.ID(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskStatusCompleted, first.Status)
	assert.Equal(t, int64(10), *first.ItemsComplete)

	failed, err := repos.Subtasks.Find(ctx, run.ID(), 2)
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskStatusFailed, failed.Status)
	assert.Equal(t, "bad header", *failed.ErrorMessage)

	assert.Zero(t, logs.FilterMessage("tracking call failed").Len())
}

func TestFailedStoreIsSwallowed(t *testing.T) {
	client, db, _, logs := setup(t)
	ctx := context.Background()
	require.NoError(t, db.Close())

	run := client.StartRun(ctx, "ingest", "load_files")
	assert.Empty(t, run.ID())

	// every call on an inert handle is a no-op
	run.Running(ctx)
	run.Progress(ctx, 50, "half")
	sub := run.StartSubtask(ctx, "download", 5)
	assert.Equal(t, 0, sub.Number())
	assert.Equal(t, int64(-1), sub.Increment(ctx, 1))
	sub.Complete(ctx, "")
	run.Fail(ctx, errors.New("boom"), "")

	failures := logs.FilterMessage("tracking call failed")
	require.Equal(t, 1, failures.Len())
	assert.Equal(t, "register_task", failures.All()[0].ContextMap()["op"])

	resumed := client.Resume("some-run")
	resumed.Complete(ctx, "")
	assert.Equal(t, 2, logs.FilterMessage("tracking call failed").Len())
}

func TestCallsOnFinishedRunAreIgnored(t *testing.T) {
	client, _, repos, logs := setup(t)
	ctx := context.Background()

	run := client.StartRun(ctx, "ingest", "load_files")
	run.Fail(ctx, errors.New("upstream missing"), "trace")
	run.Complete(ctx, "late")
	sub := run.StartSubtask(ctx, "late", 0)
	assert.Equal(t, 0, sub.Number())

	got, err := repos.Runs.FindByID(ctx, run.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	assert.Equal(t, "upstream missing", *got.ErrorMessage)
	assert.Equal(t, "trace", *got.ErrorDetail)
	assert.Zero(t, logs.FilterMessage("tracking call failed").Len())
}
