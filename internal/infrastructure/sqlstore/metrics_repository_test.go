package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/api/util"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/repository"
)

func snapshot(runID string, ts time.Time, cpu float64) *domain.ProcessMetricSnapshot {
	start := int64(1_700_000_000_000)
	return &domain.ProcessMetricSnapshot{
		RunID:            runID,
		Timestamp:        ts,
		PID:              100,
		Hostname:         "worker-1",
		IsAlive:          true,
		ProcessStartTime: &start,
		CPUPercent:       &cpu,
		MemoryRSSMB:      ptr(128.0),
		NumThreads:       ptr(4),
		ChildCount:       1,
		ChildCPUTotal:    2.5,
		ChildMemTotalMB:  64,
	}
}

func TestMetricsInsertAndList(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB, _ Options) {
		ctx := context.Background()
		repos := NewRepositories(db)
		run := seedRun(t, repos, "worker-1", 100, baseTime)

		for i := 0; i < 3; i++ {
			require.NoError(t, repos.Metrics.Insert(ctx, snapshot(run.ID, baseTime.Add(time.Duration(i)*10*time.Second), float64(i))))
		}
		// same (run, ts) is ignored
		require.NoError(t, repos.Metrics.Insert(ctx, snapshot(run.ID, baseTime, 99)))

		count, err := repos.Metrics.CountByRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)

		since := baseTime.Add(5 * time.Second)
		list, err := repos.Metrics.ListByRun(ctx, run.ID, repository.MetricsFilter{Since: &since})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, 1.0, *list[0].CPUPercent)
		assert.Equal(t, 4, *list[0].NumThreads)
		assert.Equal(t, 1, list[0].ChildCount)
		assert.True(t, list[0].IsAlive)

		list, err = repos.Metrics.ListByRun(ctx, run.ID, repository.MetricsFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, list, 1)

		start, err := repos.Metrics.LatestStartTime(ctx, run.ID, 100)
		require.NoError(t, err)
		require.NotNil(t, start)
		assert.Equal(t, int64(1_700_000_000_000), *start)

		start, err = repos.Metrics.LatestStartTime(ctx, run.ID, 555)
		require.NoError(t, err)
		assert.Nil(t, start)

		deleted, err := repos.Metrics.DeleteByRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), deleted)
	})
}

func TestMetricsErrorSnapshot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB, _ Options) {
		ctx := context.Background()
		repos := NewRepositories(db)
		run := seedRun(t, repos, "worker-1", 100, baseTime)

		s := &domain.ProcessMetricSnapshot{RunID: run.ID, Timestamp: baseTime, PID: 100, Hostname: "worker-1", IsAlive: true}
		s.SetError(domain.ErrorTypeProcessDied, "process 100 not found")
		require.NoError(t, repos.Metrics.Insert(ctx, s))

		list, err := repos.Metrics.ListByRun(ctx, run.ID, repository.MetricsFilter{})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.True(t, list[0].CollectionError)
		assert.False(t, list[0].IsAlive)
		require.NotNil(t, list[0].ErrorType)
		assert.Equal(t, domain.ErrorTypeProcessDied, *list[0].ErrorType)
		assert.Nil(t, list[0].CPUPercent)
	})
}

func TestRunViewShowsLatestSnapshot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB, _ Options) {
		ctx := context.Background()
		repos := NewRepositories(db)
		withMetrics := seedRun(t, repos, "worker-1", 100, baseTime)
		bare := seedRun(t, repos, "worker-2", 200, baseTime.Add(time.Minute))

		require.NoError(t, repos.Metrics.Insert(ctx, snapshot(withMetrics.ID, baseTime.Add(20*time.Second), 80)))
		require.NoError(t, repos.Metrics.Insert(ctx, snapshot(withMetrics.ID, baseTime.Add(10*time.Second), 10)))

		view, err := repos.RunViews.Get(ctx, withMetrics.ID)
		require.NoError(t, err)
		assert.Equal(t, "load_parcels", view.TaskName)
		assert.Equal(t, "ingest", view.StageName)
		require.NotNil(t, view.CPUPercent)
		assert.Equal(t, 80.0, *view.CPUPercent)
		require.NotNil(t, view.MetricsTime)
		assert.True(t, view.MetricsTime.Equal(baseTime.Add(20*time.Second)))
		require.NotNil(t, view.IsAlive)
		assert.True(t, *view.IsAlive)

		view, err = repos.RunViews.Get(ctx, bare.ID)
		require.NoError(t, err)
		assert.Nil(t, view.MetricsTime)
		assert.Nil(t, view.CPUPercent)

		filter := repository.RunViewFilter{ListFilter: util.ListFilter{
			Filters: []util.QueryFilter{{Field: "hostname", Operator: util.OpEq, Value: "worker-2"}},
		}}
		views, err := repos.RunViews.List(ctx, filter)
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Equal(t, bare.ID, views[0].RunID)

		total, err := repos.RunViews.Count(ctx, repository.RunViewFilter{})
		require.NoError(t, err)
		assert.Equal(t, 2, total)

		views, err = repos.RunViews.List(ctx, repository.RunViewFilter{ListFilter: util.ListFilter{Page: 1, PerPage: 1}})
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Equal(t, bare.ID, views[0].RunID)

		_, err = repos.RunViews.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrRunNotFound)
	})
}

func TestRetentionBackfillAndDue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB, _ Options) {
		ctx := context.Background()
		repos := NewRepositories(db)
		old := seedRun(t, repos, "worker-1", 100, baseTime)
		recent := seedRun(t, repos, "worker-1", 101, baseTime)
		seedRun(t, repos, "worker-1", 102, baseTime)

		// a writer that bypasses Finish leaves no retention record
		_, err := db.ExecContext(ctx, db.Rebind(`UPDATE runs SET status = ?, end_time = ? WHERE run_id = ?`),
			domain.RunStatusCompleted, dbTime(baseTime), old.ID)
		require.NoError(t, err)

		require.NoError(t, repos.Runs.Finish(ctx, recent.ID, domain.RunFinish{Status: domain.RunStatusCompleted},
			baseTime.Add(20*24*time.Hour), 30*24*time.Hour))

		missing, err := repos.Retention.FindUnrecorded(ctx, 30*24*time.Hour)
		require.NoError(t, err)
		require.Len(t, missing, 1)
		assert.Equal(t, old.ID, missing[0].RunID)
		assert.True(t, missing[0].DeleteAfter.Equal(baseTime.Add(30*24*time.Hour)))

		created, err := repos.Retention.Backfill(ctx, 30*24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, created)

		missing, err = repos.Retention.FindUnrecorded(ctx, 30*24*time.Hour)
		require.NoError(t, err)
		assert.Empty(t, missing)

		created, err = repos.Retention.Backfill(ctx, 30*24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, created)

		due, err := repos.Retention.FindDue(ctx, baseTime.Add(10*24*time.Hour))
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, old.ID, due[0].RunID)

		require.NoError(t, repos.Retention.MarkDeleted(ctx, old.ID, 7, baseTime.Add(31*24*time.Hour)))
		rec, err := repos.Retention.Find(ctx, old.ID)
		require.NoError(t, err)
		assert.True(t, rec.Deleted)
		require.NotNil(t, rec.DeletedCount)
		assert.Equal(t, int64(7), *rec.DeletedCount)

		due, err = repos.Retention.FindDue(ctx, baseTime.Add(60*24*time.Hour))
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, recent.ID, due[0].RunID)

		_, err = repos.Retention.Find(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrRunNotFound)
	})
}

func TestReporterRegistrationOwnership(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB, _ Options) {
		ctx := context.Background()
		repos := NewRepositories(db)
		host := uniqueHost("worker")

		require.NoError(t, repos.Reporters.Register(ctx, &domain.ReporterStatus{
			Hostname: host, PID: 10, StartedAt: baseTime, LastHeartbeat: baseTime,
		}))
		require.NoError(t, repos.Reporters.RequestShutdown(ctx, host))

		got, err := repos.Reporters.Find(ctx, host)
		require.NoError(t, err)
		assert.True(t, got.ShutdownRequested)

		// a new reporter takes over the row and clears the request
		require.NoError(t, repos.Reporters.Register(ctx, &domain.ReporterStatus{
			Hostname: host, PID: 20, StartedAt: baseTime.Add(time.Minute), LastHeartbeat: baseTime.Add(time.Minute),
		}))
		got, err = repos.Reporters.Find(ctx, host)
		require.NoError(t, err)
		assert.Equal(t, 20, got.PID)
		assert.False(t, got.ShutdownRequested)

		ok, err := repos.Reporters.Heartbeat(ctx, host, 10, baseTime.Add(2*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = repos.Reporters.Heartbeat(ctx, host, 20, baseTime.Add(2*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, repos.Reporters.Delete(ctx, host, 10))
		_, err = repos.Reporters.Find(ctx, host)
		require.NoError(t, err)

		require.NoError(t, repos.Reporters.Delete(ctx, host, 20))
		_, err = repos.Reporters.Find(ctx, host)
		assert.ErrorIs(t, err, domain.ErrReporterNotFound)

		err = repos.Reporters.RequestShutdown(ctx, host)
		assert.ErrorIs(t, err, domain.ErrReporterNotFound)

		list, err := repos.Reporters.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestClientRepository(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB, _ Options) {
		ctx := context.Background()
		repos := NewRepositories(db)

		client := domain.NewAPIClient("dashboard", "hash", []string{domain.ScopeRead}, baseTime)
		require.NoError(t, repos.Clients.Create(ctx, client))

		got, err := repos.Clients.FindByID(ctx, client.ID)
		require.NoError(t, err)
		assert.Equal(t, "dashboard", got.Label)
		assert.Equal(t, []string{domain.ScopeRead}, got.Scopes)

		list, err := repos.Clients.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		require.NoError(t, repos.Clients.Delete(ctx, client.ID))
		_, err = repos.Clients.FindByID(ctx, client.ID)
		assert.ErrorIs(t, err, domain.ErrClientNotFound)
	})
}
