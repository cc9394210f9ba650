package reporter

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/repository"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/service"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/infrastructure/sqlstore"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/observability"
)

const host = "worker-1"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

// scriptedCollector returns one canned result per call, keyed by run.
type scriptedCollector struct {
	clock *fakeClock

	mu      sync.Mutex
	results map[string][]func(s *domain.ProcessMetricSnapshot)
	calls   int
}

func (c *scriptedCollector) push(runID string, f func(s *domain.ProcessMetricSnapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		c.results = map[string][]func(s *domain.ProcessMetricSnapshot){}
	}
	c.results[runID] = append(c.results[runID], f)
}

func (c *scriptedCollector) Collect(_ context.Context, runID string, pid int, hostname string) *domain.ProcessMetricSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	snap := &domain.ProcessMetricSnapshot{
		RunID:     runID,
		Timestamp: c.clock.Now().Add(time.Duration(c.calls) * time.Millisecond),
		PID:       pid,
		Hostname:  hostname,
		IsAlive:   true,
	}
	if queue := c.results[runID]; len(queue) > 0 {
		queue[0](snap)
		c.results[runID] = queue[1:]
	}
	return snap
}

func healthy(start int64, cpu float64) func(s *domain.ProcessMetricSnapshot) {
	return func(s *domain.ProcessMetricSnapshot) {
		s.ProcessStartTime = &start
		s.CPUPercent = &cpu
		rss := 64.0
		s.MemoryRSSMB = &rss
		s.ChildCount = 2
	}
}

// countingCleaner wraps the real cleanup service and counts passes.
type countingCleaner struct {
	inner Cleaner
	calls atomic.Int32
}

func (c *countingCleaner) Cleanup(ctx context.Context, opts service.CleanupOptions) (*service.CleanupReport, error) {
	c.calls.Add(1)
	return c.inner.Cleanup(ctx, opts)
}

type testEnv struct {
	t         *testing.T
	db        *sqlstore.DB
	repos     *sqlstore.Repositories
	clock     *fakeClock
	collector *scriptedCollector
	cleaner   *countingCleaner
	metrics   *observability.Metrics

	connectErrs atomic.Int32
	connects    atomic.Int32
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := sqlstore.Open(context.Background(), sqlstore.Options{
		Backend: sqlstore.BackendSQLite,
		Path:    filepath.Join(t.TempDir(), "tasker.sqlite3"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	repos := sqlstore.NewRepositories(db)
	return &testEnv{
		t:         t,
		db:        db,
		repos:     repos,
		clock:     clock,
		collector: &scriptedCollector{clock: clock},
		cleaner:   &countingCleaner{inner: service.NewCleanupService(repos.Retention, repos.Metrics, nil)},
		metrics:   observability.NewMetrics(),
	}
}

func (e *testEnv) connect(context.Context) (*Session, error) {
	e.connects.Add(1)
	if e.connectErrs.Load() > 0 {
		e.connectErrs.Add(-1)
		return nil, errors.New("connection refused")
	}
	sess := NewSession(e.repos, 30*24*time.Hour, zaptest.NewLogger(e.t), e.metrics, nil)
	sess.Cleaner = e.cleaner
	return sess, nil
}

func (e *testEnv) daemon(pid int) *Daemon {
	cfg := Config{
		Hostname:        host,
		PID:             pid,
		Version:         "test",
		PollInterval:    5 * time.Millisecond,
		StaleAfter:      60 * time.Second,
		CleanupInterval: time.Hour,
		RetentionDays:   30,
	}
	return New(cfg, e.connect, e.collector, zaptest.NewLogger(e.t)).
		WithClock(e.clock.Now).
		WithMetrics(e.metrics)
}

func (e *testEnv) startRun(pid int) *domain.Run {
	e.t.Helper()
	ctx := context.Background()
	tracking := service.NewTrackingService(e.repos.Tasks, e.repos.Runs, e.repos.Subtasks, time.Hour, nil)

	task, err := tracking.RegisterTask(ctx, domain.TaskRegistration{Stage: "s", Name: "t", Type: "python"})
	require.NoError(e.t, err)
	run, err := tracking.StartRun(ctx, domain.StartRunInput{TaskID: task.ID, Hostname: host, PID: pid, ParentPID: 1})
	require.NoError(e.t, err)
	return run
}

func TestSingleReporterPerHost(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	reg, err := env.daemon(100).Register(ctx, false)
	require.NoError(t, err)
	assert.True(t, reg.Started)

	env.clock.Advance(30 * time.Second)
	reg, err = env.daemon(200).Register(ctx, false)
	require.NoError(t, err)
	assert.False(t, reg.Started)
	assert.Equal(t, 100, reg.ExistingPID)

	row, err := env.repos.Reporters.Find(ctx, host)
	require.NoError(t, err)
	assert.Equal(t, 100, row.PID)
	assert.False(t, row.ShutdownRequested)

	// heartbeat now 61s old
	env.clock.Advance(31 * time.Second)
	reg, err = env.daemon(200).Register(ctx, false)
	require.NoError(t, err)
	assert.True(t, reg.Started)

	row, err = env.repos.Reporters.Find(ctx, host)
	require.NoError(t, err)
	assert.Equal(t, 200, row.PID)
	assert.True(t, row.StartedAt.Equal(env.clock.Now()))

	reg, err = env.daemon(300).Register(ctx, true)
	require.NoError(t, err)
	assert.True(t, reg.Started)

	// the displaced reporter notices and exits without touching the row
	stop, err := env.daemon(200).RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, stop)

	row, err = env.repos.Reporters.Find(ctx, host)
	require.NoError(t, err)
	assert.Equal(t, 300, row.PID)
}

func TestRunOnceRecordsSnapshotsAndMirror(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	d := env.daemon(100)
	_, err := d.Register(ctx, false)
	require.NoError(t, err)

	run := env.startRun(4242)
	env.collector.push(run.ID, healthy(1000, 12.5))

	env.clock.Advance(5 * time.Second)
	stop, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, stop)

	snaps, err := env.repos.Metrics.CountByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snaps)

	got, err := env.repos.Runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusStarted, got.Status)
	require.NotNil(t, got.Resources.CPUPercent)
	assert.Equal(t, 12.5, *got.Resources.CPUPercent)
	assert.Equal(t, 2, *got.Resources.ChildCount)

	row, err := env.repos.Reporters.Find(ctx, host)
	require.NoError(t, err)
	assert.True(t, row.LastHeartbeat.Equal(env.clock.Now()))
}

func TestPIDReuseFailsRun(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	d := env.daemon(100)
	_, err := d.Register(ctx, false)
	require.NoError(t, err)

	run := env.startRun(4242)
	env.collector.push(run.ID, healthy(1000, 10))
	env.collector.push(run.ID, healthy(2000, 99))

	_, err = d.RunOnce(ctx)
	require.NoError(t, err)
	env.clock.Advance(10 * time.Second)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)

	snaps, err := env.repos.Metrics.ListByRun(ctx, run.ID, repository.MetricsFilter{})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.False(t, snaps[0].CollectionError)
	require.NotNil(t, snaps[1].ErrorType)
	assert.Equal(t, domain.ErrorTypePIDReused, *snaps[1].ErrorType)
	assert.Nil(t, snaps[1].CPUPercent)

	got, err := env.repos.Runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "PID_REUSED")
	// mirror keeps the last good sample
	assert.Equal(t, 10.0, *got.Resources.CPUPercent)

	// failed runs are no longer monitored
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)
	count, err := env.repos.Metrics.CountByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestDeadProcessFailsRunButOtherErrorsDoNot(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	d := env.daemon(100)
	_, err := d.Register(ctx, false)
	require.NoError(t, err)

	dead := env.startRun(1111)
	denied := env.startRun(2222)
	env.collector.push(dead.ID, func(s *domain.ProcessMetricSnapshot) {
		s.SetError(domain.ErrorTypeProcessDied, "process 1111 not found")
	})
	env.collector.push(denied.ID, func(s *domain.ProcessMetricSnapshot) {
		s.SetError(domain.ErrorTypePermissionDenied, "access denied")
	})

	_, err = d.RunOnce(ctx)
	require.NoError(t, err)

	got, err := env.repos.Runs.FindByID(ctx, dead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	assert.Equal(t, "process 1111 not found", *got.ErrorDetail)

	got, err = env.repos.Runs.FindByID(ctx, denied.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusStarted, got.Status)
	assert.Nil(t, got.LastMetricsAt)

	view, err := env.repos.RunViews.Get(ctx, denied.ID)
	require.NoError(t, err)
	require.NotNil(t, view.MetricsErrorType)
	assert.Equal(t, domain.ErrorTypePermissionDenied, *view.MetricsErrorType)
}

func TestShutdownFlagStopsDaemonAndRemovesRow(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	d := env.daemon(100)
	_, err := d.Register(ctx, false)
	require.NoError(t, err)

	require.NoError(t, env.repos.Reporters.RequestShutdown(ctx, host))

	stop, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, stop)

	_, err = env.repos.Reporters.Find(ctx, host)
	assert.ErrorIs(t, err, domain.ErrReporterNotFound)
}

func TestCleanupRunsOncePerInterval(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	d := env.daemon(100)
	_, err := d.Register(ctx, false)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := d.RunOnce(ctx)
		require.NoError(t, err)
		env.clock.Advance(10 * time.Minute)
	}
	assert.Equal(t, int32(1), env.cleaner.calls.Load())

	env.clock.Advance(30 * time.Minute)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), env.cleaner.calls.Load())
}

func TestRunRetriesAfterConnectionFailures(t *testing.T) {
	env := setupTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := env.daemon(100)
	_, err := d.Register(ctx, false)
	require.NoError(t, err)

	env.connectErrs.Store(2)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return env.connects.Load() >= 4
	}, 5*time.Second, 5*time.Millisecond)

	stopped, err := RequestStop(ctx, env.repos.Reporters, host, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, stopped)

	require.NoError(t, <-done)
	_, err = env.repos.Reporters.Find(ctx, host)
	assert.ErrorIs(t, err, domain.ErrReporterNotFound)
}

func TestRunDeregistersOnCancel(t *testing.T) {
	env := setupTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	d := env.daemon(100)
	_, err := d.Register(ctx, false)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return env.connects.Load() >= 3
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	_, err = env.repos.Reporters.Find(context.Background(), host)
	assert.ErrorIs(t, err, domain.ErrReporterNotFound)
}

func TestRequestStopTimesOut(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	_, err := env.daemon(100).Register(ctx, false)
	require.NoError(t, err)

	stopped, err := RequestStop(ctx, env.repos.Reporters, host, 30*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, stopped)

	row, err := env.repos.Reporters.Find(ctx, host)
	require.NoError(t, err)
	assert.True(t, row.ShutdownRequested)

	_, err = RequestStop(ctx, env.repos.Reporters, "elsewhere", time.Second, time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrReporterNotFound)
}

func TestLiveReporter(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	_, live, err := LiveReporter(ctx, env.repos.Reporters, host, time.Minute, env.clock.Now())
	require.NoError(t, err)
	assert.False(t, live)

	_, err = env.daemon(100).Register(ctx, false)
	require.NoError(t, err)

	status, live, err := LiveReporter(ctx, env.repos.Reporters, host, time.Minute, env.clock.Now())
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, 100, status.PID)

	_, live, err = LiveReporter(ctx, env.repos.Reporters, host, time.Minute, env.clock.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, live)
}
