package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/api/dto"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/api/middleware"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/service"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/infrastructure/sqlstore"
)

// Seeded runs start an hour apart from baseTime; queries are answered at
// queryTime.
var (
	baseTime  = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	queryTime = baseTime.Add(6 * time.Hour)
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// testEnv holds all test dependencies
type testEnv struct {
	db              *sqlstore.DB
	repos           *sqlstore.Repositories
	router          *gin.Engine
	clock           *fakeClock
	tracking        *service.TrackingService
	cleanup         *service.CleanupService
	auth            *service.AuthService
	reporterHandler *ReporterHandler

	// run ids by seed name
	runs map[string]string
}

// setupTestEnv creates a test environment backed by a temporary SQLite file
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sqlstore.Open(context.Background(), sqlstore.Options{
		Backend: sqlstore.BackendSQLite,
		Path:    filepath.Join(t.TempDir(), "handler.sqlite3"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repos := sqlstore.NewRepositories(db)
	clock := &fakeClock{now: baseTime}

	tracking := service.NewTrackingService(repos.Tasks, repos.Runs, repos.Subtasks, 30*24*time.Hour, nil).WithClock(clock.Now)
	query := service.NewQueryService(repos.RunViews, repos.Subtasks, repos.Metrics, repos.Reporters, repos.Tasks, time.Minute).WithClock(clock.Now)
	cleanup := service.NewCleanupService(repos.Retention, repos.Metrics, nil).WithClock(clock.Now)
	auth := service.NewAuthService(repos.Clients, "test-secret", "HS256")

	runHandler := NewRunHandler(query)
	reporterHandler := NewReporterHandler(query, repos.Reporters)
	reporterHandler.pollEvery = 5 * time.Millisecond
	cleanupHandler := NewCleanupHandler(cleanup, 30)
	clientHandler := NewClientHandler(auth)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(nil))

	// Register routes without auth middleware
	router.GET("/runs", runHandler.ListRuns)
	router.GET("/runs/:id", runHandler.GetRun)
	router.GET("/runs/:id/subtasks", runHandler.ListSubtasks)
	router.GET("/runs/:id/metrics", runHandler.RunMetrics)
	router.GET("/tasks", runHandler.ListTasks)
	router.GET("/reporters", reporterHandler.ListReporters)
	router.GET("/reporters/:hostname", reporterHandler.GetReporter)
	router.POST("/reporters/:hostname/stop", reporterHandler.StopReporter)
	router.POST("/cleanup", cleanupHandler.Cleanup)
	router.POST("/clients", clientHandler.CreateClient)
	router.GET("/clients", clientHandler.ListClients)
	router.DELETE("/clients/:id", clientHandler.DeleteClient)

	return &testEnv{
		db:              db,
		repos:           repos,
		router:          router,
		clock:           clock,
		tracking:        tracking,
		cleanup:         cleanup,
		auth:            auth,
		reporterHandler: reporterHandler,
		runs:            map[string]string{},
	}
}

type seedRun struct {
	name   string
	stage  string
	task   string
	host   string
	offset time.Duration
	status domain.RunStatus
}

// Six runs over three tasks and three hosts:
//
//	r1 ingest/download host-a  +0h COMPLETED (one old snapshot)
//	r2 ingest/download host-a  +1h FAILED
//	r3 ingest/parse    host-b  +2h RUNNING   (fresh snapshot, two subtasks)
//	r4 ingest/parse    host-b  +3h STARTED   (no snapshot)
//	r5 report/render   host-a  +4h COMPLETED
//	r6 report/render   host-c  +5h RUNNING   (stale snapshot)
var seedRuns = []seedRun{
	{"r1", "ingest", "download", "host-a", 0, domain.RunStatusCompleted},
	{"r2", "ingest", "download", "host-a", 1 * time.Hour, domain.RunStatusFailed},
	{"r3", "ingest", "parse", "host-b", 2 * time.Hour, domain.RunStatusRunning},
	{"r4", "ingest", "parse", "host-b", 3 * time.Hour, domain.RunStatusStarted},
	{"r5", "report", "render", "host-a", 4 * time.Hour, domain.RunStatusCompleted},
	{"r6", "report", "render", "host-c", 5 * time.Hour, domain.RunStatusRunning},
}

// seedTestData populates the database with the runs above plus two
// reporters: host-a alive, host-b stale.
func (env *testEnv) seedTestData(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	for i, s := range seedRuns {
		start := baseTime.Add(s.offset)
		env.clock.Set(start)

		task, err := env.tracking.RegisterTask(ctx, domain.TaskRegistration{
			Stage: s.stage,
			Name:  s.task,
			Type:  "python",
		})
		require.NoError(t, err)

		run, err := env.tracking.StartRun(ctx, domain.StartRunInput{
			TaskID:    task.ID,
			Hostname:  s.host,
			PID:       1000 + i,
			ParentPID: 1,
		})
		require.NoError(t, err)
		env.runs[s.name] = run.ID

		env.clock.Set(start.Add(10 * time.Minute))
		switch s.status {
		case domain.RunStatusRunning:
			status := domain.RunStatusRunning
			require.NoError(t, env.tracking.UpdateRun(ctx, run.ID, domain.RunPatch{Status: &status}))
		case domain.RunStatusCompleted:
			require.NoError(t, env.tracking.CompleteRun(ctx, run.ID, nil))
		case domain.RunStatusFailed:
			require.NoError(t, env.tracking.FailRun(ctx, run.ID, "exit status 1", nil))
		}
	}

	env.insertSnapshot(t, "r1", baseTime.Add(time.Minute), 1000)
	env.insertSnapshot(t, "r3", queryTime.Add(-10*time.Second), 1002)
	env.insertSnapshot(t, "r6", baseTime.Add(5*time.Hour+30*time.Minute), 1005)

	env.clock.Set(queryTime)
	_, err := env.tracking.StartSubtask(ctx, domain.StartSubtaskInput{RunID: env.runs["r3"], Name: "read", ItemsTotal: ptr(int64(4))})
	require.NoError(t, err)
	_, err = env.tracking.StartSubtask(ctx, domain.StartSubtaskInput{RunID: env.runs["r3"], Name: "write"})
	require.NoError(t, err)

	require.NoError(t, env.repos.Reporters.Register(ctx, &domain.ReporterStatus{
		Hostname:      "host-a",
		PID:           501,
		StartedAt:     baseTime,
		LastHeartbeat: queryTime.Add(-30 * time.Second),
	}))
	require.NoError(t, env.repos.Reporters.Register(ctx, &domain.ReporterStatus{
		Hostname:      "host-b",
		PID:           502,
		StartedAt:     baseTime,
		LastHeartbeat: baseTime.Add(5 * time.Hour),
	}))
}

func (env *testEnv) insertSnapshot(t *testing.T, run string, ts time.Time, pid int) {
	t.Helper()
	cpu := 42.5
	rss := 128.0
	start := baseTime.UnixMilli()
	require.NoError(t, env.repos.Metrics.Insert(context.Background(), &domain.ProcessMetricSnapshot{
		RunID:            env.runs[run],
		Timestamp:        ts,
		PID:              pid,
		Hostname:         "host",
		IsAlive:          true,
		ProcessStartTime: &start,
		CPUPercent:       &cpu,
		MemoryRSSMB:      &rss,
		ChildCount:       1,
	}))
}

// makeRequest performs a GET request and returns the response
func (env *testEnv) makeRequest(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	return env.do(t, http.MethodGet, path, nil)
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

// parseResponse decodes the response body into T
func parseResponse[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var resp T
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v\nBody: %s", err, w.Body.String())
	}
	return resp
}

// parseErrorResponse parses the response body into ErrorResponse
func parseErrorResponse(t *testing.T, w *httptest.ResponseRecorder) dto.ErrorResponse {
	t.Helper()
	return parseResponse[dto.ErrorResponse](t, w)
}

// ptr is a helper to create a pointer to a value
func ptr[T any](v T) *T {
	return &v
}
