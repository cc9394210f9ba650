package service

import (
	"context"
	"time"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/repository"
)

// QueryService is the read side consumed by dashboards and the CLI.
type QueryService struct {
	views      repository.RunViewRepository
	subtasks   repository.SubtaskRepository
	metrics    repository.MetricsRepository
	reporters  repository.ReporterRepository
	tasks      repository.TaskRepository
	staleAfter time.Duration
	now        Clock
}

func NewQueryService(
	views repository.RunViewRepository,
	subtasks repository.SubtaskRepository,
	metrics repository.MetricsRepository,
	reporters repository.ReporterRepository,
	tasks repository.TaskRepository,
	staleAfter time.Duration,
) *QueryService {
	return &QueryService{
		views:      views,
		subtasks:   subtasks,
		metrics:    metrics,
		reporters:  reporters,
		tasks:      tasks,
		staleAfter: staleAfter,
		now:        SystemClock,
	}
}

func (s *QueryService) WithClock(c Clock) *QueryService {
	s.now = c
	return s
}

// ListRuns returns one page of runs with their latest metrics and the
// total number of matching runs.
func (s *QueryService) ListRuns(ctx context.Context, filter repository.RunViewFilter) ([]*domain.RunView, int, error) {
	views, err := s.views.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.views.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	now := s.now()
	for _, v := range views {
		v.Annotate(now)
	}
	return views, total, nil
}

func (s *QueryService) GetRun(ctx context.Context, runID string) (*domain.RunDetail, error) {
	view, err := s.views.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	view.Annotate(s.now())

	subtasks, err := s.subtasks.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &domain.RunDetail{RunView: *view, Subtasks: subtasks}, nil
}

func (s *QueryService) ListSubtasks(ctx context.Context, runID string) ([]*domain.SubtaskProgress, error) {
	if _, err := s.views.Get(ctx, runID); err != nil {
		return nil, err
	}
	return s.subtasks.ListByRun(ctx, runID)
}

func (s *QueryService) RunMetrics(ctx context.Context, runID string, filter repository.MetricsFilter) ([]*domain.ProcessMetricSnapshot, error) {
	if _, err := s.views.Get(ctx, runID); err != nil {
		return nil, err
	}
	return s.metrics.ListByRun(ctx, runID, filter)
}

func (s *QueryService) ListTasks(ctx context.Context) ([]*domain.Task, error) {
	return s.tasks.ListTasks(ctx)
}

// ReporterInfo is a reporter row with its liveness judged against the
// staleness threshold.
type ReporterInfo struct {
	domain.ReporterStatus
	Alive        bool
	HeartbeatAge time.Duration
}

func (s *QueryService) ListReporters(ctx context.Context) ([]ReporterInfo, error) {
	reporters, err := s.reporters.List(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	infos := make([]ReporterInfo, 0, len(reporters))
	for _, r := range reporters {
		infos = append(infos, s.reporterInfo(r, now))
	}
	return infos, nil
}

func (s *QueryService) GetReporter(ctx context.Context, hostname string) (*ReporterInfo, error) {
	r, err := s.reporters.Find(ctx, hostname)
	if err != nil {
		return nil, err
	}
	info := s.reporterInfo(r, s.now())
	return &info, nil
}

func (s *QueryService) reporterInfo(r *domain.ReporterStatus, now time.Time) ReporterInfo {
	return ReporterInfo{
		ReporterStatus: *r,
		Alive:          !r.IsStale(now, s.staleAfter),
		HeartbeatAge:   r.HeartbeatAge(now),
	}
}
