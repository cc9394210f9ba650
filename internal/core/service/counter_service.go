package service

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/repository"
)

// CounterService is the only safe way for concurrent workers to report
// item completion on a shared subtask.
type CounterService struct {
	subtasks   repository.SubtaskRepository
	now        Clock
	increments prometheus.Counter
}

func NewCounterService(subtasks repository.SubtaskRepository) *CounterService {
	return &CounterService{subtasks: subtasks, now: SystemClock}
}

func (s *CounterService) WithClock(c Clock) *CounterService {
	s.now = c
	return s
}

// WithMetrics counts applied increments on c.
func (s *CounterService) WithMetrics(c prometheus.Counter) *CounterService {
	s.increments = c
	return s
}

// Increment adds delta to the subtask's items_complete in one statement and
// returns the new total.
func (s *CounterService) Increment(ctx context.Context, runID string, number int, delta int64) (int64, error) {
	if delta < 0 {
		return 0, invalid("delta cannot be negative")
	}
	if number < 1 {
		return 0, invalid("subtask number must be at least 1")
	}

	total, err := s.subtasks.Increment(ctx, runID, number, delta, s.now())
	if err != nil {
		return 0, err
	}
	if s.increments != nil {
		s.increments.Inc()
	}
	return total, nil
}

// IncrementCurrent increments the run's current subtask.
func (s *CounterService) IncrementCurrent(ctx context.Context, runID string, delta int64) (int64, error) {
	n, err := s.subtasks.ResolveNumber(ctx, runID, nil)
	if err != nil {
		return 0, err
	}
	return s.Increment(ctx, runID, n, delta)
}
