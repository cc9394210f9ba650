package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/repository"
)

// TrackingService implements the run and subtask lifecycle. Calls that
// target a run or subtask already in a terminal status are logged and
// treated as no-ops: they return a nil error and change nothing.
type TrackingService struct {
	tasks     repository.TaskRepository
	runs      repository.RunRepository
	subtasks  repository.SubtaskRepository
	retention time.Duration
	logger    *zap.Logger
	now       Clock
}

func NewTrackingService(
	tasks repository.TaskRepository,
	runs repository.RunRepository,
	subtasks repository.SubtaskRepository,
	retention time.Duration,
	logger *zap.Logger,
) *TrackingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrackingService{
		tasks:     tasks,
		runs:      runs,
		subtasks:  subtasks,
		retention: retention,
		logger:    logger,
		now:       SystemClock,
	}
}

// WithClock replaces the time source.
func (s *TrackingService) WithClock(c Clock) *TrackingService {
	s.now = c
	return s
}

// RegisterTask creates or refreshes a stage and a task under it.
func (s *TrackingService) RegisterTask(ctx context.Context, reg domain.TaskRegistration) (*domain.Task, error) {
	reg.Stage = strings.TrimSpace(reg.Stage)
	reg.Name = strings.TrimSpace(reg.Name)
	if reg.Stage == "" {
		return nil, invalid("stage is required")
	}
	if reg.Name == "" {
		return nil, invalid("task name is required")
	}

	now := s.now()
	stage, err := s.tasks.UpsertStage(ctx, reg.Stage, reg.StageOrder, reg.StageDescription, now)
	if err != nil {
		return nil, err
	}

	task, err := s.tasks.UpsertTask(ctx, stage.ID, reg, now)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("task registered",
		zap.Int64("task_id", task.ID),
		zap.String("stage", stage.Name),
		zap.String("task", task.Name),
	)
	return task, nil
}

// FindTask resolves a registered task by stage and name.
func (s *TrackingService) FindTask(ctx context.Context, stage, name string) (*domain.Task, error) {
	return s.tasks.FindTask(ctx, stage, name)
}

// StartRun records a new run in status STARTED and returns it.
func (s *TrackingService) StartRun(ctx context.Context, in domain.StartRunInput) (*domain.Run, error) {
	if in.TaskID <= 0 {
		return nil, invalid("task id is required")
	}
	if strings.TrimSpace(in.Hostname) == "" {
		return nil, invalid("hostname is required")
	}
	if in.PID <= 0 {
		return nil, invalid("pid must be positive")
	}
	if in.TotalSubtasks != nil && *in.TotalSubtasks < 0 {
		return nil, invalid("total subtasks cannot be negative")
	}

	if _, err := s.tasks.FindTaskByID(ctx, in.TaskID); err != nil {
		return nil, err
	}

	run := domain.NewRun(in, s.now())
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	s.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.Int64("task_id", run.TaskID),
		zap.String("hostname", run.Hostname),
		zap.Int("pid", in.PID),
	)
	return run, nil
}

// UpdateRun applies a partial update. A terminal status is routed through
// the matching finish operation.
func (s *TrackingService) UpdateRun(ctx context.Context, runID string, patch domain.RunPatch) error {
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return invalid(fmt.Sprintf("unknown run status %q", *patch.Status))
		}
		if patch.Status.IsTerminal() {
			finish := domain.RunFinish{Status: *patch.Status, Message: patch.Message}
			if *patch.Status == domain.RunStatusCompleted {
				finish.ForcePercent = floatPtr(100)
			}
			return s.finish(ctx, runID, finish)
		}
	}
	if patch.Percent != nil {
		patch.Percent = clampPercent(*patch.Percent)
	}

	err := s.runs.Patch(ctx, runID, patch, s.now())
	return s.tolerate(err, "update_run", zap.String("run_id", runID))
}

// CompleteRun marks the run COMPLETED and pins its progress at 100%.
func (s *TrackingService) CompleteRun(ctx context.Context, runID string, message *string) error {
	return s.finish(ctx, runID, domain.RunFinish{
		Status:       domain.RunStatusCompleted,
		Message:      message,
		ForcePercent: floatPtr(100),
	})
}

// FailRun marks the run FAILED, keeping its last known progress.
func (s *TrackingService) FailRun(ctx context.Context, runID, errorMessage string, errorDetail *string) error {
	return s.finish(ctx, runID, domain.RunFinish{
		Status:       domain.RunStatusFailed,
		ErrorMessage: &errorMessage,
		ErrorDetail:  errorDetail,
	})
}

// CancelRun marks the run CANCELLED.
func (s *TrackingService) CancelRun(ctx context.Context, runID string, message *string) error {
	return s.finish(ctx, runID, domain.RunFinish{Status: domain.RunStatusCancelled, Message: message})
}

// SkipRun marks the run SKIPPED.
func (s *TrackingService) SkipRun(ctx context.Context, runID string, message *string) error {
	return s.finish(ctx, runID, domain.RunFinish{Status: domain.RunStatusSkipped, Message: message})
}

func (s *TrackingService) finish(ctx context.Context, runID string, finish domain.RunFinish) error {
	err := s.runs.Finish(ctx, runID, finish, s.now(), s.retention)
	if err != nil {
		return s.tolerate(err, "finish_run",
			zap.String("run_id", runID),
			zap.String("status", string(finish.Status)),
		)
	}

	fields := []zap.Field{zap.String("run_id", runID), zap.String("status", string(finish.Status))}
	if finish.ErrorMessage != nil {
		fields = append(fields, zap.String("error", *finish.ErrorMessage))
	}
	s.logger.Info("run finished", fields...)
	return nil
}

// StartSubtask creates a subtask, allocating the next number when none is
// given, and makes it the run's current subtask. Starting a numbered
// subtask that already exists keeps its item count. It returns nil without
// error when the run or subtask is already final.
func (s *TrackingService) StartSubtask(ctx context.Context, in domain.StartSubtaskInput) (*domain.SubtaskProgress, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, invalid("subtask name is required")
	}
	if in.Number != nil && *in.Number < 1 {
		return nil, invalid("subtask number must be at least 1")
	}
	if in.ItemsTotal != nil && *in.ItemsTotal < 0 {
		return nil, invalid("items total cannot be negative")
	}

	run, err := s.runs.FindByID(ctx, in.RunID)
	if err != nil {
		return nil, err
	}
	if run.IsComplete() {
		s.logger.Warn("ignoring start_subtask on finished run",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)),
		)
		return nil, nil
	}

	subtask, err := s.subtasks.Start(ctx, in, s.now())
	if err != nil {
		return nil, s.tolerate(err, "start_subtask", zap.String("run_id", in.RunID))
	}

	s.logger.Debug("subtask started",
		zap.String("run_id", subtask.RunID),
		zap.Int("subtask", subtask.Number),
		zap.String("name", subtask.Name),
	)
	return subtask, nil
}

// UpdateSubtask applies a partial update to a subtask, defaulting to the
// run's current subtask when number is nil.
//
// The ItemsComplete field is an absolute overwrite and is unsafe when
// several workers report progress on the same subtask; use
// CounterService.Increment for that.
func (s *TrackingService) UpdateSubtask(ctx context.Context, runID string, number *int, patch domain.SubtaskPatch) error {
	if patch.Status != nil && !patch.Status.Valid() {
		return invalid(fmt.Sprintf("unknown subtask status %q", *patch.Status))
	}
	if patch.ItemsComplete != nil && *patch.ItemsComplete < 0 {
		return invalid("items complete cannot be negative")
	}
	if patch.ItemsTotal != nil && *patch.ItemsTotal < 0 {
		return invalid("items total cannot be negative")
	}
	if patch.Percent != nil {
		patch.Percent = clampPercent(*patch.Percent)
	}

	n, err := s.subtasks.ResolveNumber(ctx, runID, number)
	if err != nil {
		return err
	}

	err = s.subtasks.Patch(ctx, runID, n, patch, s.now())
	return s.tolerate(err, "update_subtask", zap.String("run_id", runID), zap.Int("subtask", n))
}

// CompleteSubtask marks the subtask COMPLETED at 100%.
func (s *TrackingService) CompleteSubtask(ctx context.Context, runID string, number *int, message *string) error {
	status := domain.SubtaskStatusCompleted
	return s.UpdateSubtask(ctx, runID, number, domain.SubtaskPatch{
		Status:  &status,
		Percent: floatPtr(100),
		Message: message,
	})
}

// FailSubtask marks the subtask FAILED with an error message.
func (s *TrackingService) FailSubtask(ctx context.Context, runID string, number *int, errorMessage string) error {
	status := domain.SubtaskStatusFailed
	return s.UpdateSubtask(ctx, runID, number, domain.SubtaskPatch{
		Status:       &status,
		ErrorMessage: &errorMessage,
	})
}

// tolerate downgrades terminal-state and backwards-transition errors to
// logged warnings.
func (s *TrackingService) tolerate(err error, op string, fields ...zap.Field) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrTerminalState) || errors.Is(err, domain.ErrInvalidTransition) {
		s.logger.Warn("ignoring "+op, append(fields, zap.Error(err))...)
		return nil
	}
	return err
}

func clampPercent(p float64) *float64 {
	switch {
	case p < 0:
		p = 0
	case p > 100:
		p = 100
	}
	return &p
}

func floatPtr(f float64) *float64 {
	return &f
}
