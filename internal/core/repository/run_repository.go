package repository

import (
	"context"
	"time"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
)

type RunRepository interface {
	Create(ctx context.Context, run *domain.Run) error
	FindByID(ctx context.Context, runID string) (*domain.Run, error)

	// Patch applies a partial update in a single statement. It returns
	// domain.ErrTerminalState when the run is already final and
	// domain.ErrInvalidTransition for backwards status moves.
	Patch(ctx context.Context, runID string, patch domain.RunPatch, now time.Time) error

	// Finish moves a run into a terminal status and records its retention
	// deadline. Runs already in a terminal status are left untouched.
	Finish(ctx context.Context, runID string, finish domain.RunFinish, now time.Time, retention time.Duration) error

	// Find runs the reporter on hostname should be monitoring
	FindActiveByHost(ctx context.Context, hostname string) ([]*domain.Run, error)

	UpdateResourceMirror(ctx context.Context, runID string, mirror domain.ResourceMirror, at time.Time) error
}

type TaskRepository interface {
	UpsertStage(ctx context.Context, name string, order int, description *string, now time.Time) (*domain.Stage, error)
	UpsertTask(ctx context.Context, stageID int64, reg domain.TaskRegistration, now time.Time) (*domain.Task, error)
	FindTask(ctx context.Context, stage, name string) (*domain.Task, error)
	FindTaskByID(ctx context.Context, taskID int64) (*domain.Task, error)
	ListTasks(ctx context.Context) ([]*domain.Task, error)
}
