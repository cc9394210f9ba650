package repository

import (
	"context"
	"time"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
)

type SubtaskRepository interface {
	// Start creates or restarts a subtask. A nil Number allocates the next
	// free number for the run.
	Start(ctx context.Context, in domain.StartSubtaskInput, now time.Time) (*domain.SubtaskProgress, error)

	// ResolveNumber returns number when set, else the run's current subtask.
	ResolveNumber(ctx context.Context, runID string, number *int) (int, error)

	Patch(ctx context.Context, runID string, number int, patch domain.SubtaskPatch, now time.Time) error

	// Increment atomically adds delta to items_complete and returns the new value.
	Increment(ctx context.Context, runID string, number int, delta int64, now time.Time) (int64, error)

	Find(ctx context.Context, runID string, number int) (*domain.SubtaskProgress, error)
	ListByRun(ctx context.Context, runID string) ([]*domain.SubtaskProgress, error)
}
