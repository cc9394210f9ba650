package repository

import (
	"context"
	"time"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
)

type MetricsFilter struct {
	Since *time.Time
	Limit int
}

type MetricsRepository interface {
	Insert(ctx context.Context, snapshot *domain.ProcessMetricSnapshot) error

	// LatestStartTime returns the most recent recorded process start time
	// for (runID, pid), or nil when none was recorded.
	LatestStartTime(ctx context.Context, runID string, pid int) (*int64, error)

	ListByRun(ctx context.Context, runID string, filter MetricsFilter) ([]*domain.ProcessMetricSnapshot, error)
	CountByRun(ctx context.Context, runID string) (int64, error)
	DeleteByRun(ctx context.Context, runID string) (int64, error)
}

type RetentionRepository interface {
	// FindUnrecorded lists, without writing, the records Backfill would create.
	FindUnrecorded(ctx context.Context, retention time.Duration) ([]*domain.RetentionRecord, error)

	// Backfill creates missing retention records for runs that already
	// reached a terminal status. Returns the number of records created.
	Backfill(ctx context.Context, retention time.Duration) (int, error)

	// FindDue lists records not yet pruned whose run completed at or before cutoff.
	FindDue(ctx context.Context, cutoff time.Time) ([]*domain.RetentionRecord, error)

	Find(ctx context.Context, runID string) (*domain.RetentionRecord, error)
	MarkDeleted(ctx context.Context, runID string, count int64, at time.Time) error
}
