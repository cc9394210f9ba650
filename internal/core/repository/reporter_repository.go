package repository

import (
	"context"
	"time"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
)

type ReporterRepository interface {
	Find(ctx context.Context, hostname string) (*domain.ReporterStatus, error)
	List(ctx context.Context) ([]*domain.ReporterStatus, error)

	// Register upserts the row for status.Hostname, clearing any pending
	// shutdown request. Racing registrations resolve to a single row.
	Register(ctx context.Context, status *domain.ReporterStatus) error

	// Heartbeat refreshes last_heartbeat for (hostname, pid). It reports
	// false when the row is gone or owned by another pid.
	Heartbeat(ctx context.Context, hostname string, pid int, now time.Time) (bool, error)

	RequestShutdown(ctx context.Context, hostname string) error

	// Delete removes the row only if it is still owned by pid.
	Delete(ctx context.Context, hostname string, pid int) error
}
