package reporter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/repository"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/service"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/infrastructure/sqlstore"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/observability"
)

// RunFailer marks a run FAILED.
type RunFailer interface {
	FailRun(ctx context.Context, runID, errorMessage string, errorDetail *string) error
}

// Cleaner prunes expired metric snapshots.
type Cleaner interface {
	Cleanup(ctx context.Context, opts service.CleanupOptions) (*service.CleanupReport, error)
}

// Session is one store connection and everything the daemon needs from it
// during a single iteration.
type Session struct {
	Runs      repository.RunRepository
	Metrics   repository.MetricsRepository
	Reporters repository.ReporterRepository
	Tracker   RunFailer
	Cleaner   Cleaner

	closer func() error
}

func (s *Session) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Connector opens a fresh Session.
type Connector func(ctx context.Context) (*Session, error)

// NewSession assembles a session over repos. closer may be nil.
func NewSession(repos *sqlstore.Repositories, retention time.Duration, logger *zap.Logger, metrics *observability.Metrics, closer func() error) *Session {
	cleanup := service.NewCleanupService(repos.Retention, repos.Metrics, logger)
	if metrics != nil {
		cleanup.WithMetrics(metrics.RetentionDeleted)
	}
	return &Session{
		Runs:      repos.Runs,
		Metrics:   repos.Metrics,
		Reporters: repos.Reporters,
		Tracker:   service.NewTrackingService(repos.Tasks, repos.Runs, repos.Subtasks, retention, logger),
		Cleaner:   cleanup,
		closer:    closer,
	}
}

// SQLConnector connects to the store described by opts on every call.
// Migrations are not run; the schema must already exist.
func SQLConnector(opts sqlstore.Options, retention time.Duration, logger *zap.Logger, metrics *observability.Metrics) Connector {
	return func(ctx context.Context) (*Session, error) {
		db, err := sqlstore.Connect(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to store: %w", err)
		}
		return NewSession(sqlstore.NewRepositories(db), retention, logger, metrics, db.Close), nil
	}
}
