package reporter

import (
	"context"
	"errors"
	"time"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/repository"
)

// LiveReporter returns the registered reporter for hostname when its
// heartbeat is younger than staleAfter.
func LiveReporter(ctx context.Context, reporters repository.ReporterRepository, hostname string, staleAfter time.Duration, now time.Time) (*domain.ReporterStatus, bool, error) {
	status, err := reporters.Find(ctx, hostname)
	if errors.Is(err, domain.ErrReporterNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return status, !status.IsStale(now, staleAfter), nil
}

// RequestStop sets the shutdown flag for hostname and polls until the
// reporter removes its row or another reporter takes the host over. It
// reports false when timeout elapses first.
func RequestStop(ctx context.Context, reporters repository.ReporterRepository, hostname string, timeout, pollEvery time.Duration) (bool, error) {
	status, err := reporters.Find(ctx, hostname)
	if err != nil {
		return false, err
	}
	pid := status.PID

	if err := reporters.RequestShutdown(ctx, hostname); err != nil {
		if errors.Is(err, domain.ErrReporterNotFound) {
			return true, nil
		}
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return false, nil
			}
			return false, ctx.Err()
		case <-ticker.C:
		}

		current, err := reporters.Find(ctx, hostname)
		if errors.Is(err, domain.ErrReporterNotFound) {
			return true, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return false, err
		}
		if current.PID != pid {
			return true, nil
		}
	}
}
