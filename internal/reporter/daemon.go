// Package reporter runs the per-host process reporter: it registers as the
// single reporter for its hostname, samples every active run recorded for
// the host, and prunes expired metrics.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/service"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/observability"
	"github.com/Broadband-Catalysts/tasker-sub002/pkg/config"
)

// Collector samples one process.
type Collector interface {
	Collect(ctx context.Context, runID string, pid int, hostname string) *domain.ProcessMetricSnapshot
}

type Config struct {
	Hostname        string
	PID             int
	Version         string
	PollInterval    time.Duration
	StaleAfter      time.Duration
	CleanupInterval time.Duration
	RetentionDays   int
}

// ConfigFrom derives the daemon settings from the application config.
func ConfigFrom(cfg *config.Config, hostname string, pid int, version string) Config {
	return Config{
		Hostname:        hostname,
		PID:             pid,
		Version:         version,
		PollInterval:    cfg.PollInterval,
		StaleAfter:      cfg.StaleAfter,
		CleanupInterval: cfg.CleanupInterval,
		RetentionDays:   cfg.RetentionDays,
	}
}

type Daemon struct {
	cfg       Config
	connect   Connector
	collector Collector
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       service.Clock

	lastCleanup time.Time
}

func New(cfg Config, connect Connector, collector Collector, logger *zap.Logger) *Daemon {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{
		cfg:       cfg,
		connect:   connect,
		collector: collector,
		logger:    logger.With(zap.String("hostname", cfg.Hostname), zap.Int("reporter_pid", cfg.PID)),
		now:       service.SystemClock,
	}
}

func (d *Daemon) WithClock(c service.Clock) *Daemon {
	d.now = c
	return d
}

func (d *Daemon) WithMetrics(m *observability.Metrics) *Daemon {
	d.metrics = m
	return d
}

// Registration is the outcome of Register.
type Registration struct {
	Started bool
	// ExistingPID is the pid of the live reporter that kept the host.
	ExistingPID int
}

// Register claims the host for this daemon. A live reporter with a fresh
// heartbeat keeps the host unless force is set; a stale or displaced one is
// asked to shut down and its row is taken over.
func (d *Daemon) Register(ctx context.Context, force bool) (Registration, error) {
	sess, err := d.connect(ctx)
	if err != nil {
		return Registration{}, err
	}
	defer sess.Close()

	now := d.now()
	existing, err := sess.Reporters.Find(ctx, d.cfg.Hostname)
	switch {
	case errors.Is(err, domain.ErrReporterNotFound):
	case err != nil:
		return Registration{}, err
	case existing.PID == d.cfg.PID:
	case !existing.IsStale(now, d.cfg.StaleAfter) && !force:
		d.logger.Info("reporter already running", zap.Int("pid", existing.PID))
		return Registration{ExistingPID: existing.PID}, nil
	default:
		d.logger.Info("replacing reporter",
			zap.Int("pid", existing.PID),
			zap.Duration("heartbeat_age", existing.HeartbeatAge(now)),
			zap.Bool("forced", force),
		)
		if err := sess.Reporters.RequestShutdown(ctx, d.cfg.Hostname); err != nil && !errors.Is(err, domain.ErrReporterNotFound) {
			return Registration{}, err
		}
	}

	var version *string
	if d.cfg.Version != "" {
		version = &d.cfg.Version
	}
	err = sess.Reporters.Register(ctx, &domain.ReporterStatus{
		Hostname:      d.cfg.Hostname,
		PID:           d.cfg.PID,
		StartedAt:     now,
		LastHeartbeat: now,
		Version:       version,
	})
	if err != nil {
		return Registration{}, err
	}

	d.logger.Info("reporter registered")
	return Registration{Started: true}, nil
}

// Run loops until the shutdown flag is set, the registration is lost or
// ctx is cancelled. Store failures skip the iteration and retry with
// exponential backoff.
func (d *Daemon) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.PollInterval
	b.MaxInterval = 6 * d.cfg.PollInterval
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		stop, err := d.RunOnce(ctx)
		wait := d.cfg.PollInterval
		if err != nil && ctx.Err() == nil {
			wait = b.NextBackOff()
			if d.metrics != nil {
				d.metrics.ReporterIterationFailure.Inc()
			}
			d.logger.Warn("reporter iteration failed", zap.Error(err), zap.Duration("retry_in", wait))
		} else if err == nil {
			b.Reset()
		}
		if stop {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.deregister()
			return nil
		case <-timer.C:
		}
	}
}

// RunOnce performs one iteration. stop reports that the daemon should exit.
func (d *Daemon) RunOnce(ctx context.Context) (stop bool, err error) {
	if d.metrics != nil {
		d.metrics.ReporterIterations.Inc()
	}

	sess, err := d.connect(ctx)
	if err != nil {
		return false, err
	}
	defer sess.Close()

	status, err := sess.Reporters.Find(ctx, d.cfg.Hostname)
	if errors.Is(err, domain.ErrReporterNotFound) {
		d.logger.Warn("reporter registration removed, exiting")
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if status.PID != d.cfg.PID {
		d.logger.Warn("host taken over by another reporter, exiting", zap.Int("pid", status.PID))
		return true, nil
	}
	if status.ShutdownRequested {
		d.logger.Info("shutdown requested")
		if err := sess.Reporters.Delete(ctx, d.cfg.Hostname, d.cfg.PID); err != nil {
			return true, err
		}
		return true, nil
	}

	now := d.now()
	owned, err := sess.Reporters.Heartbeat(ctx, d.cfg.Hostname, d.cfg.PID, now)
	if err != nil {
		return false, err
	}
	if !owned {
		d.logger.Warn("heartbeat rejected, exiting")
		return true, nil
	}

	runs, err := sess.Runs.FindActiveByHost(ctx, d.cfg.Hostname)
	if err != nil {
		return false, err
	}
	if d.metrics != nil {
		d.metrics.ActiveRuns.Set(float64(len(runs)))
	}

	var errs []error
	for _, run := range runs {
		if err := d.monitor(ctx, sess, run); err != nil {
			d.logger.Warn("failed to record metrics", zap.String("run_id", run.ID), zap.Error(err))
			errs = append(errs, err)
		}
	}

	if d.lastCleanup.IsZero() || now.Sub(d.lastCleanup) >= d.cfg.CleanupInterval {
		d.lastCleanup = now
		report, err := sess.Cleaner.Cleanup(ctx, service.CleanupOptions{RetentionDays: d.cfg.RetentionDays})
		if err != nil {
			d.logger.Warn("retention cleanup failed", zap.Error(err))
			errs = append(errs, err)
		} else if report.Snapshots > 0 {
			d.logger.Info("pruned expired metrics",
				zap.Int("runs", len(report.Runs)),
				zap.Int64("snapshots", report.Snapshots),
			)
		}
	}

	return false, errors.Join(errs...)
}

// monitor samples one run and writes its snapshot. A fatal classification
// also fails the run.
func (d *Daemon) monitor(ctx context.Context, sess *Session, run *domain.Run) error {
	if run.PID == nil || *run.PID <= 0 {
		d.logger.Warn("active run has no pid", zap.String("run_id", run.ID))
		return nil
	}
	pid := *run.PID

	prevStart, err := sess.Metrics.LatestStartTime(ctx, run.ID, pid)
	if err != nil {
		return err
	}

	snap := d.collector.Collect(ctx, run.ID, pid, d.cfg.Hostname)
	if !snap.Failed() && prevStart != nil && snap.ProcessStartTime != nil && *prevStart != *snap.ProcessStartTime {
		snap = pidReused(snap, *prevStart)
	}

	if err := sess.Metrics.Insert(ctx, snap); err != nil {
		return err
	}
	d.countCollection(snap)

	if !snap.Failed() {
		return sess.Runs.UpdateResourceMirror(ctx, run.ID, snap.Mirror(), snap.Timestamp)
	}

	fields := []zap.Field{
		zap.String("run_id", run.ID),
		zap.Int("pid", pid),
		zap.String("error_type", string(*snap.ErrorType)),
	}
	if !snap.ErrorType.IsFatal() {
		d.logger.Warn("metrics collection failed", fields...)
		return nil
	}

	d.logger.Warn("run process is gone, failing run", fields...)
	msg := fmt.Sprintf("process %d lost: %s", pid, *snap.ErrorType)
	return sess.Tracker.FailRun(ctx, run.ID, msg, snap.ErrorMessage)
}

// pidReused replaces a measurement of an unrelated process that inherited
// the run's pid.
func pidReused(snap *domain.ProcessMetricSnapshot, prevStart int64) *domain.ProcessMetricSnapshot {
	out := &domain.ProcessMetricSnapshot{
		RunID:            snap.RunID,
		Timestamp:        snap.Timestamp,
		PID:              snap.PID,
		Hostname:         snap.Hostname,
		IsAlive:          true,
		ProcessStartTime: snap.ProcessStartTime,
	}
	out.SetError(domain.ErrorTypePIDReused, fmt.Sprintf(
		"pid %d start time changed from %d to %d", snap.PID, prevStart, *snap.ProcessStartTime))
	return out
}

func (d *Daemon) countCollection(snap *domain.ProcessMetricSnapshot) {
	if d.metrics == nil {
		return
	}
	if snap.Failed() {
		d.metrics.CollectionsTotal.WithLabelValues(observability.ResultError, string(*snap.ErrorType)).Inc()
		return
	}
	d.metrics.CollectionsTotal.WithLabelValues(observability.ResultOK, "").Inc()
}

// deregister removes this daemon's row after an external stop. It uses a
// fresh context since the run context is already cancelled.
func (d *Daemon) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := d.connect(ctx)
	if err != nil {
		d.logger.Warn("failed to deregister reporter", zap.Error(err))
		return
	}
	defer sess.Close()

	if err := sess.Reporters.Delete(ctx, d.cfg.Hostname, d.cfg.PID); err != nil {
		d.logger.Warn("failed to deregister reporter", zap.Error(err))
		return
	}
	d.logger.Info("reporter stopped")
}
