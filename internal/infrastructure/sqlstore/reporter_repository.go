package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/repository"
)

type reporterRepository struct {
	db *DB
}

func NewReporterRepository(db *DB) repository.ReporterRepository {
	return &reporterRepository{db: db}
}

const reporterColumns = `hostname, pid, started_at, last_heartbeat, version, shutdown_requested`

func (r *reporterRepository) Find(ctx context.Context, hostname string) (*domain.ReporterStatus, error) {
	query := r.db.Rebind(`SELECT ` + reporterColumns + ` FROM reporter_status WHERE hostname = ?`)
	status, err := scanReporter(r.db.QueryRowContext(ctx, query, hostname))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrReporterNotFound, hostname)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find reporter: %w", err)
	}
	return status, nil
}

func (r *reporterRepository) List(ctx context.Context) ([]*domain.ReporterStatus, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+reporterColumns+` FROM reporter_status ORDER BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("failed to list reporters: %w", err)
	}
	defer rows.Close()

	var reporters []*domain.ReporterStatus
	for rows.Next() {
		status, err := scanReporter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reporter: %w", err)
		}
		reporters = append(reporters, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reporters: %w", err)
	}
	return reporters, nil
}

func (r *reporterRepository) Register(ctx context.Context, status *domain.ReporterStatus) error {
	query := r.db.Rebind(`
		INSERT INTO reporter_status (hostname, pid, started_at, last_heartbeat, version, shutdown_requested)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (hostname) DO UPDATE SET
			pid = excluded.pid,
			started_at = excluded.started_at,
			last_heartbeat = excluded.last_heartbeat,
			version = excluded.version,
			shutdown_requested = excluded.shutdown_requested
	`)
	_, err := r.db.ExecContext(ctx, query,
		status.Hostname,
		status.PID,
		dbTime(status.StartedAt),
		dbTime(status.LastHeartbeat),
		NullString(status.Version),
		false,
	)
	if err != nil {
		return fmt.Errorf("failed to register reporter: %w", err)
	}
	status.ShutdownRequested = false
	return nil
}

func (r *reporterRepository) Heartbeat(ctx context.Context, hostname string, pid int, now time.Time) (bool, error) {
	query := r.db.Rebind(`UPDATE reporter_status SET last_heartbeat = ? WHERE hostname = ? AND pid = ?`)
	result, err := r.db.ExecContext(ctx, query, dbTime(now), hostname, pid)
	if err != nil {
		return false, fmt.Errorf("failed to update heartbeat: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *reporterRepository) RequestShutdown(ctx context.Context, hostname string) error {
	query := r.db.Rebind(`UPDATE reporter_status SET shutdown_requested = ? WHERE hostname = ?`)
	result, err := r.db.ExecContext(ctx, query, true, hostname)
	if err != nil {
		return fmt.Errorf("failed to request reporter shutdown: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", domain.ErrReporterNotFound, hostname)
	}
	return nil
}

func (r *reporterRepository) Delete(ctx context.Context, hostname string, pid int) error {
	query := r.db.Rebind(`DELETE FROM reporter_status WHERE hostname = ? AND pid = ?`)
	if _, err := r.db.ExecContext(ctx, query, hostname, pid); err != nil {
		return fmt.Errorf("failed to delete reporter: %w", err)
	}
	return nil
}

func scanReporter(row scanner) (*domain.ReporterStatus, error) {
	var status domain.ReporterStatus
	var version sql.NullString
	err := row.Scan(
		&status.Hostname,
		&status.PID,
		timeInto(&status.StartedAt),
		timeInto(&status.LastHeartbeat),
		&version,
		&status.ShutdownRequested,
	)
	if err != nil {
		return nil, err
	}
	status.Version = stringPtr(version)
	return &status, nil
}
