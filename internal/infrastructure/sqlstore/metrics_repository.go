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

type metricsRepository struct {
	db *DB
}

func NewMetricsRepository(db *DB) repository.MetricsRepository {
	return &metricsRepository{db: db}
}

const metricsColumns = `id, run_id, ts, pid, hostname, is_alive, process_start_time,
	cpu_percent, memory_rss_mb, memory_vms_mb, memory_swap_mb, memory_percent,
	io_read_bytes, io_write_bytes, io_read_count, io_write_count,
	num_fds, num_threads, page_faults_minor, page_faults_major,
	ctx_switches_voluntary, ctx_switches_involuntary,
	child_count, child_cpu_total, child_mem_total_mb,
	collection_error, error_message, error_type`

// Insert appends one snapshot. A second snapshot for the same (run, ts) is
// dropped; snapshot.ID stays zero in that case.
func (r *metricsRepository) Insert(ctx context.Context, s *domain.ProcessMetricSnapshot) error {
	var errorType sql.NullString
	if s.ErrorType != nil {
		errorType = sql.NullString{String: string(*s.ErrorType), Valid: true}
	}

	query := r.db.Rebind(`
		INSERT INTO process_metrics (run_id, ts, pid, hostname, is_alive, process_start_time,
			cpu_percent, memory_rss_mb, memory_vms_mb, memory_swap_mb, memory_percent,
			io_read_bytes, io_write_bytes, io_read_count, io_write_count,
			num_fds, num_threads, page_faults_minor, page_faults_major,
			ctx_switches_voluntary, ctx_switches_involuntary,
			child_count, child_cpu_total, child_mem_total_mb,
			collection_error, error_message, error_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, ts) DO NOTHING
		RETURNING id
	`)

	err := r.db.QueryRowContext(ctx, query,
		s.RunID,
		dbTime(s.Timestamp),
		s.PID,
		s.Hostname,
		s.IsAlive,
		NullInt64(s.ProcessStartTime),
		NullFloat64(s.CPUPercent),
		NullFloat64(s.MemoryRSSMB),
		NullFloat64(s.MemoryVMSMB),
		NullFloat64(s.MemorySwapMB),
		NullFloat64(s.MemoryPercent),
		NullInt64(s.IOReadBytes),
		NullInt64(s.IOWriteBytes),
		NullInt64(s.IOReadCount),
		NullInt64(s.IOWriteCount),
		NullInt(s.NumFDs),
		NullInt(s.NumThreads),
		NullInt64(s.PageFaultsMinor),
		NullInt64(s.PageFaultsMajor),
		NullInt64(s.CtxSwitchesVoluntary),
		NullInt64(s.CtxSwitchesInvoluntary),
		s.ChildCount,
		s.ChildCPUTotal,
		s.ChildMemTotalMB,
		s.CollectionError,
		NullString(s.ErrorMessage),
		errorType,
	).Scan(&s.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to insert metrics snapshot: %w", err)
	}
	return nil
}

func (r *metricsRepository) LatestStartTime(ctx context.Context, runID string, pid int) (*int64, error) {
	query := r.db.Rebind(`
		SELECT process_start_time FROM process_metrics
		WHERE run_id = ? AND pid = ? AND process_start_time IS NOT NULL
		ORDER BY ts DESC, id DESC
		LIMIT 1
	`)
	var start sql.NullInt64
	err := r.db.QueryRowContext(ctx, query, runID, pid).Scan(&start)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read previous process start time: %w", err)
	}
	return int64Ptr(start), nil
}

// ListByRun returns snapshots oldest first.
func (r *metricsRepository) ListByRun(ctx context.Context, runID string, filter repository.MetricsFilter) ([]*domain.ProcessMetricSnapshot, error) {
	query := `SELECT ` + metricsColumns + ` FROM process_metrics WHERE run_id = ?`
	args := []interface{}{runID}

	if filter.Since != nil {
		query += " AND ts >= ?"
		args = append(args, dbTime(*filter.Since))
	}
	query += " ORDER BY ts, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer rows.Close()

	var snapshots []*domain.ProcessMetricSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metrics snapshot: %w", err)
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metrics: %w", err)
	}
	return snapshots, nil
}

func (r *metricsRepository) CountByRun(ctx context.Context, runID string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM process_metrics WHERE run_id = ?`), runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count metrics: %w", err)
	}
	return count, nil
}

func (r *metricsRepository) DeleteByRun(ctx context.Context, runID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM process_metrics WHERE run_id = ?`), runID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete metrics: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func scanSnapshot(row scanner) (*domain.ProcessMetricSnapshot, error) {
	var s domain.ProcessMetricSnapshot
	var (
		startTime, ioRB, ioWB, ioRC, ioWC, fds, threads sql.NullInt64
		pfMinor, pfMajor, ctxVol, ctxInvol              sql.NullInt64
		cpu, rss, vms, swap, memPct                     sql.NullFloat64
		errMsg, errType                                 sql.NullString
	)
	err := row.Scan(
		&s.ID,
		&s.RunID,
		timeInto(&s.Timestamp),
		&s.PID,
		&s.Hostname,
		&s.IsAlive,
		&startTime,
		&cpu,
		&rss,
		&vms,
		&swap,
		&memPct,
		&ioRB,
		&ioWB,
		&ioRC,
		&ioWC,
		&fds,
		&threads,
		&pfMinor,
		&pfMajor,
		&ctxVol,
		&ctxInvol,
		&s.ChildCount,
		&s.ChildCPUTotal,
		&s.ChildMemTotalMB,
		&s.CollectionError,
		&errMsg,
		&errType,
	)
	if err != nil {
		return nil, err
	}

	s.ProcessStartTime = int64Ptr(startTime)
	s.CPUPercent = float64Ptr(cpu)
	s.MemoryRSSMB = float64Ptr(rss)
	s.MemoryVMSMB = float64Ptr(vms)
	s.MemorySwapMB = float64Ptr(swap)
	s.MemoryPercent = float64Ptr(memPct)
	s.IOReadBytes = int64Ptr(ioRB)
	s.IOWriteBytes = int64Ptr(ioWB)
	s.IOReadCount = int64Ptr(ioRC)
	s.IOWriteCount = int64Ptr(ioWC)
	s.NumFDs = intPtr(fds)
	s.NumThreads = intPtr(threads)
	s.PageFaultsMinor = int64Ptr(pfMinor)
	s.PageFaultsMajor = int64Ptr(pfMajor)
	s.CtxSwitchesVoluntary = int64Ptr(ctxVol)
	s.CtxSwitchesInvoluntary = int64Ptr(ctxInvol)
	s.ErrorMessage = stringPtr(errMsg)
	if errType.Valid {
		t := domain.CollectionErrorType(errType.String)
		s.ErrorType = &t
	}
	return &s, nil
}

type retentionRepository struct {
	db *DB
}

func NewRetentionRepository(db *DB) repository.RetentionRepository {
	return &retentionRepository{db: db}
}

const retentionColumns = `run_id, completed_at, delete_after, deleted, deleted_at, deleted_count`

// FindUnrecorded lists the retention records Backfill would create: one
// per terminal run that has none yet. Nothing is written.
func (r *retentionRepository) FindUnrecorded(ctx context.Context, retention time.Duration) ([]*domain.RetentionRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT r.run_id, COALESCE(r.end_time, r.last_update)
		FROM runs r
		LEFT JOIN retention rt ON rt.run_id = r.run_id
		WHERE rt.run_id IS NULL AND r.status IN (?, ?, ?, ?)
		ORDER BY 2
	`),
		domain.RunStatusCompleted, domain.RunStatusFailed, domain.RunStatusCancelled, domain.RunStatusSkipped,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find runs without retention: %w", err)
	}
	defer rows.Close()

	var missing []*domain.RetentionRecord
	for rows.Next() {
		rec := &domain.RetentionRecord{}
		if err := rows.Scan(&rec.RunID, timeInto(&rec.CompletedAt)); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		rec.DeleteAfter = rec.CompletedAt.Add(retention)
		missing = append(missing, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return missing, nil
}

// Backfill covers runs finished by writers that never recorded retention.
func (r *retentionRepository) Backfill(ctx context.Context, retention time.Duration) (int, error) {
	missing, err := r.FindUnrecorded(ctx, retention)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, rec := range missing {
		result, err := r.db.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO retention (run_id, completed_at, delete_after, deleted)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (run_id) DO NOTHING
		`), rec.RunID, dbTime(rec.CompletedAt), dbTime(rec.DeleteAfter), false)
		if err != nil {
			return created, fmt.Errorf("failed to backfill retention for %s: %w", rec.RunID, err)
		}
		if n, err := result.RowsAffected(); err == nil && n > 0 {
			created++
		}
	}
	return created, nil
}

func (r *retentionRepository) FindDue(ctx context.Context, cutoff time.Time) ([]*domain.RetentionRecord, error) {
	query := r.db.Rebind(`
		SELECT ` + retentionColumns + ` FROM retention
		WHERE deleted = ? AND completed_at <= ?
		ORDER BY completed_at
	`)
	rows, err := r.db.QueryContext(ctx, query, false, dbTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to find due retention records: %w", err)
	}
	defer rows.Close()

	var records []*domain.RetentionRecord
	for rows.Next() {
		rec, err := scanRetention(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan retention record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating retention records: %w", err)
	}
	return records, nil
}

func (r *retentionRepository) Find(ctx context.Context, runID string) (*domain.RetentionRecord, error) {
	query := r.db.Rebind(`SELECT ` + retentionColumns + ` FROM retention WHERE run_id = ?`)
	rec, err := scanRetention(r.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no retention record for %s", domain.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find retention record: %w", err)
	}
	return rec, nil
}

func (r *retentionRepository) MarkDeleted(ctx context.Context, runID string, count int64, at time.Time) error {
	query := r.db.Rebind(`UPDATE retention SET deleted = ?, deleted_at = ?, deleted_count = ? WHERE run_id = ?`)
	result, err := r.db.ExecContext(ctx, query, true, dbTime(at), count, runID)
	if err != nil {
		return fmt.Errorf("failed to mark retention deleted: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: no retention record for %s", domain.ErrRunNotFound, runID)
	}
	return nil
}

func scanRetention(row scanner) (*domain.RetentionRecord, error) {
	var rec domain.RetentionRecord
	var count sql.NullInt64
	err := row.Scan(
		&rec.RunID,
		timeInto(&rec.CompletedAt),
		timeInto(&rec.DeleteAfter),
		&rec.Deleted,
		nullTimeInto(&rec.DeletedAt),
		&count,
	)
	if err != nil {
		return nil, err
	}
	rec.DeletedCount = int64Ptr(count)
	return &rec, nil
}
