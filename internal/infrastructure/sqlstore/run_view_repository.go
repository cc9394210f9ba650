package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/repository"
)

type runViewRepository struct {
	db *DB
}

func NewRunViewRepository(db *DB) repository.RunViewRepository {
	return &runViewRepository{db: db}
}

const runViewColumns = `run_id, task_id, task_name, task_type, stage_name, hostname, pid, status,
	start_time, end_time, last_update, overall_percent, overall_message,
	current_subtask, total_subtasks, error_message,
	metrics_time, cpu_percent, memory_rss_mb, child_count, child_cpu_total,
	child_mem_total_mb, is_alive, metrics_error_type, metrics_error_message`

func (r *runViewRepository) List(ctx context.Context, filter repository.RunViewFilter) ([]*domain.RunView, error) {
	query := `SELECT ` + runViewColumns + ` FROM v_run_status WHERE 1=1`
	args := []interface{}{}

	query, args = ApplyFilters(query, args, filter.Filters)
	query = ApplyOrdering(query, filter.Order, "start_time DESC")
	query, args = ApplyPagination(query, args, filter.ListFilter)

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var views []*domain.RunView
	for rows.Next() {
		view, err := scanRunView(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		views = append(views, view)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return views, nil
}

func (r *runViewRepository) Count(ctx context.Context, filter repository.RunViewFilter) (int, error) {
	query := `SELECT COUNT(*) FROM v_run_status WHERE 1=1`
	args := []interface{}{}
	query, args = ApplyFilters(query, args, filter.Filters)

	var count int
	if err := r.db.QueryRowContext(ctx, r.db.Rebind(query), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return count, nil
}

func (r *runViewRepository) Get(ctx context.Context, runID string) (*domain.RunView, error) {
	query := r.db.Rebind(`SELECT ` + runViewColumns + ` FROM v_run_status WHERE run_id = ?`)
	view, err := scanRunView(r.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return view, nil
}

func scanRunView(row scanner) (*domain.RunView, error) {
	var v domain.RunView
	var (
		pid, current, total, children                  sql.NullInt64
		message, errMsg, metricsErrType, metricsErrMsg sql.NullString
		cpu, rss, childCPU, childMem                   sql.NullFloat64
		alive                                          sql.NullBool
	)
	err := row.Scan(
		&v.RunID,
		&v.TaskID,
		&v.TaskName,
		&v.TaskType,
		&v.StageName,
		&v.Hostname,
		&pid,
		&v.Status,
		timeInto(&v.StartTime),
		nullTimeInto(&v.EndTime),
		timeInto(&v.LastUpdate),
		&v.OverallPercent,
		&message,
		&current,
		&total,
		&errMsg,
		nullTimeInto(&v.MetricsTime),
		&cpu,
		&rss,
		&children,
		&childCPU,
		&childMem,
		&alive,
		&metricsErrType,
		&metricsErrMsg,
	)
	if err != nil {
		return nil, err
	}

	v.PID = intPtr(pid)
	v.OverallMessage = stringPtr(message)
	v.CurrentSubtask = intPtr(current)
	v.TotalSubtasks = intPtr(total)
	v.ErrorMessage = stringPtr(errMsg)
	v.CPUPercent = float64Ptr(cpu)
	v.MemoryRSSMB = float64Ptr(rss)
	v.ChildCount = intPtr(children)
	v.ChildCPUTotal = float64Ptr(childCPU)
	v.ChildMemTotalMB = float64Ptr(childMem)
	v.IsAlive = boolPtr(alive)
	v.MetricsErrorMsg = stringPtr(metricsErrMsg)
	if metricsErrType.Valid {
		t := domain.CollectionErrorType(metricsErrType.String)
		v.MetricsErrorType = &t
	}
	return &v, nil
}
