package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/repository"
)

type runRepository struct {
	db *DB
}

func NewRunRepository(db *DB) repository.RunRepository {
	return &runRepository{db: db}
}

const runColumns = `run_id, task_id, hostname, pid, parent_pid, start_time, end_time, last_update,
	status, total_subtasks, current_subtask, overall_percent, overall_message,
	error_message, error_detail, version, git_commit, username, environment,
	cpu_percent, memory_rss_mb, memory_vms_mb, num_threads, num_fds,
	child_count, child_cpu_total, child_mem_total_mb, last_metrics_at`

func (r *runRepository) Create(ctx context.Context, run *domain.Run) error {
	var env sql.NullString
	if len(run.Environment) > 0 {
		var err error
		env, err = marshalJSON(run.Environment)
		if err != nil {
			return fmt.Errorf("failed to marshal environment: %w", err)
		}
	}

	query := r.db.Rebind(`
		INSERT INTO runs (run_id, task_id, hostname, pid, parent_pid, start_time, last_update, status,
			total_subtasks, overall_percent, version, git_commit, username, environment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.TaskID,
		run.Hostname,
		NullInt(run.PID),
		NullInt(run.ParentPID),
		dbTime(run.StartTime),
		dbTime(run.LastUpdate),
		run.Status,
		NullInt(run.TotalSubtasks),
		run.OverallPercent,
		NullString(run.Version),
		NullString(run.GitCommit),
		NullString(run.User),
		env,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (r *runRepository) FindByID(ctx context.Context, runID string) (*domain.Run, error) {
	query := r.db.Rebind(`SELECT ` + runColumns + ` FROM runs WHERE run_id = ?`)
	run, err := scanRun(r.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find run: %w", err)
	}
	return run, nil
}

func (r *runRepository) Patch(ctx context.Context, runID string, patch domain.RunPatch, now time.Time) error {
	sets := []string{"last_update = ?"}
	args := []interface{}{dbTime(now)}

	if patch.Percent != nil {
		sets = append(sets, "overall_percent = ?")
		args = append(args, *patch.Percent)
	}
	if patch.Message != nil {
		sets = append(sets, "overall_message = ?")
		args = append(args, *patch.Message)
	}
	if patch.CurrentSubtask != nil {
		sets = append(sets, "current_subtask = ?")
		args = append(args, *patch.CurrentSubtask)
	}
	if patch.TotalSubtasks != nil {
		sets = append(sets, "total_subtasks = ?")
		args = append(args, *patch.TotalSubtasks)
	}

	var sources []string
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return fmt.Errorf("%w: unknown status %s", domain.ErrInvalidTransition, *patch.Status)
		}
		if patch.Status.IsTerminal() {
			return fmt.Errorf("%w: %s must be set through Finish", domain.ErrInvalidTransition, *patch.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
		sources = runStatusStrings(domain.RunSourcesFor(*patch.Status))
	} else {
		sources = runStatusStrings(nonTerminalRunStatuses())
	}

	query := `UPDATE runs SET ` + strings.Join(sets, ", ") + ` WHERE run_id = ? AND status IN (?)`
	args = append(args, runID, sources)

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return fmt.Errorf("failed to build run update: %w", err)
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return r.explainMiss(ctx, r.db, runID)
	}
	return nil
}

func (r *runRepository) Finish(ctx context.Context, runID string, finish domain.RunFinish, now time.Time, retention time.Duration) error {
	if !finish.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is not a terminal status", domain.ErrInvalidTransition, finish.Status)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	update := `
		UPDATE runs SET
			status = ?,
			end_time = ?,
			last_update = ?,
			overall_percent = COALESCE(?, overall_percent),
			overall_message = COALESCE(?, overall_message),
			error_message = COALESCE(?, error_message),
			error_detail = COALESCE(?, error_detail)
		WHERE run_id = ? AND status IN (?)
	`
	query, args, err := sqlx.In(update,
		finish.Status,
		dbTime(now),
		dbTime(now),
		NullFloat64(finish.ForcePercent),
		NullString(finish.Message),
		NullString(finish.ErrorMessage),
		NullString(finish.ErrorDetail),
		runID,
		runStatusStrings(nonTerminalRunStatuses()),
	)
	if err != nil {
		return fmt.Errorf("failed to build run finish: %w", err)
	}

	result, err := tx.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return r.explainMiss(ctx, tx, runID)
	}

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO retention (run_id, completed_at, delete_after, deleted)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id) DO NOTHING
	`), runID, dbTime(now), dbTime(now.Add(retention)), false)
	if err != nil {
		return fmt.Errorf("failed to record retention: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run finish: %w", err)
	}
	return nil
}

func (r *runRepository) FindActiveByHost(ctx context.Context, hostname string) ([]*domain.Run, error) {
	query, args, err := sqlx.In(
		`SELECT `+runColumns+` FROM runs WHERE hostname = ? AND status IN (?) ORDER BY start_time`,
		hostname, runStatusStrings(domain.ActiveRunStatuses),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build active run query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

func (r *runRepository) UpdateResourceMirror(ctx context.Context, runID string, mirror domain.ResourceMirror, at time.Time) error {
	query := r.db.Rebind(`
		UPDATE runs SET
			cpu_percent = ?,
			memory_rss_mb = ?,
			memory_vms_mb = ?,
			num_threads = ?,
			num_fds = ?,
			child_count = ?,
			child_cpu_total = ?,
			child_mem_total_mb = ?,
			last_metrics_at = ?
		WHERE run_id = ?
	`)
	result, err := r.db.ExecContext(ctx, query,
		NullFloat64(mirror.CPUPercent),
		NullFloat64(mirror.MemoryRSSMB),
		NullFloat64(mirror.MemoryVMSMB),
		NullInt(mirror.NumThreads),
		NullInt(mirror.NumFDs),
		NullInt(mirror.ChildCount),
		NullFloat64(mirror.ChildCPUTotal),
		NullFloat64(mirror.ChildMemTotalMB),
		dbTime(at),
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to update resource mirror: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// explainMiss turns a zero-row guarded update into the matching sentinel.
func (r *runRepository) explainMiss(ctx context.Context, q queryRower, runID string) error {
	var status domain.RunStatus
	err := q.QueryRowContext(ctx, r.db.Rebind(`SELECT status FROM runs WHERE run_id = ?`), runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	if err != nil {
		return fmt.Errorf("failed to read run status: %w", err)
	}
	if status.IsTerminal() {
		return fmt.Errorf("%w: run %s is %s", domain.ErrTerminalState, runID, status)
	}
	return fmt.Errorf("%w: run %s is %s", domain.ErrInvalidTransition, runID, status)
}

func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var (
		pid, ppid, total, current, threads, fds, children      sql.NullInt64
		message, errMsg, errDetail, version, commit, user, env sql.NullString
		cpu, rss, vms, childCPU, childMem                      sql.NullFloat64
	)
	err := row.Scan(
		&run.ID,
		&run.TaskID,
		&run.Hostname,
		&pid,
		&ppid,
		timeInto(&run.StartTime),
		nullTimeInto(&run.EndTime),
		timeInto(&run.LastUpdate),
		&run.Status,
		&total,
		&current,
		&run.OverallPercent,
		&message,
		&errMsg,
		&errDetail,
		&version,
		&commit,
		&user,
		&env,
		&cpu,
		&rss,
		&vms,
		&threads,
		&fds,
		&children,
		&childCPU,
		&childMem,
		nullTimeInto(&run.LastMetricsAt),
	)
	if err != nil {
		return nil, err
	}

	run.PID = intPtr(pid)
	run.ParentPID = intPtr(ppid)
	run.TotalSubtasks = intPtr(total)
	run.CurrentSubtask = intPtr(current)
	run.OverallMessage = stringPtr(message)
	run.ErrorMessage = stringPtr(errMsg)
	run.ErrorDetail = stringPtr(errDetail)
	run.Version = stringPtr(version)
	run.GitCommit = stringPtr(commit)
	run.User = stringPtr(user)
	run.Resources = domain.ResourceMirror{
		CPUPercent:      float64Ptr(cpu),
		MemoryRSSMB:     float64Ptr(rss),
		MemoryVMSMB:     float64Ptr(vms),
		NumThreads:      intPtr(threads),
		NumFDs:          intPtr(fds),
		ChildCount:      intPtr(children),
		ChildCPUTotal:   float64Ptr(childCPU),
		ChildMemTotalMB: float64Ptr(childMem),
	}

	if env.Valid && env.String != "" {
		if err := json.Unmarshal([]byte(env.String), &run.Environment); err != nil {
			return nil, fmt.Errorf("failed to unmarshal environment: %w", err)
		}
	}
	return &run, nil
}

func nonTerminalRunStatuses() []domain.RunStatus {
	var out []domain.RunStatus
	for _, s := range domain.AllRunStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

func runStatusStrings(statuses []domain.RunStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
