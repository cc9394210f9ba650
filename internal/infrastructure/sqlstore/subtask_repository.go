package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/repository"
)

type subtaskRepository struct {
	db *DB
}

func NewSubtaskRepository(db *DB) repository.SubtaskRepository {
	return &subtaskRepository{db: db}
}

const subtaskColumns = `id, run_id, subtask_number, name, status, start_time, end_time, last_update,
	percent, items_total, items_complete, message, error_message`

// allocateAttempts bounds retries when two writers race for the same
// auto-allocated subtask number.
const allocateAttempts = 5

func (r *subtaskRepository) Start(ctx context.Context, in domain.StartSubtaskInput, now time.Time) (*domain.SubtaskProgress, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var subtask *domain.SubtaskProgress
	if in.Number != nil {
		subtask, err = r.upsertNumbered(ctx, tx, in, now)
	} else {
		subtask, err = r.insertNext(ctx, tx, in, now)
	}
	if err != nil {
		return nil, err
	}

	query, args, err := sqlx.In(`
		UPDATE runs SET
			current_subtask = ?,
			total_subtasks = CASE WHEN total_subtasks IS NULL OR total_subtasks < ? THEN ? ELSE total_subtasks END,
			status = CASE WHEN status = ? THEN ? ELSE status END,
			last_update = ?
		WHERE run_id = ? AND status IN (?)
	`,
		subtask.Number,
		subtask.Number, subtask.Number,
		domain.RunStatusStarted, domain.RunStatusRunning,
		dbTime(now),
		in.RunID,
		runStatusStrings(nonTerminalRunStatuses()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build run update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to advance run to subtask %d: %w", subtask.Number, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit subtask start: %w", err)
	}
	return subtask, nil
}

// upsertNumbered creates the subtask or re-announces an existing,
// non-terminal one. A re-announce may rename it or change its total but
// keeps status, start time and items_complete, which concurrent Increment
// calls may already be advancing.
func (r *subtaskRepository) upsertNumbered(ctx context.Context, tx *sqlx.Tx, in domain.StartSubtaskInput, now time.Time) (*domain.SubtaskProgress, error) {
	total := "COALESCE(excluded.items_total, subtask_progress.items_total)"
	least := r.db.Dialect().Least("100.0", "COALESCE(subtask_progress.items_complete, 0) * 100.0 / "+total)
	query, args, err := sqlx.In(`
		INSERT INTO subtask_progress (run_id, subtask_number, name, status, start_time, last_update, percent, items_total, items_complete)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, subtask_number) DO UPDATE SET
			name = excluded.name,
			last_update = excluded.last_update,
			items_total = `+total+`,
			percent = CASE WHEN `+total+` > 0 THEN `+least+` ELSE subtask_progress.percent END
		WHERE subtask_progress.status NOT IN (?)
		RETURNING `+subtaskColumns,
		in.RunID,
		*in.Number,
		in.Name,
		domain.SubtaskStatusStarted,
		dbTime(now),
		dbTime(now),
		0.0,
		NullInt64(in.ItemsTotal),
		int64(0),
		subtaskStatusStrings(domain.TerminalSubtaskStatuses),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build subtask upsert: %w", err)
	}

	subtask, err := scanSubtask(tx.QueryRowContext(ctx, r.db.Rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: subtask %d of run %s", domain.ErrTerminalState, *in.Number, in.RunID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start subtask: %w", err)
	}
	return subtask, nil
}

// insertNext allocates MAX(subtask_number)+1 inside the INSERT itself.
func (r *subtaskRepository) insertNext(ctx context.Context, tx *sqlx.Tx, in domain.StartSubtaskInput, now time.Time) (*domain.SubtaskProgress, error) {
	query := r.db.Rebind(`
		INSERT INTO subtask_progress (run_id, subtask_number, name, status, start_time, last_update, percent, items_total, items_complete)
		VALUES (?, (SELECT COALESCE(MAX(subtask_number), 0) + 1 FROM subtask_progress WHERE run_id = ?), ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, subtask_number) DO NOTHING
		RETURNING ` + subtaskColumns)

	for attempt := 0; attempt < allocateAttempts; attempt++ {
		subtask, err := scanSubtask(tx.QueryRowContext(ctx, query,
			in.RunID,
			in.RunID,
			in.Name,
			domain.SubtaskStatusStarted,
			dbTime(now),
			dbTime(now),
			0.0,
			NullInt64(in.ItemsTotal),
			int64(0),
		))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to start subtask: %w", err)
		}
		return subtask, nil
	}
	return nil, fmt.Errorf("failed to allocate subtask number for run %s after %d attempts", in.RunID, allocateAttempts)
}

func (r *subtaskRepository) ResolveNumber(ctx context.Context, runID string, number *int) (int, error) {
	if number != nil {
		return *number, nil
	}

	var current sql.NullInt64
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT current_subtask FROM runs WHERE run_id = ?`), runID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read current subtask: %w", err)
	}
	if !current.Valid {
		return 0, fmt.Errorf("%w: run %s has no current subtask", domain.ErrSubtaskNotFound, runID)
	}
	return int(current.Int64), nil
}

func (r *subtaskRepository) Patch(ctx context.Context, runID string, number int, patch domain.SubtaskPatch, now time.Time) error {
	sets := []string{"last_update = ?"}
	args := []interface{}{dbTime(now)}

	if patch.Percent != nil {
		sets = append(sets, "percent = ?")
		args = append(args, *patch.Percent)
	}
	if patch.ItemsTotal != nil {
		sets = append(sets, "items_total = ?")
		args = append(args, *patch.ItemsTotal)
	}
	if patch.ItemsComplete != nil {
		sets = append(sets, "items_complete = ?")
		args = append(args, *patch.ItemsComplete)
	}
	if patch.Message != nil {
		sets = append(sets, "message = ?")
		args = append(args, *patch.Message)
	}
	if patch.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}

	sources := subtaskStatusStrings(nonTerminalSubtaskStatuses())
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return fmt.Errorf("%w: unknown status %s", domain.ErrInvalidTransition, *patch.Status)
		}
		sets = append(sets, "status = ?", "start_time = COALESCE(start_time, ?)")
		args = append(args, *patch.Status, dbTime(now))
		if patch.Status.IsTerminal() {
			sets = append(sets, "end_time = ?")
			args = append(args, dbTime(now))
		}
		sources = subtaskStatusStrings(domain.SubtaskSourcesFor(*patch.Status))
	}

	query := `UPDATE subtask_progress SET ` + strings.Join(sets, ", ") +
		` WHERE run_id = ? AND subtask_number = ? AND status IN (?)`
	args = append(args, runID, number, sources)

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return fmt.Errorf("failed to build subtask update: %w", err)
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update subtask: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	existing, err := r.Find(ctx, runID, number)
	if err != nil {
		return err
	}
	if existing.Status.IsTerminal() {
		return fmt.Errorf("%w: subtask %d of run %s is %s", domain.ErrTerminalState, number, runID, existing.Status)
	}
	return fmt.Errorf("%w: subtask %d of run %s is %s", domain.ErrInvalidTransition, number, runID, existing.Status)
}

// Increment is a single UPDATE: the database serializes concurrent callers
// on the row, so no increment is lost regardless of how many processes
// report against the same subtask.
func (r *subtaskRepository) Increment(ctx context.Context, runID string, number int, delta int64, now time.Time) (int64, error) {
	least := r.db.Dialect().Least("100.0", "(COALESCE(items_complete, 0) + ?) * 100.0 / items_total")
	query := r.db.Rebind(`
		UPDATE subtask_progress SET
			items_complete = COALESCE(items_complete, 0) + ?,
			percent = CASE WHEN items_total IS NOT NULL AND items_total > 0 THEN ` + least + ` ELSE percent END,
			status = CASE WHEN status = ? THEN ? ELSE status END,
			last_update = ?
		WHERE run_id = ? AND subtask_number = ?
		RETURNING items_complete
	`)

	var complete int64
	err := r.db.QueryRowContext(ctx, query,
		delta,
		delta,
		domain.SubtaskStatusStarted, domain.SubtaskStatusRunning,
		dbTime(now),
		runID,
		number,
	).Scan(&complete)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: subtask %d of run %s", domain.ErrSubtaskNotFound, number, runID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment subtask: %w", err)
	}
	return complete, nil
}

func (r *subtaskRepository) Find(ctx context.Context, runID string, number int) (*domain.SubtaskProgress, error) {
	query := r.db.Rebind(`SELECT ` + subtaskColumns + ` FROM subtask_progress WHERE run_id = ? AND subtask_number = ?`)
	subtask, err := scanSubtask(r.db.QueryRowContext(ctx, query, runID, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: subtask %d of run %s", domain.ErrSubtaskNotFound, number, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subtask: %w", err)
	}
	return subtask, nil
}

func (r *subtaskRepository) ListByRun(ctx context.Context, runID string) ([]*domain.SubtaskProgress, error) {
	query := r.db.Rebind(`SELECT ` + subtaskColumns + ` FROM subtask_progress WHERE run_id = ? ORDER BY subtask_number`)
	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subtasks: %w", err)
	}
	defer rows.Close()

	var subtasks []*domain.SubtaskProgress
	for rows.Next() {
		subtask, err := scanSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subtask: %w", err)
		}
		subtasks = append(subtasks, subtask)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subtasks: %w", err)
	}
	return subtasks, nil
}

func scanSubtask(row scanner) (*domain.SubtaskProgress, error) {
	var s domain.SubtaskProgress
	var total, complete sql.NullInt64
	var message, errMsg sql.NullString
	err := row.Scan(
		&s.ID,
		&s.RunID,
		&s.Number,
		&s.Name,
		&s.Status,
		nullTimeInto(&s.StartTime),
		nullTimeInto(&s.EndTime),
		timeInto(&s.LastUpdate),
		&s.Percent,
		&total,
		&complete,
		&message,
		&errMsg,
	)
	if err != nil {
		return nil, err
	}
	s.ItemsTotal = int64Ptr(total)
	s.ItemsComplete = int64Ptr(complete)
	s.Message = stringPtr(message)
	s.ErrorMessage = stringPtr(errMsg)
	return &s, nil
}

func nonTerminalSubtaskStatuses() []domain.SubtaskStatus {
	var out []domain.SubtaskStatus
	for _, s := range domain.AllSubtaskStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

func subtaskStatusStrings(statuses []domain.SubtaskStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
