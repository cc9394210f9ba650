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

type taskRepository struct {
	db *DB
}

func NewTaskRepository(db *DB) repository.TaskRepository {
	return &taskRepository{db: db}
}

const taskColumns = `t.task_id, t.stage_id, s.name, t.name, t.task_type, t.task_order,
	t.description, t.script_location, t.log_location, t.created_at, t.updated_at`

func (r *taskRepository) UpsertStage(ctx context.Context, name string, order int, description *string, now time.Time) (*domain.Stage, error) {
	query := r.db.Rebind(`
		INSERT INTO stages (name, stage_order, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			stage_order = excluded.stage_order,
			description = COALESCE(excluded.description, stages.description),
			updated_at = excluded.updated_at
		RETURNING stage_id, name, stage_order, description, created_at, updated_at
	`)

	var stage domain.Stage
	var desc sql.NullString
	err := r.db.QueryRowContext(ctx, query,
		name,
		order,
		NullString(description),
		dbTime(now),
		dbTime(now),
	).Scan(
		&stage.ID,
		&stage.Name,
		&stage.Order,
		&desc,
		timeInto(&stage.CreatedAt),
		timeInto(&stage.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert stage %s: %w", name, err)
	}
	stage.Description = stringPtr(desc)
	return &stage, nil
}

func (r *taskRepository) UpsertTask(ctx context.Context, stageID int64, reg domain.TaskRegistration, now time.Time) (*domain.Task, error) {
	query := r.db.Rebind(`
		INSERT INTO tasks (stage_id, name, task_type, task_order, description, script_location, log_location, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (stage_id, name) DO UPDATE SET
			task_type = excluded.task_type,
			task_order = excluded.task_order,
			description = COALESCE(excluded.description, tasks.description),
			script_location = COALESCE(excluded.script_location, tasks.script_location),
			log_location = COALESCE(excluded.log_location, tasks.log_location),
			updated_at = excluded.updated_at
		RETURNING task_id
	`)

	var taskID int64
	err := r.db.QueryRowContext(ctx, query,
		stageID,
		reg.Name,
		reg.Type,
		reg.Order,
		NullString(reg.Description),
		NullString(reg.ScriptLocation),
		NullString(reg.LogLocation),
		dbTime(now),
		dbTime(now),
	).Scan(&taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert task %s/%s: %w", reg.Stage, reg.Name, err)
	}

	return r.FindTaskByID(ctx, taskID)
}

func (r *taskRepository) FindTask(ctx context.Context, stage, name string) (*domain.Task, error) {
	query := r.db.Rebind(`
		SELECT ` + taskColumns + `
		FROM tasks t
		JOIN stages s ON s.stage_id = t.stage_id
		WHERE s.name = ? AND t.name = ?
	`)
	task, err := scanTask(r.db.QueryRowContext(ctx, query, stage, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrTaskNotFound, stage, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find task: %w", err)
	}
	return task, nil
}

func (r *taskRepository) FindTaskByID(ctx context.Context, taskID int64) (*domain.Task, error) {
	query := r.db.Rebind(`
		SELECT ` + taskColumns + `
		FROM tasks t
		JOIN stages s ON s.stage_id = t.stage_id
		WHERE t.task_id = ?
	`)
	task, err := scanTask(r.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", domain.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find task: %w", err)
	}
	return task, nil
}

func (r *taskRepository) ListTasks(ctx context.Context) ([]*domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks t
		JOIN stages s ON s.stage_id = t.stage_id
		ORDER BY s.stage_order, s.name, t.task_order, t.name
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(row scanner) (*domain.Task, error) {
	var task domain.Task
	var desc, script, logLoc sql.NullString
	err := row.Scan(
		&task.ID,
		&task.StageID,
		&task.StageName,
		&task.Name,
		&task.Type,
		&task.Order,
		&desc,
		&script,
		&logLoc,
		timeInto(&task.CreatedAt),
		timeInto(&task.UpdatedAt),
	)
	if err != nil {
		return nil, err
	}
	task.Description = stringPtr(desc)
	task.ScriptLocation = stringPtr(script)
	task.LogLocation = stringPtr(logLoc)
	return &task, nil
}
