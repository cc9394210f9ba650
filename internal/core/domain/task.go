package domain

import "time"

type Stage struct {
	ID          int64     `db:"stage_id"`
	Name        string    `db:"name"`
	Order       int       `db:"stage_order"`
	Description *string   `db:"description"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

type Task struct {
	ID             int64     `db:"task_id"`
	StageID        int64     `db:"stage_id"`
	StageName      string    `db:"stage_name"`
	Name           string    `db:"name"`
	Type           string    `db:"task_type"`
	Order          int       `db:"task_order"`
	Description    *string   `db:"description"`
	ScriptLocation *string   `db:"script_location"`
	LogLocation    *string   `db:"log_location"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// TaskRegistration describes a task to upsert under a stage. Registration is
// idempotent on (Stage, Name); later registrations refresh the metadata.
type TaskRegistration struct {
	Stage            string
	StageOrder       int
	StageDescription *string
	Name             string
	Type             string
	Order            int
	Description      *string
	ScriptLocation   *string
	LogLocation      *string
}
