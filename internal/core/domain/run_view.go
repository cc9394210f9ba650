package domain

import "time"

// MetricsStaleAfter is the age past which a snapshot no longer describes
// the process. Consumers render such rows as unknown, not as zero usage.
const MetricsStaleAfter = 30 * time.Second

// RunView joins a run's current state with its latest metrics snapshot.
type RunView struct {
	RunID          string     `db:"run_id"`
	TaskID         int64      `db:"task_id"`
	TaskName       string     `db:"task_name"`
	TaskType       string     `db:"task_type"`
	StageName      string     `db:"stage_name"`
	Hostname       string     `db:"hostname"`
	PID            *int       `db:"pid"`
	Status         RunStatus  `db:"status"`
	StartTime      time.Time  `db:"start_time"`
	EndTime        *time.Time `db:"end_time"`
	LastUpdate     time.Time  `db:"last_update"`
	OverallPercent float64    `db:"overall_percent"`
	OverallMessage *string    `db:"overall_message"`
	CurrentSubtask *int       `db:"current_subtask"`
	TotalSubtasks  *int       `db:"total_subtasks"`
	ErrorMessage   *string    `db:"error_message"`

	MetricsTime        *time.Time           `db:"metrics_time"`
	CPUPercent         *float64             `db:"cpu_percent"`
	MemoryRSSMB        *float64             `db:"memory_rss_mb"`
	ChildCount         *int                 `db:"child_count"`
	ChildCPUTotal      *float64             `db:"child_cpu_total"`
	ChildMemTotalMB    *float64             `db:"child_mem_total_mb"`
	IsAlive            *bool                `db:"is_alive"`
	MetricsErrorType   *CollectionErrorType `db:"metrics_error_type"`
	MetricsErrorMsg    *string              `db:"metrics_error_message"`
	SnapshotAgeSeconds *float64
	MetricsStale       bool
}

// Annotate fills the derived staleness fields relative to now.
func (v *RunView) Annotate(now time.Time) {
	if v.MetricsTime == nil {
		v.SnapshotAgeSeconds = nil
		v.MetricsStale = true
		return
	}
	age := now.Sub(*v.MetricsTime).Seconds()
	if age < 0 {
		age = 0
	}
	v.SnapshotAgeSeconds = &age
	v.MetricsStale = age > MetricsStaleAfter.Seconds()
}

// RunDetail is a run view plus its subtasks.
type RunDetail struct {
	RunView
	Subtasks []*SubtaskProgress
}
