package domain

import (
	"time"

	"github.com/google/uuid"
)

type Run struct {
	ID             string     `db:"run_id"`
	TaskID         int64      `db:"task_id"`
	Hostname       string     `db:"hostname"`
	PID            *int       `db:"pid"`
	ParentPID      *int       `db:"parent_pid"`
	StartTime      time.Time  `db:"start_time"`
	EndTime        *time.Time `db:"end_time"`
	LastUpdate     time.Time  `db:"last_update"`
	Status         RunStatus  `db:"status"`
	TotalSubtasks  *int       `db:"total_subtasks"`
	CurrentSubtask *int       `db:"current_subtask"`
	OverallPercent float64    `db:"overall_percent"`
	OverallMessage *string    `db:"overall_message"`
	ErrorMessage   *string    `db:"error_message"`
	ErrorDetail    *string    `db:"error_detail"`
	Version        *string    `db:"version"`
	GitCommit      *string    `db:"git_commit"`
	User           *string    `db:"username"`
	Environment    map[string]interface{}

	// Mirrored from the latest successful metrics snapshot.
	Resources     ResourceMirror
	LastMetricsAt *time.Time `db:"last_metrics_at"`
}

// ResourceMirror holds the subset of a snapshot copied onto the run row.
type ResourceMirror struct {
	CPUPercent      *float64 `db:"cpu_percent"`
	MemoryRSSMB     *float64 `db:"memory_rss_mb"`
	MemoryVMSMB     *float64 `db:"memory_vms_mb"`
	NumThreads      *int     `db:"num_threads"`
	NumFDs          *int     `db:"num_fds"`
	ChildCount      *int     `db:"child_count"`
	ChildCPUTotal   *float64 `db:"child_cpu_total"`
	ChildMemTotalMB *float64 `db:"child_mem_total_mb"`
}

// StartRunInput carries everything recorded when a run begins.
type StartRunInput struct {
	RunID         string // optional, generated when empty
	TaskID        int64
	Hostname      string
	PID           int
	ParentPID     int
	TotalSubtasks *int
	Version       *string
	GitCommit     *string
	User          *string
	Environment   map[string]interface{}
}

func NewRun(in StartRunInput, now time.Time) *Run {
	id := in.RunID
	if id == "" {
		id = uuid.New().String()
	}
	pid := in.PID
	ppid := in.ParentPID
	return &Run{
		ID:            id,
		TaskID:        in.TaskID,
		Hostname:      in.Hostname,
		PID:           &pid,
		ParentPID:     &ppid,
		StartTime:     now,
		LastUpdate:    now,
		Status:        RunStatusStarted,
		TotalSubtasks: in.TotalSubtasks,
		Version:       in.Version,
		GitCommit:     in.GitCommit,
		User:          in.User,
		Environment:   in.Environment,
	}
}

func (r *Run) IsComplete() bool {
	return r.Status.IsTerminal()
}

// RunPatch is a partial update of a run. Nil fields are left untouched.
type RunPatch struct {
	Status         *RunStatus
	Percent        *float64
	Message        *string
	CurrentSubtask *int
	TotalSubtasks  *int
}

func (p RunPatch) IsEmpty() bool {
	return p.Status == nil && p.Percent == nil && p.Message == nil &&
		p.CurrentSubtask == nil && p.TotalSubtasks == nil
}

// RunFinish describes a transition into a terminal status.
type RunFinish struct {
	Status       RunStatus
	Message      *string
	ErrorMessage *string
	ErrorDetail  *string
	// ForcePercent, when set, overwrites overall_percent (100 on completion).
	ForcePercent *float64
}
