package dto

import "time"

// RunResponse is one row of the run status view. Metrics fields are nil
// when no snapshot exists; MetricsStale tells consumers to render them as
// unknown.
type RunResponse struct {
	RunID          string     `json:"run_id"`
	TaskID         int64      `json:"task_id"`
	TaskName       string     `json:"task_name"`
	TaskType       string     `json:"task_type"`
	StageName      string     `json:"stage_name"`
	Hostname       string     `json:"hostname"`
	PID            *int       `json:"pid,omitempty"`
	Status         string     `json:"status"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	LastUpdate     time.Time  `json:"last_update"`
	OverallPercent float64    `json:"overall_percent"`
	OverallMessage *string    `json:"overall_message,omitempty"`
	CurrentSubtask *int       `json:"current_subtask,omitempty"`
	TotalSubtasks  *int       `json:"total_subtasks,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`

	MetricsTime         *time.Time `json:"metrics_time,omitempty"`
	CPUPercent          *float64   `json:"cpu_percent,omitempty"`
	MemoryRSSMB         *float64   `json:"memory_rss_mb,omitempty"`
	ChildCount          *int       `json:"child_count,omitempty"`
	ChildCPUTotal       *float64   `json:"child_cpu_total,omitempty"`
	ChildMemTotalMB     *float64   `json:"child_mem_total_mb,omitempty"`
	IsAlive             *bool      `json:"is_alive,omitempty"`
	MetricsErrorType    *string    `json:"metrics_error_type,omitempty"`
	MetricsErrorMessage *string    `json:"metrics_error_message,omitempty"`
	SnapshotAgeSeconds  *float64   `json:"snapshot_age_seconds,omitempty"`
	MetricsStale        bool       `json:"metrics_stale"`
}

type RunListResponse struct {
	Items      []RunResponse  `json:"items"`
	Pagination PaginationInfo `json:"pagination"`
}

type SubtaskResponse struct {
	Number        int        `json:"subtask_number"`
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	LastUpdate    time.Time  `json:"last_update"`
	Percent       float64    `json:"percent"`
	ItemsTotal    *int64     `json:"items_total,omitempty"`
	ItemsComplete *int64     `json:"items_complete,omitempty"`
	Message       *string    `json:"message,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
}

type RunDetailResponse struct {
	RunResponse
	Subtasks []SubtaskResponse `json:"subtasks"`
}

type SubtaskListResponse struct {
	Items []SubtaskResponse `json:"items"`
}

type SnapshotResponse struct {
	Timestamp        time.Time `json:"ts"`
	PID              int       `json:"pid"`
	Hostname         string    `json:"hostname"`
	IsAlive          bool      `json:"is_alive"`
	ProcessStartTime *int64    `json:"process_start_time,omitempty"`

	CPUPercent    *float64 `json:"cpu_percent,omitempty"`
	MemoryRSSMB   *float64 `json:"memory_rss_mb,omitempty"`
	MemoryVMSMB   *float64 `json:"memory_vms_mb,omitempty"`
	MemorySwapMB  *float64 `json:"memory_swap_mb,omitempty"`
	MemoryPercent *float64 `json:"memory_percent,omitempty"`

	IOReadBytes  *int64 `json:"io_read_bytes,omitempty"`
	IOWriteBytes *int64 `json:"io_write_bytes,omitempty"`
	IOReadCount  *int64 `json:"io_read_count,omitempty"`
	IOWriteCount *int64 `json:"io_write_count,omitempty"`

	NumFDs                 *int   `json:"num_fds,omitempty"`
	NumThreads             *int   `json:"num_threads,omitempty"`
	PageFaultsMinor        *int64 `json:"page_faults_minor,omitempty"`
	PageFaultsMajor        *int64 `json:"page_faults_major,omitempty"`
	CtxSwitchesVoluntary   *int64 `json:"ctx_switches_voluntary,omitempty"`
	CtxSwitchesInvoluntary *int64 `json:"ctx_switches_involuntary,omitempty"`

	ChildCount      int     `json:"child_count"`
	ChildCPUTotal   float64 `json:"child_cpu_total"`
	ChildMemTotalMB float64 `json:"child_mem_total_mb"`

	CollectionError bool    `json:"collection_error"`
	ErrorType       *string `json:"error_type,omitempty"`
	ErrorMessage    *string `json:"error_message,omitempty"`
}

type MetricsListResponse struct {
	RunID string             `json:"run_id"`
	Items []SnapshotResponse `json:"items"`
}

type TaskResponse struct {
	TaskID         int64     `json:"task_id"`
	StageName      string    `json:"stage_name"`
	Name           string    `json:"name"`
	Type           string    `json:"task_type"`
	Order          int       `json:"task_order"`
	Description    *string   `json:"description,omitempty"`
	ScriptLocation *string   `json:"script_location,omitempty"`
	LogLocation    *string   `json:"log_location,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type TaskListResponse struct {
	Items []TaskResponse `json:"items"`
}
