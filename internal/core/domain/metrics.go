package domain

import "time"

// CollectionErrorType classifies why a metrics collection did not produce
// a full snapshot. Collection errors are stored, never raised.
type CollectionErrorType string

const (
	ErrorTypeProcessDied       CollectionErrorType = "PROCESS_DIED"
	ErrorTypePIDReused         CollectionErrorType = "PID_REUSED"
	ErrorTypePermissionDenied  CollectionErrorType = "PERMISSION_DENIED"
	ErrorTypeZombieProcess     CollectionErrorType = "ZOMBIE_PROCESS"
	ErrorTypePSError           CollectionErrorType = "PS_ERROR"
	ErrorTypeCollectionTimeout CollectionErrorType = "COLLECTION_TIMEOUT"
	ErrorTypeUnknown           CollectionErrorType = "UNKNOWN"
)

var AllCollectionErrorTypes = []CollectionErrorType{
	ErrorTypeProcessDied,
	ErrorTypePIDReused,
	ErrorTypePermissionDenied,
	ErrorTypeZombieProcess,
	ErrorTypePSError,
	ErrorTypeCollectionTimeout,
	ErrorTypeUnknown,
}

// IsFatal reports whether the error means the run's process is gone.
func (t CollectionErrorType) IsFatal() bool {
	return t == ErrorTypeProcessDied || t == ErrorTypePIDReused
}

type ProcessMetricSnapshot struct {
	ID               int64     `db:"id"`
	RunID            string    `db:"run_id"`
	Timestamp        time.Time `db:"ts"`
	PID              int       `db:"pid"`
	Hostname         string    `db:"hostname"`
	IsAlive          bool      `db:"is_alive"`
	ProcessStartTime *int64    `db:"process_start_time"` // ms since epoch, as reported by the OS

	CPUPercent    *float64 `db:"cpu_percent"`
	MemoryRSSMB   *float64 `db:"memory_rss_mb"`
	MemoryVMSMB   *float64 `db:"memory_vms_mb"`
	MemorySwapMB  *float64 `db:"memory_swap_mb"`
	MemoryPercent *float64 `db:"memory_percent"`

	IOReadBytes  *int64 `db:"io_read_bytes"`
	IOWriteBytes *int64 `db:"io_write_bytes"`
	IOReadCount  *int64 `db:"io_read_count"`
	IOWriteCount *int64 `db:"io_write_count"`

	NumFDs                 *int   `db:"num_fds"`
	NumThreads             *int   `db:"num_threads"`
	PageFaultsMinor        *int64 `db:"page_faults_minor"`
	PageFaultsMajor        *int64 `db:"page_faults_major"`
	CtxSwitchesVoluntary   *int64 `db:"ctx_switches_voluntary"`
	CtxSwitchesInvoluntary *int64 `db:"ctx_switches_involuntary"`

	ChildCount      int     `db:"child_count"`
	ChildCPUTotal   float64 `db:"child_cpu_total"`
	ChildMemTotalMB float64 `db:"child_mem_total_mb"`

	CollectionError bool                 `db:"collection_error"`
	ErrorMessage    *string              `db:"error_message"`
	ErrorType       *CollectionErrorType `db:"error_type"`
}

// SetError marks the snapshot as a failed collection.
func (s *ProcessMetricSnapshot) SetError(t CollectionErrorType, message string) {
	s.CollectionError = true
	s.ErrorType = &t
	s.ErrorMessage = &message
	if t.IsFatal() {
		s.IsAlive = false
	}
}

func (s *ProcessMetricSnapshot) Failed() bool {
	return s.CollectionError && s.ErrorType != nil
}

// Mirror extracts the fields copied onto the run row.
func (s *ProcessMetricSnapshot) Mirror() ResourceMirror {
	childCount := s.ChildCount
	childCPU := s.ChildCPUTotal
	childMem := s.ChildMemTotalMB
	return ResourceMirror{
		CPUPercent:      s.CPUPercent,
		MemoryRSSMB:     s.MemoryRSSMB,
		MemoryVMSMB:     s.MemoryVMSMB,
		NumThreads:      s.NumThreads,
		NumFDs:          s.NumFDs,
		ChildCount:      &childCount,
		ChildCPUTotal:   &childCPU,
		ChildMemTotalMB: &childMem,
	}
}
