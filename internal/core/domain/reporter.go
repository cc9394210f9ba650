package domain

import "time"

// ReporterStatus is the single registration row of a host's reporter daemon.
type ReporterStatus struct {
	Hostname          string    `db:"hostname"`
	PID               int       `db:"pid"`
	StartedAt         time.Time `db:"started_at"`
	LastHeartbeat     time.Time `db:"last_heartbeat"`
	Version           *string   `db:"version"`
	ShutdownRequested bool      `db:"shutdown_requested"`
}

// IsStale reports whether the heartbeat is older than the threshold.
func (r *ReporterStatus) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(r.LastHeartbeat) > threshold
}

// HeartbeatAge is the time since the last heartbeat.
func (r *ReporterStatus) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(r.LastHeartbeat)
}

// RetentionRecord tracks when a finished run's metrics may be pruned.
type RetentionRecord struct {
	RunID        string     `db:"run_id"`
	CompletedAt  time.Time  `db:"completed_at"`
	DeleteAfter  time.Time  `db:"delete_after"`
	Deleted      bool       `db:"deleted"`
	DeletedAt    *time.Time `db:"deleted_at"`
	DeletedCount *int64     `db:"deleted_count"`
}
