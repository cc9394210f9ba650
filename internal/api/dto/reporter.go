package dto

import "time"

type ReporterResponse struct {
	Hostname            string    `json:"hostname"`
	PID                 int       `json:"pid"`
	StartedAt           time.Time `json:"started_at"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	Version             *string   `json:"version,omitempty"`
	ShutdownRequested   bool      `json:"shutdown_requested"`
	Alive               bool      `json:"alive"`
	HeartbeatAgeSeconds float64   `json:"heartbeat_age_seconds"`
}

type ReporterListResponse struct {
	Items []ReporterResponse `json:"items"`
}

// StopReporterRequest is optional; the server waits TimeoutSeconds (default
// 30) for the reporter to exit.
type StopReporterRequest struct {
	TimeoutSeconds int `json:"timeout_seconds"`
}

type StopReporterResponse struct {
	Hostname string `json:"hostname"`
	Stopped  bool   `json:"stopped"`
}
