package dto

import "time"

// CleanupRequest represents the cleanup request. An empty body prunes with
// the configured retention.
type CleanupRequest struct {
	RetentionDays *int `json:"retention_days,omitempty"`
	DryRun        bool `json:"dry_run"`
}

type CleanupRunResponse struct {
	RunID       string    `json:"run_id"`
	CompletedAt time.Time `json:"completed_at"`
	Snapshots   int64     `json:"snapshots"`
}

type CleanupResponse struct {
	Cutoff     time.Time            `json:"cutoff"`
	DryRun     bool                 `json:"dry_run"`
	Backfilled int                  `json:"backfilled"`
	Runs       []CleanupRunResponse `json:"runs"`
	Snapshots  int64                `json:"snapshots"`
}
