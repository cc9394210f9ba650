package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	ScopeRead    = "read"    // query runs, metrics and reporters
	ScopeControl = "control" // stop reporters, trigger cleanup
	ScopeAll     = "all"
)

// APIClient is a machine credential for the query API (dashboards, CLIs).
type APIClient struct {
	ID        string    `db:"id"`
	Secret    string    `db:"secret"` // bcrypt hash
	Label     string    `db:"label"`
	Scopes    []string  `db:"scopes"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func NewAPIClient(label, hashedSecret string, scopes []string, now time.Time) *APIClient {
	return &APIClient{
		ID:        uuid.New().String(),
		Secret:    hashedSecret,
		Label:     label,
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (c *APIClient) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope || s == ScopeAll {
			return true
		}
	}
	return false
}
