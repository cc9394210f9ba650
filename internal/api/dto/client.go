package dto

import "time"

// CreateClientRequest represents the client creation request
type CreateClientRequest struct {
	Label  string   `json:"label" binding:"required"`
	Scopes []string `json:"scopes"` // defaults to read
}

// ClientResponse represents a client
type ClientResponse struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClientCreateResponse includes the secret (only shown once)
type ClientCreateResponse struct {
	ClientResponse
	Secret string `json:"secret"`
}

type ClientListResponse struct {
	Items []ClientResponse `json:"items"`
}
