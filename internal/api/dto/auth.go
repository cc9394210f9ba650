package dto

// TokenRequest represents the token request
type TokenRequest struct {
	GrantType    string `json:"grant_type" binding:"required"` // only "client_credentials"
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// TokenResponse represents the token response
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"` // In seconds
}
