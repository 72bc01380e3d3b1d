package models

import "time"

// TokenInfo stores bearer token details for a REST backend.
type TokenInfo struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Account      string    `json:"account,omitempty"`
}

// IsExpired checks if the token has expired. Tokens without an expiry
// never expire.
func (t *TokenInfo) IsExpired() bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(t.ExpiresAt)
}
