package auth

import "time"

// Credentials are the provider OAuth tokens for one login. They are replaced
// wholesale on refresh, never edited in place, and are only ever persisted
// with a non-empty access token.
type Credentials struct {
	TokenType    string    `json:"token_type"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ExpiresWithin reports whether the access token expires inside the leeway
// window or already has. A zero ExpiresAt means the token never expires.
func (c *Credentials) ExpiresWithin(leeway time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(leeway).After(c.ExpiresAt)
}
