package model

import "time"

// Token is an issued session token. Only the SHA-256 hash is stored.
type Token struct {
	Hash      string    `json:"-"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"` // zero = never
	CreatedAt time.Time `json:"created_at"`
}

// IsExpired returns true if the token has expired at now.
func (t *Token) IsExpired(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.ExpiresAt)
}
