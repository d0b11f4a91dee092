package models

import "time"

// User identifies the authenticated field rep.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Session is the single cached credential. A new login or refresh
// overwrites it; logout clears it.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	User         User      `json:"user"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// IsExpired reports whether the access token has passed its expiry.
func (s *Session) IsExpired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// ExpiresSoon reports whether the access token expires within the window.
func (s *Session) ExpiresSoon(window time.Duration) bool {
	return !s.ExpiresAt.IsZero() && time.Until(s.ExpiresAt) < window
}
