package models

import (
	"errors"
	"time"
)

// Session is an authenticated identity issued by the auth provider. It is
// passed explicitly into every store call.
type Session struct {
	UserID      string    `json:"user_id"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Validate checks that the session can be used for store calls.
func (s Session) Validate() error {
	if s.UserID == "" {
		return errors.New("session has no user id")
	}
	if s.AccessToken == "" {
		return errors.New("session has no access token")
	}
	return nil
}

// Expired reports whether the session carries an expiry that has passed.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
