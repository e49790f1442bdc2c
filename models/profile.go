package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a participant's presence status
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
)

// ParseStatus validates a status string
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOnline, StatusOffline, StatusAway, StatusBusy:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Profile represents a participant in the system
type Profile struct {
	ID         string     `json:"id"`
	Username   string     `json:"username"`
	AvatarURL  string     `json:"avatar_url"`
	Bio        *string    `json:"bio"`
	Status     Status     `json:"status"`
	LastOnline *time.Time `json:"last_online,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ProfilePatch is a profile edit. Nil fields are left untouched.
type ProfilePatch struct {
	Username  *string `json:"username,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
	Bio       *string `json:"bio,omitempty"`
}

// StatusUpdate is a presence write. A nil LastOnline leaves the stored
// value unchanged.
type StatusUpdate struct {
	Status     Status     `json:"status"`
	LastOnline *time.Time `json:"last_online,omitempty"`
}

// Offline builds the update written when a participant goes offline at t.
func Offline(t time.Time) StatusUpdate {
	at := t.UTC()
	return StatusUpdate{Status: StatusOffline, LastOnline: &at}
}

type profileRow struct {
	ID         string  `json:"id"`
	Username   string  `json:"username"`
	AvatarURL  *string `json:"avatar_url"`
	Bio        *string `json:"bio"`
	Status     *string `json:"status"`
	LastOnline *string `json:"last_online"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

// DecodeProfile turns a raw profiles row into a Profile. Unknown or empty
// statuses read as offline.
func DecodeProfile(raw json.RawMessage) (Profile, error) {
	var row profileRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return Profile{}, fmt.Errorf("decode profile row: %w", err)
	}
	if row.ID == "" {
		return Profile{}, fmt.Errorf("profile row has no id")
	}

	p := Profile{ID: row.ID, Username: row.Username, Bio: row.Bio, Status: StatusOffline}
	if row.AvatarURL != nil {
		p.AvatarURL = *row.AvatarURL
	}
	if row.Status != nil {
		if st, err := ParseStatus(*row.Status); err == nil {
			p.Status = st
		}
	}
	if row.LastOnline != nil && *row.LastOnline != "" {
		t, err := ParseTimestamp(*row.LastOnline)
		if err != nil {
			return Profile{}, fmt.Errorf("profile %s last_online: %w", row.ID, err)
		}
		p.LastOnline = &t
	}
	if row.CreatedAt != "" {
		t, err := ParseTimestamp(row.CreatedAt)
		if err != nil {
			return Profile{}, fmt.Errorf("profile %s created_at: %w", row.ID, err)
		}
		p.CreatedAt = t
	}
	if row.UpdatedAt != "" {
		if t, err := ParseTimestamp(row.UpdatedAt); err == nil {
			p.UpdatedAt = t
		}
	}
	return p, nil
}

// DecodeProfiles decodes a JSON array of profile rows.
func DecodeProfiles(raw []byte) ([]Profile, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode profile rows: %w", err)
	}
	profiles := make([]Profile, 0, len(rows))
	for _, row := range rows {
		p, err := DecodeProfile(row)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}
