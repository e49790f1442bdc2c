package database

import (
	"context"
	"fmt"
	"strings"

	"scuffedchat/models"
)

// MessageRepository is point-in-time access to persisted messages.
type MessageRepository interface {
	QueryMessages(ctx context.Context, sess models.Session, f Filter) ([]models.Message, error)
	InsertMessage(ctx context.Context, sess models.Session, m models.NewMessage) (models.Message, error)
	UpdateMessage(ctx context.Context, sess models.Session, id string, patch models.MessagePatch) error
}

// ProfileRepository is point-in-time access to participant profiles,
// including the presence status field.
type ProfileRepository interface {
	GetProfile(ctx context.Context, sess models.Session, id string) (models.Profile, error)
	ListProfiles(ctx context.Context, sess models.Session) ([]models.Profile, error)
	UpdateProfile(ctx context.Context, sess models.Session, id string, patch models.ProfilePatch) error
	UpdateStatus(ctx context.Context, sess models.Session, id string, u models.StatusUpdate) error
}

// Eq is a single-column equality test.
type Eq struct {
	Column string
	Value  string
}

// Filter selects rows matching any of its equalities. The store offers
// nothing richer, so conjunctive filters are applied by the caller.
type Filter struct {
	AnyOf   []Eq
	OrderBy []string // columns, ascending
}

var messageColumns = map[string]bool{
	"id": true, "sender_id": true, "receiver_id": true, "reply_to": true,
	"is_read": true, "created_at": true, "updated_at": true,
}

// Validate rejects columns outside the messages table.
func (f Filter) Validate() error {
	for _, eq := range f.AnyOf {
		if !messageColumns[eq.Column] {
			return fmt.Errorf("filter: unknown column %q", eq.Column)
		}
	}
	for _, col := range f.OrderBy {
		if !messageColumns[col] {
			return fmt.Errorf("filter: unknown order column %q", col)
		}
	}
	return nil
}

// ConversationFilter is the widest query a pair can be fetched with:
// every message touching either participant, oldest first.
func ConversationFilter(a, b string) Filter {
	return Filter{
		AnyOf: []Eq{
			{Column: "sender_id", Value: a},
			{Column: "receiver_id", Value: a},
			{Column: "sender_id", Value: b},
			{Column: "receiver_id", Value: b},
		},
		OrderBy: []string{"created_at", "id"},
	}
}

// postgrestValue quotes values containing PostgREST reserved characters.
func postgrestValue(v string) string {
	if strings.ContainsAny(v, ",.:()\" ") {
		return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return v
}
