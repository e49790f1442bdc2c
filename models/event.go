package models

import (
	"encoding/json"
	"time"
)

// EventKind is the kind of row change a feed reports
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
	EventAll    EventKind = "*"
)

// Table names used on the feed and in the store
const (
	TableMessages = "messages"
	TableProfiles = "profiles"
)

// RawEvent is a row change as delivered by the change feed, before decoding.
type RawEvent struct {
	Table      string          `json:"table"`
	Kind       EventKind       `json:"type"`
	New        json.RawMessage `json:"record,omitempty"`
	Old        json.RawMessage `json:"old_record,omitempty"`
	ReceivedAt time.Time       `json:"-"`
}
