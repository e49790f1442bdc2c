package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrSelfMessage    = errors.New("sender and receiver must differ")
	ErrMissingMessage = errors.New("message row has no id")
)

// Message represents a chat message between two participants
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	IsRead     bool      `json:"is_read"`
	ReplyTo    *string   `json:"reply_to,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Before reports whether m sorts ahead of o in a conversation:
// created_at ascending, ties broken by id.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// IsInboundUnread reports whether m is an unread message addressed to local.
func (m Message) IsInboundUnread(local string) bool {
	return m.ReceiverID == local && m.SenderID != local && !m.IsRead
}

// NewMessage holds the fields a client supplies on send. The store assigns
// id and created_at.
type NewMessage struct {
	SenderID   string  `json:"sender_id"`
	ReceiverID string  `json:"receiver_id"`
	Content    string  `json:"content"`
	ReplyTo    *string `json:"reply_to,omitempty"`
}

// Validate checks the invariants that hold before a message is written.
func (n NewMessage) Validate() error {
	if n.SenderID == "" || n.ReceiverID == "" {
		return errors.New("sender and receiver are required")
	}
	if n.SenderID == n.ReceiverID {
		return ErrSelfMessage
	}
	if strings.TrimSpace(n.Content) == "" {
		return errors.New("message content is required")
	}
	return nil
}

// MessagePatch is a partial update of a message row.
type MessagePatch struct {
	IsRead *bool `json:"is_read,omitempty"`
}

// MarkRead is the patch the read-receipt path writes.
func MarkRead() MessagePatch {
	read := true
	return MessagePatch{IsRead: &read}
}

// messageRow is the loose shape rows arrive in, from a query response or a
// change event record.
type messageRow struct {
	ID         json.RawMessage `json:"id"`
	SenderID   string          `json:"sender_id"`
	ReceiverID string          `json:"receiver_id"`
	Content    string          `json:"content"`
	IsRead     *bool           `json:"is_read"`
	ReplyTo    *string         `json:"reply_to"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

// DecodeMessage turns a raw row into the canonical Message. Both the
// historical query and the change feed go through here before any merge.
func DecodeMessage(raw json.RawMessage) (Message, error) {
	var row messageRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return Message{}, fmt.Errorf("decode message row: %w", err)
	}

	id := rawID(row.ID)
	if id == "" {
		return Message{}, ErrMissingMessage
	}

	msg := Message{
		ID:         id,
		SenderID:   row.SenderID,
		ReceiverID: row.ReceiverID,
		Content:    row.Content,
	}
	if row.IsRead != nil {
		msg.IsRead = *row.IsRead
	}
	if row.ReplyTo != nil && *row.ReplyTo != "" {
		ref := *row.ReplyTo
		msg.ReplyTo = &ref
	}

	var err error
	if msg.CreatedAt, err = ParseTimestamp(row.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("message %s created_at: %w", id, err)
	}
	if row.UpdatedAt != "" {
		if msg.UpdatedAt, err = ParseTimestamp(row.UpdatedAt); err != nil {
			return Message{}, fmt.Errorf("message %s updated_at: %w", id, err)
		}
	}
	return msg, nil
}

// DecodeMessages decodes a JSON array of message rows.
func DecodeMessages(raw []byte) ([]Message, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode message rows: %w", err)
	}
	messages := make([]Message, 0, len(rows))
	for _, row := range rows {
		msg, err := DecodeMessage(row)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// rawID accepts ids encoded as JSON strings or numbers.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// Pair is the unordered pair of participants that scopes a conversation.
type Pair struct {
	A string
	B string
}

// NewPair builds a pair with a stable member order.
func NewPair(a, b string) (Pair, error) {
	if a == "" || b == "" {
		return Pair{}, errors.New("both participants are required")
	}
	if a == b {
		return Pair{}, ErrSelfMessage
	}
	if b < a {
		a, b = b, a
	}
	return Pair{A: a, B: b}, nil
}

// Contains reports whether m was exchanged between exactly the pair members.
func (p Pair) Contains(m Message) bool {
	return (m.SenderID == p.A && m.ReceiverID == p.B) ||
		(m.SenderID == p.B && m.ReceiverID == p.A)
}

// Has reports whether id is a member of the pair.
func (p Pair) Has(id string) bool {
	return id == p.A || id == p.B
}

// Peer returns the other member of the pair.
func (p Pair) Peer(id string) string {
	if id == p.A {
		return p.B
	}
	return p.A
}

func (p Pair) String() string {
	return p.A + ":" + p.B
}

// WebSocketMessage is the format for real-time frames to the UI
type WebSocketMessage struct {
	Type    string      `json:"type"` // "conversation", "online_status", "contacts", "error"
	Payload interface{} `json:"payload"`
}
