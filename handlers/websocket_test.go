package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"scuffedchat/conversation"
	"scuffedchat/database"
	"scuffedchat/models"
	"scuffedchat/realtime"
)

func TestStaleConversationFramesDropped(t *testing.T) {
	log := zaptest.NewLogger(t)
	feed := realtime.NewHub(log, nil)
	store, err := database.OpenLocal(":memory:", feed, log)
	require.NoError(t, err)
	defer store.Close()

	sess := models.Session{UserID: "alice", AccessToken: "token-alice"}
	h, err := conversation.NewSynchronizer(store, feed, log, nil).Open(context.Background(), sess, "alice", "bob")
	require.NoError(t, err)
	defer h.Close()

	hub := NewHub(log)
	c := &Client{SessionID: "s1", hub: hub, watches: map[string]*watch{
		"bob": {handle: h, remove: func() {}},
	}}

	sent := func() []uint64 {
		var out []uint64
		for {
			select {
			case p := <-hub.broadcast:
				var frame struct {
					Payload conversationPayload `json:"payload"`
				}
				require.NoError(t, json.Unmarshal(p.Message, &frame))
				out = append(out, frame.Payload.Version)
			default:
				return out
			}
		}
	}

	c.pushConversation("bob", h, conversation.Update{Version: 3})
	c.pushConversation("bob", h, conversation.Update{Version: 2})
	c.pushConversation("bob", h, conversation.Update{Version: 3})
	c.pushConversation("bob", h, conversation.Update{Version: 4})
	c.pushConversation("carol", h, conversation.Update{Version: 9})
	assert.Equal(t, []uint64{3, 4}, sent())

	other, err := conversation.NewSynchronizer(store, feed, log, nil).Open(context.Background(), sess, "alice", "bob")
	require.NoError(t, err)
	defer other.Close()
	c.pushConversation("bob", other, conversation.Update{Version: 10})
	assert.Empty(t, sent(), "frames from a handle no longer watched are dropped")
}
