package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scuffedchat/models"
	"scuffedchat/realtime"
)

func openTestLocal(t *testing.T) (*Local, *realtime.Hub) {
	hub := realtime.NewHub(nil, nil)
	l, err := OpenLocal(":memory:", hub, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	ctx := context.Background()
	for _, id := range []string{"alice", "bob", "carol"} {
		_, err := l.CreateProfile(ctx, id, id, "")
		require.NoError(t, err)
	}
	return l, hub
}

func TestLocalInsertPublishesAndQueries(t *testing.T) {
	l, hub := openTestLocal(t)
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, models.TableMessages, models.EventInsert)
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	l.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	m1, err := l.InsertMessage(ctx, testSession, models.NewMessage{SenderID: "alice", ReceiverID: "bob", Content: "one"})
	require.NoError(t, err)
	ref := m1.ID
	m2, err := l.InsertMessage(ctx, testSession, models.NewMessage{SenderID: "bob", ReceiverID: "alice", Content: "two", ReplyTo: &ref})
	require.NoError(t, err)
	_, err = l.InsertMessage(ctx, testSession, models.NewMessage{SenderID: "carol", ReceiverID: "bob", Content: "other pair"})
	require.NoError(t, err)

	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	fromFeed, err := models.DecodeMessage(ev.New)
	require.NoError(t, err)
	assert.Equal(t, m1, fromFeed, "feed rows decode to the same message as the insert result")

	msgs, err := l.QueryMessages(ctx, testSession, ConversationFilter("alice", "bob"))
	require.NoError(t, err)
	require.Len(t, msgs, 3, "the store filter is an OR; pair filtering is the caller's job")
	assert.Equal(t, m1.ID, msgs[0].ID)
	assert.Equal(t, m2.ID, msgs[1].ID)
	require.NotNil(t, msgs[1].ReplyTo)
	assert.Equal(t, m1.ID, *msgs[1].ReplyTo)
}

func TestLocalRejectsSelfMessage(t *testing.T) {
	l, _ := openTestLocal(t)
	_, err := l.InsertMessage(context.Background(), testSession, models.NewMessage{SenderID: "bob", ReceiverID: "bob", Content: "x"})
	assert.ErrorIs(t, err, models.ErrSelfMessage)
}

func TestLocalUpdateMessage(t *testing.T) {
	l, hub := openTestLocal(t)
	ctx := context.Background()

	m, err := l.InsertMessage(ctx, testSession, models.NewMessage{SenderID: "bob", ReceiverID: "alice", Content: "read me"})
	require.NoError(t, err)

	sub, _ := hub.Subscribe(ctx, models.TableMessages, models.EventUpdate)
	require.NoError(t, l.UpdateMessage(ctx, testSession, m.ID, models.MarkRead()))

	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	var row map[string]interface{}
	require.NoError(t, json.Unmarshal(ev.New, &row))
	assert.Equal(t, true, row["is_read"])

	got, err := l.GetMessageByID(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRead)

	assert.ErrorIs(t, l.UpdateMessage(ctx, testSession, "missing", models.MarkRead()), ErrNotFound)
}

func TestLocalProfiles(t *testing.T) {
	l, _ := openTestLocal(t)
	ctx := context.Background()

	require.NoError(t, l.UpdateStatus(ctx, testSession, "alice", models.StatusUpdate{Status: models.StatusOnline}))
	p, err := l.GetProfile(ctx, testSession, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, p.Status)
	assert.Nil(t, p.LastOnline)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, l.UpdateStatus(ctx, testSession, "alice", models.Offline(at)))
	p, err = l.GetProfile(ctx, testSession, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, p.Status)
	require.NotNil(t, p.LastOnline)
	assert.True(t, at.Equal(*p.LastOnline))

	bio := "hello"
	require.NoError(t, l.UpdateProfile(ctx, testSession, "bob", models.ProfilePatch{Bio: &bio}))
	all, err := l.ListProfiles(ctx, testSession)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "bob", all[1].ID)
	require.NotNil(t, all[1].Bio)
	assert.Equal(t, "hello", *all[1].Bio)

	assert.Error(t, l.UpdateStatus(ctx, testSession, "alice", models.StatusUpdate{Status: "invisible"}))
	assert.ErrorIs(t, l.UpdateStatus(ctx, testSession, "ghost", models.StatusUpdate{Status: models.StatusAway}), ErrNotFound)
}

func TestLocalBeacon(t *testing.T) {
	l, _ := openTestLocal(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.Beacon().SendOffline("carol", at))
	p, err := l.GetProfile(context.Background(), testSession, "carol")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, p.Status)
	require.NotNil(t, p.LastOnline)
	assert.True(t, at.Equal(*p.LastOnline))
}
