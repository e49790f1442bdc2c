package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scuffedchat/models"
)

func TestSequenceMerge(t *testing.T) {
	pair, err := models.NewPair("alice", "bob")
	require.NoError(t, err)
	s := NewSequence(pair)

	tests := []struct {
		msg  models.Message
		want MergeResult
	}{
		{msg("m3", "alice", "bob", 3), Inserted},
		{msg("m1", "bob", "alice", 1), Inserted},
		{msg("m2", "alice", "bob", 2), Inserted},
		{msg("m2", "alice", "bob", 9), Duplicate},
		{msg("x1", "alice", "carol", 2), Discarded},
		{msg("m2b", "bob", "alice", 2), Inserted},
		{readMsg("m2", "alice", "bob", 9), ReadUpdated},
		{readMsg("m2", "alice", "bob", 9), Duplicate},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Merge(tt.msg), tt.msg.ID)
	}

	snap := s.Snapshot()
	assert.Equal(t, []string{"m1", "m2", "m2b", "m3"}, ids(snap))
	assert.Equal(t, 4, s.Len())
	assert.True(t, snap[1].IsRead)
	assert.Equal(t, t0.Add(2*time.Second), snap[1].CreatedAt)
	assert.True(t, s.Has("m2"))
	assert.False(t, s.Has("x1"))
}

func readMsg(id, from, to string, sec int) models.Message {
	m := msg(id, from, to, sec)
	m.IsRead = true
	return m
}

func TestSequenceTiesBreakOnID(t *testing.T) {
	pair, _ := models.NewPair("alice", "bob")
	s := NewSequence(pair)
	for _, id := range []string{"c", "a", "b"} {
		s.Merge(msg(id, "alice", "bob", 5))
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids(s.Snapshot()))
}

func TestSequenceSnapshotIsACopy(t *testing.T) {
	pair, _ := models.NewPair("alice", "bob")
	s := NewSequence(pair)
	s.Merge(msg("m1", "bob", "alice", 1))

	snap := s.Snapshot()
	snap[0].Content = "changed"
	assert.Equal(t, "msg m1", s.Snapshot()[0].Content)

	assert.True(t, s.SetRead("m1"))
	assert.False(t, s.SetRead("m1"))
	assert.False(t, s.SetRead("missing"))
	assert.False(t, snap[0].IsRead)
}

func TestThread(t *testing.T) {
	m1 := msg("m1", "alice", "bob", 1)
	m2 := msg("m2", "bob", "alice", 2)
	ref := "m1"
	m2.ReplyTo = &ref
	m3 := msg("m3", "bob", "alice", 3)
	gone := "m0"
	m3.ReplyTo = &gone

	entries := Thread([]models.Message{m1, m2, m3})
	require.Len(t, entries, 3)
	assert.Nil(t, entries[0].Reply)
	require.NotNil(t, entries[1].Reply)
	assert.Equal(t, "m1", entries[1].Reply.ID)
	assert.Nil(t, entries[2].Reply)
	assert.True(t, entries[2].MissingReply)
}
