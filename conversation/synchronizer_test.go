package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"scuffedchat/database"
	"scuffedchat/models"
	"scuffedchat/realtime"
)

var (
	t0    = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	alice = models.Session{UserID: "alice", AccessToken: "tok-a"}
)

func msg(id, from, to string, sec int) models.Message {
	return models.Message{
		ID:         id,
		SenderID:   from,
		ReceiverID: to,
		Content:    "msg " + id,
		CreatedAt:  t0.Add(time.Duration(sec) * time.Second),
	}
}

// fakeRepo answers every query with all of its rows, like the store's OR
// filter would for two busy participants.
type fakeRepo struct {
	mu        sync.Mutex
	rows      []models.Message
	queryErr  error
	insertErr error
	gate      chan struct{}
	queries   int
	echo      *realtime.Hub
	nextID    int
}

func (r *fakeRepo) QueryMessages(ctx context.Context, sess models.Session, f database.Filter) ([]models.Message, error) {
	r.mu.Lock()
	r.queries++
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queryErr != nil {
		return nil, r.queryErr
	}
	return slices.Clone(r.rows), nil
}

func (r *fakeRepo) InsertMessage(ctx context.Context, sess models.Session, m models.NewMessage) (models.Message, error) {
	r.mu.Lock()
	if r.insertErr != nil {
		r.mu.Unlock()
		return models.Message{}, r.insertErr
	}
	r.nextID++
	row := models.Message{
		ID:         fmt.Sprintf("sent-%d", r.nextID),
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		ReplyTo:    m.ReplyTo,
		CreatedAt:  t0.Add(time.Hour + time.Duration(r.nextID)*time.Second),
	}
	r.rows = append(r.rows, row)
	hub := r.echo
	r.mu.Unlock()

	if hub != nil {
		publish(hub, row)
	}
	return row, nil
}

func (r *fakeRepo) UpdateMessage(ctx context.Context, sess models.Session, id string, patch models.MessagePatch) error {
	return nil
}

func (r *fakeRepo) add(m models.Message) {
	r.mu.Lock()
	r.rows = append(r.rows, m)
	r.mu.Unlock()
}

func publish(hub *realtime.Hub, m models.Message) {
	publishKind(hub, models.EventInsert, m)
}

func publishKind(hub *realtime.Hub, kind models.EventKind, m models.Message) {
	data, _ := json.Marshal(m)
	hub.Publish(models.RawEvent{Table: models.TableMessages, Kind: kind, New: data})
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func isOrdered(msgs []models.Message) bool {
	for i := 1; i < len(msgs); i++ {
		if !msgs[i-1].Before(msgs[i]) {
			return false
		}
	}
	return true
}

func openTest(t *testing.T, repo *fakeRepo, hub *realtime.Hub) *Handle {
	t.Helper()
	s := NewSynchronizer(repo, hub, zaptest.NewLogger(t), nil)
	h, err := s.Open(context.Background(), alice, "alice", "bob")
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func waitFor(t *testing.T, h *Handle, cond func(Update) bool) Update {
	t.Helper()
	var last Update
	require.Eventually(t, func() bool {
		last = h.Snapshot()
		return cond(last)
	}, 2*time.Second, 5*time.Millisecond)
	return last
}

func TestOpenRejectsSamePeer(t *testing.T) {
	s := NewSynchronizer(&fakeRepo{}, realtime.NewHub(nil, nil), nil, nil)
	_, err := s.Open(context.Background(), alice, "alice", "alice")
	assert.ErrorIs(t, err, ErrSamePeer)

	_, err = s.Open(context.Background(), models.Session{}, "alice", "bob")
	assert.Error(t, err)
}

func TestFeedEventLandsBetweenHistoryRows(t *testing.T) {
	hub := realtime.NewHub(nil, nil)
	gate := make(chan struct{})
	repo := &fakeRepo{
		rows: []models.Message{msg("m1", "alice", "bob", 1), msg("m3", "bob", "alice", 3)},
		gate: gate,
	}
	h := openTest(t, repo, hub)

	publish(hub, msg("m2", "bob", "alice", 2))
	waitFor(t, h, func(u Update) bool { return len(u.Messages) == 1 })
	assert.Equal(t, FetchPending, h.Snapshot().State.Fetch)

	close(gate)
	u := waitFor(t, h, func(u Update) bool { return u.State.Fetch == FetchLoaded })
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(u.Messages))
}

func TestSameIDFromBothSourcesKeptOnce(t *testing.T) {
	for i := 0; i < 30; i++ {
		hub := realtime.NewHub(nil, nil)
		gate := make(chan struct{})
		var all []models.Message
		for n := 0; n < 12; n++ {
			from, to := "alice", "bob"
			if n%2 == 1 {
				from, to = to, from
			}
			all = append(all, msg(fmt.Sprintf("m%02d", n), from, to, rand.Intn(5)))
		}
		repo := &fakeRepo{rows: all[:8], gate: gate}
		h := openTest(t, repo, hub)

		feed := slices.Clone(all[4:])
		rand.Shuffle(len(feed), func(a, b int) { feed[a], feed[b] = feed[b], feed[a] })
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for _, m := range feed {
				publish(hub, m)
			}
		}()
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
			close(gate)
		}()
		wg.Wait()

		u := waitFor(t, h, func(u Update) bool { return len(u.Messages) == len(all) && u.State.Fetch == FetchLoaded })
		seen := map[string]int{}
		for _, m := range u.Messages {
			seen[m.ID]++
		}
		for _, m := range all {
			assert.Equal(t, 1, seen[m.ID], "id %s", m.ID)
		}
		assert.True(t, isOrdered(u.Messages))
		require.NoError(t, h.Close())
	}
}

func TestFirstWriteWins(t *testing.T) {
	hub := realtime.NewHub(nil, nil)
	gate := make(chan struct{})
	fromHistory := msg("m1", "bob", "alice", 1)
	fromHistory.Content = "history copy"
	fromHistory.IsRead = true
	repo := &fakeRepo{rows: []models.Message{fromHistory}, gate: gate}
	h := openTest(t, repo, hub)

	fromFeed := msg("m1", "bob", "alice", 1)
	fromFeed.Content = "feed copy"
	publish(hub, fromFeed)
	waitFor(t, h, func(u Update) bool { return len(u.Messages) == 1 })

	close(gate)
	u := waitFor(t, h, func(u Update) bool { return u.State.Fetch == FetchLoaded })
	require.Len(t, u.Messages, 1)
	assert.Equal(t, "feed copy", u.Messages[0].Content)
	assert.True(t, u.Messages[0].IsRead, "read flag of a later copy still advances")
}

func TestReadFlagAdvancesFromFeedUpdates(t *testing.T) {
	hub := realtime.NewHub(nil, nil)
	sent := msg("m1", "alice", "bob", 1)
	repo := &fakeRepo{rows: []models.Message{sent}}
	h := openTest(t, repo, hub)
	waitFor(t, h, func(u Update) bool { return u.State.Fetch == FetchLoaded })

	read := sent
	read.IsRead = true
	read.Content = "edited elsewhere"
	publishKind(hub, models.EventUpdate, read)
	u := waitFor(t, h, func(u Update) bool { return len(u.Messages) == 1 && u.Messages[0].IsRead })
	assert.Equal(t, "msg m1", u.Messages[0].Content)

	// An older unread copy never moves the flag back.
	publishKind(hub, models.EventUpdate, sent)
	publish(hub, msg("m2", "bob", "alice", 2))
	u = waitFor(t, h, func(u Update) bool { return len(u.Messages) == 2 })
	assert.True(t, u.Messages[0].IsRead)
}

func TestRefreshPicksUpReadFlag(t *testing.T) {
	hub := realtime.NewHub(nil, nil)
	sent := msg("m1", "alice", "bob", 1)
	repo := &fakeRepo{rows: []models.Message{sent}}
	h := openTest(t, repo, hub)
	waitFor(t, h, func(u Update) bool { return u.State.Fetch == FetchLoaded })
	assert.False(t, h.Snapshot().Messages[0].IsRead)

	repo.mu.Lock()
	repo.rows[0].IsRead = true
	repo.mu.Unlock()

	require.NoError(t, h.Refresh(context.Background()))
	assert.True(t, h.Snapshot().Messages[0].IsRead)
}

func TestEveryObservationIsOrdered(t *testing.T) {
	hub := realtime.NewHub(nil, nil)
	repo := &fakeRepo{rows: []models.Message{msg("h1", "alice", "bob", 10), msg("h2", "bob", "alice", 20)}}

	var (
		mu       sync.Mutex
		observed int
		unsorted int
	)
	s := NewSynchronizer(repo, hub, nil, nil)
	h, err := s.Open(context.Background(), alice, "bob", "alice")
	require.NoError(t, err)
	defer h.Close()
	h.OnUpdate(func(u Update) {
		mu.Lock()
		defer mu.Unlock()
		observed++
		if !isOrdered(u.Messages) {
			unsorted++
		}
	})

	for _, sec := range rand.Perm(30) {
		from, to := "alice", "bob"
		if sec%3 == 0 {
			from, to = to, from
		}
		publish(hub, msg(fmt.Sprintf("f%02d", sec), from, to, sec))
	}
	u := waitFor(t, h, func(u Update) bool { return len(u.Messages) == 32 })
	assert.True(t, isOrdered(u.Messages))

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, observed)
	assert.Zero(t, unsorted)
}

func TestOtherPairsAreDiscarded(t *testing.T) {
	hub := realtime.NewHub(nil, nil)
	repo := &fakeRepo{rows: []models.Message{
		msg("m1", "alice", "bob", 1),
		msg("x1", "alice", "carol", 2),
		msg("x2", "dave", "bob", 3),
	}}
	h := openTest(t, repo, hub)

	publish(hub, msg("x3", "carol", "alice", 4))
	publish(hub, msg("m2", "bob", "alice", 5))

	u := waitFor(t, h, func(u Update) bool { return len(u.Messages) == 2 && u.State.Fetch == FetchLoaded })
	assert.Equal(t, []string{"m1", "m2"}, ids(u.Messages))
}

func TestFetchFailureIsReportedAndLiveMessagesStillMerge(t *testing.T) {
	hub := realtime.NewHub(nil, nil)
	repo := &fakeRepo{queryErr: &database.IOError{Op: "query messages", Status: 503, Err: errors.New("unavailable")}}
	h := openTest(t, repo, hub)

	u := waitFor(t, h, func(u Update) bool { return u.State.Fetch == FetchFailed })
	assert.True(t, database.IsTransient(u.State.FetchErr))
	assert.Empty(t, u.Messages)

	publish(hub, msg("m1", "bob", "alice", 1))
	u = waitFor(t, h, func(u Update) bool { return len(u.Messages) == 1 })
	assert.Equal(t, FetchFailed, u.State.Fetch)

	repo.mu.Lock()
	repo.queryErr = nil
	repo.rows = []models.Message{msg("m0", "alice", "bob", 0), msg("m1", "bob", "alice", 1)}
	repo.mu.Unlock()

	require.NoError(t, h.Refresh(context.Background()))
	u = h.Snapshot()
	assert.Equal(t, FetchLoaded, u.State.Fetch)
	assert.Nil(t, u.State.FetchErr)
	assert.Equal(t, []string{"m0", "m1"}, ids(u.Messages))
}

func TestSendAndFeedEchoCountOnce(t *testing.T) {
	hub := realtime.NewHub(nil, nil)
	repo := &fakeRepo{echo: hub}
	h := openTest(t, repo, hub)
	waitFor(t, h, func(u Update) bool { return u.State.Fetch == FetchLoaded })

	sent, err := h.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", sent.SenderID)
	assert.Equal(t, "bob", sent.ReceiverID)

	// the echo has been published; give the pump time to see it
	time.Sleep(20 * time.Millisecond)
	u := h.Snapshot()
	require.Len(t, u.Messages, 1)
	assert.Equal(t, sent.ID, u.Messages[0].ID)

	reply := sent.ID
	second, err := h.Send(context.Background(), "replying", &reply)
	require.NoError(t, err)
	u = waitFor(t, h, func(u Update) bool { return len(u.Messages) == 2 })
	require.NotNil(t, u.Messages[1].ReplyTo)
	assert.Equal(t, sent.ID, *u.Messages[1].ReplyTo)
	assert.Equal(t, second.ID, u.Messages[1].ID)
}

func TestSendFailureIsSurfacedAndNothingIsAppended(t *testing.T) {
	hub := realtime.NewHub(nil, nil)
	repo := &fakeRepo{insertErr: &database.IOError{Op: "insert message", Err: errors.New("connection reset")}}
	h := openTest(t, repo, hub)
	waitFor(t, h, func(u Update) bool { return u.State.Fetch == FetchLoaded })

	_, err := h.Send(context.Background(), "lost?", nil)
	require.Error(t, err)
	var ioe *database.IOError
	assert.ErrorAs(t, err, &ioe)
	assert.Empty(t, h.Snapshot().Messages)
}

func TestSendValidation(t *testing.T) {
	hub := realtime.NewHub(nil, nil)
	repo := &fakeRepo{}
	h := openTest(t, repo, hub)

	_, err := h.Send(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyContent)

	missing := "nope"
	_, err = h.Send(context.Background(), "hi", &missing)
	assert.ErrorIs(t, err, ErrReplyNotInConversation)

	s := NewSynchronizer(repo, hub, nil, nil)
	other, err := s.Open(context.Background(), alice, "bob", "carol")
	require.NoError(t, err)
	defer other.Close()
	_, err = other.Send(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, ErrNotParticipant)

	require.NoError(t, h.Close())
	_, err = h.Send(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, repo.nextID)
}

func TestFeedDropDegradesUntilResubscribe(t *testing.T) {
	hub := realtime.NewHub(nil, nil)
	repo := &fakeRepo{rows: []models.Message{msg("m1", "alice", "bob", 1)}}
	h := openTest(t, repo, hub)
	waitFor(t, h, func(u Update) bool { return u.State.Fetch == FetchLoaded })

	hub.Fail(fmt.Errorf("%w: connection reset", realtime.ErrFeedDropped))
	u := waitFor(t, h, func(u Update) bool { return u.State.Feed == FeedDegraded })
	assert.ErrorIs(t, u.State.FeedErr, realtime.ErrFeedDropped)

	// inserted while nobody listened
	repo.add(msg("m2", "bob", "alice", 2))
	publish(hub, msg("m2", "bob", "alice", 2))
	assert.Len(t, h.Snapshot().Messages, 1)

	require.NoError(t, h.Resubscribe(context.Background()))
	u = h.Snapshot()
	assert.Equal(t, FeedLive, u.State.Feed)
	assert.Equal(t, []string{"m1", "m2"}, ids(u.Messages))

	publish(hub, msg("m3", "alice", "bob", 3))
	u = waitFor(t, h, func(u Update) bool { return len(u.Messages) == 3 })
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(u.Messages))
	assert.Equal(t, 1, hub.Len())
}

func TestUnavailableFeedOpensDegraded(t *testing.T) {
	hub := realtime.NewHub(nil, nil)
	hub.Close()
	repo := &fakeRepo{rows: []models.Message{msg("m1", "alice", "bob", 1)}}
	h := openTest(t, repo, hub)

	u := waitFor(t, h, func(u Update) bool { return u.State.Fetch == FetchLoaded })
	assert.Equal(t, FeedDegraded, u.State.Feed)
	assert.ErrorIs(t, u.State.FeedErr, realtime.ErrClosed)
	assert.Len(t, u.Messages, 1)

	assert.ErrorIs(t, h.Resubscribe(context.Background()), realtime.ErrClosed)
}

func TestCloseStopsNotificationsAndKeepsSharedFeed(t *testing.T) {
	hub := realtime.NewHub(nil, nil)
	repo := &fakeRepo{}
	h := openTest(t, repo, hub)
	waitFor(t, h, func(u Update) bool { return u.State.Fetch == FetchLoaded })

	var calls atomic.Int32
	h.OnUpdate(func(u Update) {
		if len(u.Messages) > 0 {
			calls.Add(1)
		}
	})

	other, err := hub.Subscribe(context.Background(), models.TableMessages)
	require.NoError(t, err)
	defer other.Close()

	publish(hub, msg("m1", "bob", "alice", 1))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Close())
	publish(hub, msg("m2", "bob", "alice", 2))
	time.Sleep(20 * time.Millisecond)

	assert.EqualValues(t, 1, calls.Load())
	assert.Len(t, h.Snapshot().Messages, 1)
	assert.Equal(t, 1, hub.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, want := range []string{"m1", "m2"} {
		ev, err := other.Next(ctx)
		require.NoError(t, err)
		got, err := models.DecodeMessage(ev.New)
		require.NoError(t, err)
		assert.Equal(t, want, got.ID)
	}

	assert.NoError(t, h.Close())
	assert.ErrorIs(t, h.Resubscribe(context.Background()), ErrClosed)
	assert.ErrorIs(t, h.Refresh(context.Background()), ErrClosed)
}

func TestMarkReadLocal(t *testing.T) {
	hub := realtime.NewHub(nil, nil)
	repo := &fakeRepo{rows: []models.Message{msg("m1", "bob", "alice", 1), msg("m2", "bob", "alice", 2)}}
	h := openTest(t, repo, hub)
	waitFor(t, h, func(u Update) bool { return len(u.Messages) == 2 })

	assert.Equal(t, 2, h.MarkReadLocal("m1", "m2", "missing"))
	assert.Equal(t, 0, h.MarkReadLocal("m1"))
	for _, m := range h.Snapshot().Messages {
		assert.True(t, m.IsRead)
	}
}

func TestStateJSON(t *testing.T) {
	data, err := json.Marshal(State{Fetch: FetchFailed, Feed: FeedLive, FetchErr: errors.New("boom")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"fetch":"failed","feed":"live","fetch_error":"boom"}`, string(data))
}

func TestUpdateVersionsIncrease(t *testing.T) {
	hub := realtime.NewHub(nil, nil)
	h := openTest(t, &fakeRepo{}, hub)

	var mu sync.Mutex
	var versions []uint64
	h.OnUpdate(func(u Update) {
		mu.Lock()
		versions = append(versions, u.Version)
		mu.Unlock()
	})
	for i := 1; i <= 5; i++ {
		publish(hub, msg(fmt.Sprintf("m%d", i), "bob", "alice", i))
	}
	waitFor(t, h, func(u Update) bool { return len(u.Messages) == 5 })

	snap := h.Snapshot()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(versions) > 0 && versions[len(versions)-1] == snap.Version
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1])
	}
}
