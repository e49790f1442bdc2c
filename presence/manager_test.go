package presence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"scuffedchat/database"
	"scuffedchat/models"
)

var (
	alice = models.Session{UserID: "alice", AccessToken: "tok-a"}
	now   = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

type statusRepo struct {
	database.ProfileRepository

	mu      sync.Mutex
	updates []models.StatusUpdate
	fail    error
}

func (r *statusRepo) UpdateStatus(ctx context.Context, sess models.Session, id string, u models.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return r.fail
}

func (r *statusRepo) setFail(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

func (r *statusRepo) written() []models.StatusUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.StatusUpdate(nil), r.updates...)
}

type countingBeacon struct {
	calls atomic.Int32
	user  atomic.Value
	err   error
}

func (b *countingBeacon) SendOffline(userID string, at time.Time) error {
	b.calls.Add(1)
	b.user.Store(userID)
	return b.err
}

type closer struct{ closed atomic.Int32 }

func (c *closer) Close() error {
	c.closed.Add(1)
	return nil
}

func newTestManager(t *testing.T, repo *statusRepo, beacon Beacon) *Manager {
	m := NewManager(repo, Options{
		NewBeacon: func(models.Session) Beacon { return beacon },
		Logger:    zaptest.NewLogger(t),
	})
	m.now = func() time.Time { return now }
	return m
}

func TestConnectWritesOnline(t *testing.T) {
	repo := &statusRepo{}
	m := newTestManager(t, repo, &countingBeacon{})
	assert.Equal(t, StateDisconnected, m.State())

	require.NoError(t, m.Connect(context.Background(), alice))
	assert.Equal(t, StateOnline, m.State())
	assert.Equal(t, models.StatusOnline, m.Status())
	require.Equal(t, []models.StatusUpdate{{Status: models.StatusOnline}}, repo.written())
	assert.Nil(t, repo.written()[0].LastOnline)

	assert.ErrorIs(t, m.Connect(context.Background(), alice), ErrInvalidTransition)
}

func TestConnectFailureStaysConnecting(t *testing.T) {
	repo := &statusRepo{fail: &database.IOError{Op: "update status", Status: 503, Err: errors.New("down")}}
	m := newTestManager(t, repo, &countingBeacon{})

	err := m.Connect(context.Background(), alice)
	require.Error(t, err)
	assert.Equal(t, StateConnecting, m.State())
	assert.True(t, database.IsTransient(err))

	repo.setFail(nil)
	require.NoError(t, m.Connect(context.Background(), alice))
	assert.Equal(t, StateOnline, m.State())
}

func TestSetPresence(t *testing.T) {
	repo := &statusRepo{}
	m := newTestManager(t, repo, &countingBeacon{})
	ctx := context.Background()

	assert.ErrorIs(t, m.SetPresence(ctx, models.StatusAway), ErrNotOnline)
	require.NoError(t, m.Connect(ctx, alice))

	require.NoError(t, m.SetPresence(ctx, models.StatusAway))
	assert.Equal(t, models.StatusAway, m.Status())
	assert.Error(t, m.SetPresence(ctx, "invisible"))

	require.NoError(t, m.SetPresence(ctx, models.StatusOffline))
	last := repo.written()[len(repo.written())-1]
	assert.Equal(t, models.StatusOffline, last.Status)
	require.NotNil(t, last.LastOnline)
	assert.True(t, now.Equal(*last.LastOnline))
	assert.Equal(t, StateOnline, m.State(), "choosing offline does not end the session")
}

func TestSignOut(t *testing.T) {
	repo := &statusRepo{}
	beacon := &countingBeacon{}
	m := newTestManager(t, repo, beacon)
	ctx := context.Background()

	assert.ErrorIs(t, m.SignOut(ctx), ErrInvalidTransition)
	require.NoError(t, m.Connect(ctx, alice))

	tracked, untracked := &closer{}, &closer{}
	m.Track(tracked)
	m.Track(untracked)()

	var ended atomic.Bool
	m.OnSessionEnd(func(context.Context) error {
		ended.Store(true)
		return nil
	})

	require.NoError(t, m.SignOut(ctx))
	assert.Equal(t, StateOffline, m.State())
	assert.True(t, ended.Load())
	assert.EqualValues(t, 1, tracked.closed.Load())
	assert.EqualValues(t, 0, untracked.closed.Load())

	last := repo.written()[len(repo.written())-1]
	assert.Equal(t, models.Offline(now), last)
	assert.EqualValues(t, 0, beacon.calls.Load())

	require.NoError(t, m.SignOut(ctx))
	m.Terminate()
	assert.EqualValues(t, 0, beacon.calls.Load(), "nothing left to terminate after sign out")

	late := &closer{}
	m.Track(late)
	assert.EqualValues(t, 1, late.closed.Load())
}

func TestSignOutWithFailedWriteStillEndsSession(t *testing.T) {
	repo := &statusRepo{}
	m := newTestManager(t, repo, &countingBeacon{})
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, alice))

	repo.setFail(errors.New("network unreachable"))
	tracked := &closer{}
	m.Track(tracked)

	require.NoError(t, m.SignOut(ctx))
	assert.Equal(t, StateOffline, m.State())
	assert.EqualValues(t, 1, tracked.closed.Load())
	assert.Len(t, repo.written(), 2, "the failed offline write is not retried")
}

func TestTerminateSendsExactlyOneBeacon(t *testing.T) {
	for _, beaconErr := range []error{nil, errors.New("connection refused")} {
		repo := &statusRepo{}
		beacon := &countingBeacon{err: beaconErr}
		m := newTestManager(t, repo, beacon)
		require.NoError(t, m.Connect(context.Background(), alice))

		tracked := &closer{}
		m.Track(tracked)

		m.Terminate()
		m.Terminate()

		assert.EqualValues(t, 1, beacon.calls.Load())
		assert.Equal(t, "alice", beacon.user.Load())
		assert.Equal(t, StateOffline, m.State())
		assert.EqualValues(t, 1, tracked.closed.Load())
		assert.Len(t, repo.written(), 1, "termination bypasses the repository")
	}
}

func TestTerminateWhileConnecting(t *testing.T) {
	repo := &statusRepo{fail: errors.New("timeout")}
	beacon := &countingBeacon{}
	m := newTestManager(t, repo, beacon)
	require.Error(t, m.Connect(context.Background(), alice))

	m.Terminate()
	assert.EqualValues(t, 1, beacon.calls.Load())
	assert.ErrorIs(t, m.Connect(context.Background(), alice), ErrInvalidTransition)
}

func TestTerminateWithoutSession(t *testing.T) {
	beacon := &countingBeacon{}
	m := newTestManager(t, &statusRepo{}, beacon)
	m.Terminate()
	assert.EqualValues(t, 0, beacon.calls.Load())
}
