package presence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"scuffedchat/database"
	"scuffedchat/logger"
	"scuffedchat/metrics"
	"scuffedchat/models"
)

var (
	ErrNotOnline         = errors.New("presence: session is not online")
	ErrInvalidTransition = errors.New("presence: invalid state transition")
)

// State is the lifecycle state of one session's presence.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOnline       State = "online"
	StateOffline      State = "offline"
)

// Beacon performs the termination-time offline write. It talks to the
// store directly and is called at most once per session.
type Beacon interface {
	SendOffline(userID string, at time.Time) error
}

// BeaconFunc adapts a function to Beacon.
type BeaconFunc func(userID string, at time.Time) error

func (f BeaconFunc) SendOffline(userID string, at time.Time) error { return f(userID, at) }

// Options configures a Manager.
type Options struct {
	// NewBeacon builds the termination writer from the session being
	// connected. Credentials are captured at that point.
	NewBeacon    func(models.Session) Beacon
	WriteTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Sync
}

// Manager drives one session through disconnected, connecting, online and
// offline. Offline is terminal; a new session needs a new Manager.
type Manager struct {
	repo      database.ProfileRepository
	newBeacon func(models.Session) Beacon
	timeout   time.Duration
	log       *zap.Logger
	metrics   *metrics.Sync
	now       func() time.Time

	mu         sync.Mutex
	state      State
	status     models.Status
	sess       models.Session
	beacon     Beacon
	terminated bool
	closers    map[int]io.Closer
	nextID     int
	onEnd      func(context.Context) error
}

// NewManager creates a manager in the disconnected state
func NewManager(repo database.ProfileRepository, opts Options) *Manager {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Manager{
		repo:      repo,
		newBeacon: opts.NewBeacon,
		timeout:   opts.WriteTimeout,
		log:       logger.OrNop(opts.Logger).With(zap.String("component", "presence")),
		metrics:   opts.Metrics,
		now:       time.Now,
		state:     StateDisconnected,
		closers:   make(map[int]io.Closer),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the last status written while online.
func (m *Manager) Status() models.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnSessionEnd sets the hook SignOut runs after the offline write, e.g. to
// revoke the session with the auth provider.
func (m *Manager) OnSessionEnd(fn func(context.Context) error) {
	m.mu.Lock()
	m.onEnd = fn
	m.mu.Unlock()
}

// Connect marks the session online. last_online is left as stored. If the
// write fails the manager stays connecting and Connect may be called again.
func (m *Manager) Connect(ctx context.Context, sess models.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	switch m.state {
	case StateDisconnected, StateConnecting:
	default:
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrInvalidTransition, st)
	}
	m.state = StateConnecting
	m.sess = sess
	if m.newBeacon != nil {
		m.beacon = m.newBeacon(sess)
	}
	m.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.repo.UpdateStatus(wctx, sess, sess.UserID, models.StatusUpdate{Status: models.StatusOnline})
	m.metrics.PresenceWrite("normal", err == nil)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnecting {
		// terminated while the write was in flight
		return fmt.Errorf("%w: session ended during connect", ErrInvalidTransition)
	}
	if err != nil {
		m.log.Warn("presence online write failed", zap.String("user", sess.UserID), zap.Error(err))
		return fmt.Errorf("connect: %w", err)
	}
	m.state = StateOnline
	m.status = models.StatusOnline
	m.log.Info("presence online", zap.String("user", sess.UserID))
	return nil
}

// SetPresence writes a UI-chosen status. Choosing offline also stamps
// last_online; the session itself stays online.
func (m *Manager) SetPresence(ctx context.Context, status models.Status) error {
	st, err := models.ParseStatus(string(status))
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != StateOnline {
		m.mu.Unlock()
		return ErrNotOnline
	}
	sess := m.sess
	m.mu.Unlock()

	u := models.StatusUpdate{Status: st}
	if st == models.StatusOffline {
		u = models.Offline(m.now())
	}

	wctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err = m.repo.UpdateStatus(wctx, sess, sess.UserID, u)
	m.metrics.PresenceWrite("normal", err == nil)
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}

	m.mu.Lock()
	m.status = st
	m.mu.Unlock()
	return nil
}

// SignOut is the orderly session end: offline write, the session end hook,
// then every tracked conversation is detached. A failed offline write is
// logged and not retried.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateOffline:
		m.mu.Unlock()
		return nil
	case StateDisconnected:
		m.mu.Unlock()
		return fmt.Errorf("%w: sign out without a session", ErrInvalidTransition)
	}
	m.state = StateOffline
	sess := m.sess
	onEnd := m.onEnd
	closers := m.takeClosersLocked()
	m.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.repo.UpdateStatus(wctx, sess, sess.UserID, models.Offline(m.now()))
	cancel()
	m.metrics.PresenceWrite("normal", err == nil)
	if err != nil {
		m.log.Warn("presence offline write lost",
			zap.String("user", sess.UserID),
			zap.Bool("stale_write_loss", true),
			zap.Error(err),
		)
	}

	var endErr error
	if onEnd != nil {
		if endErr = onEnd(ctx); endErr != nil {
			m.log.Warn("session end hook failed", zap.String("user", sess.UserID), zap.Error(endErr))
		}
	}

	m.detach(closers)
	m.log.Info("presence offline", zap.String("user", sess.UserID))
	return endErr
}

// Terminate is the abrupt-exit path. It makes exactly one beacon write with
// the captured credentials, never retries and does not wait for anything
// else, then detaches tracked conversations. Later calls do nothing.
func (m *Manager) Terminate() {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return
	}
	m.terminated = true
	live := m.state == StateOnline || m.state == StateConnecting
	m.state = StateOffline
	userID := m.sess.UserID
	beacon := m.beacon
	closers := m.takeClosersLocked()
	m.mu.Unlock()

	if live && beacon != nil {
		err := beacon.SendOffline(userID, m.now())
		m.metrics.PresenceWrite("beacon", err == nil)
		if err != nil {
			m.log.Warn("presence beacon lost",
				zap.String("user", userID),
				zap.Bool("stale_write_loss", true),
				zap.Error(err),
			)
		} else {
			m.log.Info("presence beacon sent", zap.String("user", userID))
		}
	}
	m.detach(closers)
}

// Track registers c to be closed when the session ends. The returned func
// unregisters it. Tracking after the session ended closes c at once.
func (m *Manager) Track(c io.Closer) (untrack func()) {
	m.mu.Lock()
	if m.state == StateOffline {
		m.mu.Unlock()
		c.Close()
		return func() {}
	}
	id := m.nextID
	m.nextID++
	m.closers[id] = c
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.closers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) takeClosersLocked() []io.Closer {
	out := make([]io.Closer, 0, len(m.closers))
	for _, c := range m.closers {
		out = append(out, c)
	}
	m.closers = make(map[int]io.Closer)
	return out
}

func (m *Manager) detach(closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			m.log.Debug("detach", zap.Error(err))
		}
	}
}
