package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"scuffedchat/conversation"
	"scuffedchat/database"
	"scuffedchat/logger"
	"scuffedchat/metrics"
	"scuffedchat/models"
	"scuffedchat/presence"
	"scuffedchat/realtime"
	"scuffedchat/receipts"
)

var (
	// ErrNotOpen is returned for operations on a conversation that is not open.
	ErrNotOpen = errors.New("conversation is not open")
	// ErrEnded is returned once the session signed out or terminated.
	ErrEnded = errors.New("session ended")
)

// Deps are the collaborators a Client is built from.
type Deps struct {
	Messages database.MessageRepository
	Profiles database.ProfileRepository
	// Feed is the session's change feed. If it implements io.Closer it is
	// owned by the client and closed when the session ends.
	Feed         realtime.Feed
	NewBeacon    func(models.Session) presence.Beacon
	// OnSessionEnd runs on SignOut after the offline write, e.g. to revoke
	// the token with the auth provider. Terminate never runs it.
	OnSessionEnd func(context.Context, models.Session) error
	WriteTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Sync
}

// Client is everything one signed-in participant uses: open conversations,
// read receipts, presence and the contact roster.
type Client struct {
	sess     models.Session
	deps     Deps
	log      *zap.Logger
	sync     *conversation.Synchronizer
	receipts *receipts.Reconciler
	presence *presence.Manager
	roster   *presence.Roster

	mu    sync.Mutex
	convs map[string]*openConversation
	ended bool
}

type openConversation struct {
	handle  *conversation.Handle
	detach  func()
	untrack func()
}

// New creates a client for sess. Nothing is written until Start.
func New(sess models.Session, deps Deps) *Client {
	if deps.WriteTimeout <= 0 {
		deps.WriteTimeout = 10 * time.Second
	}
	log := logger.OrNop(deps.Logger).With(zap.String("user", sess.UserID))
	c := &Client{
		sess:     sess,
		deps:     deps,
		log:      log,
		sync:     conversation.NewSynchronizer(deps.Messages, deps.Feed, log, deps.Metrics),
		receipts: receipts.New(sess, deps.Messages, log, deps.Metrics, deps.WriteTimeout),
		presence: presence.NewManager(deps.Profiles, presence.Options{
			NewBeacon:    deps.NewBeacon,
			WriteTimeout: deps.WriteTimeout,
			Logger:       log,
			Metrics:      deps.Metrics,
		}),
		roster: presence.NewRoster(deps.Profiles, deps.Feed, sess, log),
		convs:  make(map[string]*openConversation),
	}
	if deps.OnSessionEnd != nil {
		c.presence.OnSessionEnd(func(ctx context.Context) error {
			return deps.OnSessionEnd(ctx, sess)
		})
	}
	return c
}

// Session returns the session the client acts for.
func (c *Client) Session() models.Session { return c.sess }

// Presence returns the session's presence manager.
func (c *Client) Presence() *presence.Manager { return c.presence }

// Start marks the session online and loads the roster. A roster that
// cannot start is logged; conversations work without it.
func (c *Client) Start(ctx context.Context) error {
	if err := c.presence.Connect(ctx, c.sess); err != nil {
		return err
	}
	if err := c.roster.Start(ctx); err != nil {
		c.log.Warn("roster unavailable", zap.Error(err))
	}
	return nil
}

// OpenConversation opens the conversation with peerID, or returns the one
// already open.
func (c *Client) OpenConversation(ctx context.Context, peerID string) (*conversation.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return nil, conversation.ErrClosed
	}
	if oc, ok := c.convs[peerID]; ok {
		return oc.handle, nil
	}

	h, err := c.sync.Open(ctx, c.sess, c.sess.UserID, peerID)
	if err != nil {
		return nil, err
	}
	oc := &openConversation{handle: h, detach: c.receipts.Attach(h)}
	oc.untrack = c.presence.Track(closerFunc(func() error { return c.CloseConversation(peerID) }))
	c.convs[peerID] = oc
	return h, nil
}

// Conversation returns the open conversation with peerID.
func (c *Client) Conversation(peerID string) (*conversation.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	oc, ok := c.convs[peerID]
	if !ok {
		return nil, false
	}
	return oc.handle, true
}

// SendMessage sends to peerID, opening the conversation if needed. Write
// failures are returned to the caller.
func (c *Client) SendMessage(ctx context.Context, peerID, content string, replyTo *string) (models.Message, error) {
	h, err := c.OpenConversation(ctx, peerID)
	if err != nil {
		return models.Message{}, err
	}
	wctx, cancel := context.WithTimeout(ctx, c.deps.WriteTimeout)
	defer cancel()
	return h.Send(wctx, content, replyTo)
}

// OnUpdate registers fn on the open conversation with peerID.
func (c *Client) OnUpdate(peerID string, fn func(conversation.Update)) (func(), error) {
	h, ok := c.Conversation(peerID)
	if !ok {
		return nil, ErrNotOpen
	}
	return h.OnUpdate(fn), nil
}

// CloseConversation detaches the conversation with peerID. Closing one
// that is not open is a no-op.
func (c *Client) CloseConversation(peerID string) error {
	c.mu.Lock()
	oc, ok := c.convs[peerID]
	delete(c.convs, peerID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	oc.detach()
	oc.untrack()
	return oc.handle.Close()
}

// SetPresence writes a UI-chosen status.
func (c *Client) SetPresence(ctx context.Context, status models.Status) error {
	return c.presence.SetPresence(ctx, status)
}

// UpdateProfile edits the session user's own profile. The change reaches
// every roster through the profiles feed.
func (c *Client) UpdateProfile(ctx context.Context, patch models.ProfilePatch) error {
	if c.isEnded() {
		return ErrEnded
	}
	wctx, cancel := context.WithTimeout(ctx, c.deps.WriteTimeout)
	defer cancel()
	if err := c.deps.Profiles.UpdateProfile(wctx, c.sess, c.sess.UserID, patch); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// RestartContacts re-attaches the roster to the profiles feed and reloads
// every profile. It is how the UI recovers contacts after the feed dropped.
func (c *Client) RestartContacts(ctx context.Context) error {
	if c.isEnded() {
		return ErrEnded
	}
	return c.roster.Restart(ctx)
}

// ContactsErr returns why live contact updates stopped, or nil while they run.
func (c *Client) ContactsErr() error {
	return c.roster.FeedErr()
}

// Contacts returns the other participants with their last known status.
func (c *Client) Contacts() []models.Profile {
	return c.roster.Contacts()
}

// OnContactChange registers fn for live profile changes.
func (c *Client) OnContactChange(fn func(models.Profile)) func() {
	return c.roster.OnChange(fn)
}

// SignOut ends the session the orderly way. It returns once in-flight
// read receipts have been written or given up on.
func (c *Client) SignOut(ctx context.Context) error {
	c.markEnded()
	err := c.presence.SignOut(ctx)
	c.receipts.Wait()
	c.release()
	return err
}

// Terminate ends the session on abrupt exit. See presence.Manager.Terminate.
func (c *Client) Terminate() {
	c.markEnded()
	c.presence.Terminate()
	c.release()
}

func (c *Client) markEnded() {
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()
}

func (c *Client) isEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *Client) release() {
	c.roster.Close()
	if closer, ok := c.deps.Feed.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			c.log.Debug("close feed", zap.Error(err))
		}
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
