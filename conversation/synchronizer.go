package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"scuffedchat/database"
	"scuffedchat/logger"
	"scuffedchat/metrics"
	"scuffedchat/models"
	"scuffedchat/realtime"
)

var (
	ErrClosed                 = errors.New("conversation closed")
	ErrEmptyContent           = errors.New("message content is required")
	ErrNotParticipant         = errors.New("session user is not a participant of this conversation")
	ErrReplyNotInConversation = errors.New("reply target is not in this conversation")
	ErrSamePeer               = errors.New("a conversation needs two distinct participants")
)

// Merge sources, used as log fields and metric labels.
const (
	sourceHistory = "history"
	sourceFeed    = "feed"
	sourceLocal   = "local"
)

// New rows and read-flag changes both arrive on the messages feed.
var feedKinds = []models.EventKind{models.EventInsert, models.EventUpdate}

// FetchState tracks the historical query of a handle.
type FetchState string

const (
	FetchPending FetchState = "pending"
	FetchLoaded  FetchState = "loaded"
	FetchFailed  FetchState = "failed"
)

// FeedState tracks the live subscription of a handle.
type FeedState string

const (
	FeedLive     FeedState = "live"
	FeedDegraded FeedState = "degraded"
)

// State is what the view needs to render beside the messages: whether
// history loaded and whether live delivery is still attached.
type State struct {
	Fetch    FetchState
	Feed     FeedState
	FetchErr error
	FeedErr  error
}

func (s State) MarshalJSON() ([]byte, error) {
	v := struct {
		Fetch    FetchState `json:"fetch"`
		Feed     FeedState  `json:"feed"`
		FetchErr string     `json:"fetch_error,omitempty"`
		FeedErr  string     `json:"feed_error,omitempty"`
	}{Fetch: s.Fetch, Feed: s.Feed}
	if s.FetchErr != nil {
		v.FetchErr = s.FetchErr.Error()
	}
	if s.FeedErr != nil {
		v.FeedErr = s.FeedErr.Error()
	}
	return json.Marshal(v)
}

// Update is one observation of a conversation: the ordered messages and
// the state at the time of the change. Version grows with every queued
// update; a Snapshot carries the version of the latest one.
type Update struct {
	Pair     models.Pair      `json:"-"`
	Messages []models.Message `json:"messages"`
	State    State            `json:"state"`
	Version  uint64           `json:"version"`
}

// Synchronizer opens conversation handles over one message repository and
// one shared change feed.
type Synchronizer struct {
	repo    database.MessageRepository
	feed    realtime.Feed
	log     *zap.Logger
	metrics *metrics.Sync
}

// NewSynchronizer creates a synchronizer
func NewSynchronizer(repo database.MessageRepository, feed realtime.Feed, log *zap.Logger, m *metrics.Sync) *Synchronizer {
	return &Synchronizer{
		repo:    repo,
		feed:    feed,
		log:     logger.OrNop(log).With(zap.String("component", "conversation")),
		metrics: m,
	}
}

// Open starts synchronizing the conversation between a and b. The feed is
// attached before the history query is issued so nothing inserted in
// between is missed. A feed that cannot be attached leaves the handle
// degraded rather than failing Open.
func (s *Synchronizer) Open(ctx context.Context, sess models.Session, a, b string) (*Handle, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if a == b {
		return nil, ErrSamePeer
	}
	pair, err := models.NewPair(a, b)
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		sync:      s,
		sess:      sess,
		pair:      pair,
		seq:       NewSequence(pair),
		state:     State{Fetch: FetchPending, Feed: FeedLive},
		listeners: make(map[int]func(Update)),
		wake:      make(chan struct{}, 1),
		ctx:       hctx,
		cancel:    cancel,
		log:       s.log.With(zap.String("pair", pair.String())),
	}

	sub, err := s.feed.Subscribe(ctx, models.TableMessages, feedKinds...)

	h.mu.Lock()
	if err != nil {
		h.state.Feed = FeedDegraded
		h.state.FeedErr = err
		h.log.Warn("conversation feed unavailable", zap.Error(err))
	} else {
		h.sub = sub
		h.goLocked(func() { h.pump(sub) })
	}
	h.goLocked(h.notifier)
	h.goLocked(func() { h.load(h.ctx) })
	h.mu.Unlock()

	s.metrics.HandleOpened()
	h.log.Debug("conversation opened")
	return h, nil
}

// Handle is one open conversation. Its message view only ever grows, is
// always ordered by (created_at, id) and holds every id at most once.
type Handle struct {
	sync *Synchronizer
	sess models.Session
	pair models.Pair
	log  *zap.Logger

	resubMu sync.Mutex

	mu        sync.Mutex
	seq       *Sequence
	state     State
	sub       *realtime.Subscription
	listeners map[int]func(Update)
	nextID    int
	pending   []Update
	version   uint64
	closed    bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Snapshot returns the current view.
func (h *Handle) Snapshot() Update {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.updateLocked()
}

// OnUpdate registers fn for every change of the view. Updates are delivered
// in order from a single goroutine. fn must not call Close.
func (h *Handle) OnUpdate(fn func(Update)) (remove func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return func() {}
	}
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

// Send writes a new message from the session user to the peer. The write
// error is returned as is and nothing is added to the view before the
// store accepts the row. On success the stored row is merged at once; the
// feed echo of the same id is then suppressed.
func (h *Handle) Send(ctx context.Context, content string, replyTo *string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrEmptyContent
	}
	sender := h.sess.UserID
	if !h.pair.Has(sender) {
		return models.Message{}, ErrNotParticipant
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return models.Message{}, ErrClosed
	}
	if replyTo != nil && !h.seq.Has(*replyTo) {
		h.mu.Unlock()
		return models.Message{}, ErrReplyNotInConversation
	}
	h.mu.Unlock()

	msg, err := h.sync.repo.InsertMessage(ctx, h.sess, models.NewMessage{
		SenderID:   sender,
		ReceiverID: h.pair.Peer(sender),
		Content:    content,
		ReplyTo:    replyTo,
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("send message: %w", err)
	}

	h.mu.Lock()
	h.mergeLocked(sourceLocal, msg)
	h.mu.Unlock()
	return msg, nil
}

// MarkReadLocal flips the read flag of ids in the view. It reports how many
// changed.
func (h *Handle) MarkReadLocal(ids ...string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	n := 0
	for _, id := range ids {
		if h.seq.SetRead(id) {
			n++
		}
	}
	if n > 0 {
		h.queueLocked()
	}
	return n
}

// Resubscribe attaches a fresh feed subscription and re-runs the history
// query to cover anything inserted while the feed was down. There is no
// automatic retry; callers decide when to invoke it.
func (h *Handle) Resubscribe(ctx context.Context) error {
	h.resubMu.Lock()
	defer h.resubMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	old := h.sub
	h.sub = nil
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}

	sub, err := h.sync.feed.Subscribe(ctx, models.TableMessages, feedKinds...)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		return ErrClosed
	}
	if err != nil {
		h.state.Feed = FeedDegraded
		h.state.FeedErr = err
		h.queueLocked()
		h.mu.Unlock()
		return fmt.Errorf("resubscribe: %w", err)
	}
	h.sub = sub
	h.state.Feed = FeedLive
	h.state.FeedErr = nil
	h.goLocked(func() { h.pump(sub) })
	h.queueLocked()
	h.mu.Unlock()

	h.log.Info("conversation feed resubscribed")
	return h.load(ctx)
}

// Refresh re-runs the history query and merges its rows.
func (h *Handle) Refresh(ctx context.Context) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return h.load(ctx)
}

// Close detaches the handle from the feed and stops notifications. When it
// returns no listener is running and none will run again. The shared feed
// connection is left open.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sub := h.sub
	h.sub = nil
	h.pending = nil
	h.listeners = nil
	h.mu.Unlock()

	h.cancel()
	if sub != nil {
		sub.Close()
	}
	h.wg.Wait()

	h.sync.metrics.HandleClosed()
	h.log.Debug("conversation closed")
	return nil
}

func (h *Handle) goLocked(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

func (h *Handle) load(ctx context.Context) error {
	msgs, err := h.sync.repo.QueryMessages(ctx, h.sess, database.ConversationFilter(h.pair.A, h.pair.B))

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && h.ctx.Err() != nil {
			return err
		}
		h.state.Fetch = FetchFailed
		h.state.FetchErr = err
		h.sync.metrics.FetchFailed()
		h.log.Warn("conversation history fetch failed", zap.Error(err), zap.Bool("transient", database.IsTransient(err)))
		h.queueLocked()
		return fmt.Errorf("fetch history: %w", err)
	}

	for _, m := range msgs {
		h.mergeOneLocked(sourceHistory, m)
	}
	h.state.Fetch = FetchLoaded
	h.state.FetchErr = nil
	h.queueLocked()
	h.log.Debug("conversation history loaded", zap.Int("rows", len(msgs)), zap.Int("messages", h.seq.Len()))
	return nil
}

func (h *Handle) pump(sub *realtime.Subscription) {
	for ev, err := range sub.All(h.ctx) {
		if err != nil {
			h.feedEnded(sub, err)
			return
		}
		msg, err := models.DecodeMessage(ev.New)
		if err != nil {
			h.log.Warn("undecodable message event", zap.Error(err))
			continue
		}
		h.mu.Lock()
		if h.closed || h.sub != sub {
			h.mu.Unlock()
			return
		}
		h.mergeLocked(sourceFeed, msg)
		h.mu.Unlock()
	}
}

func (h *Handle) feedEnded(sub *realtime.Subscription, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.sub != sub {
		return
	}
	h.sub = nil
	h.state.Feed = FeedDegraded
	h.state.FeedErr = err
	h.log.Warn("conversation feed degraded", zap.Error(err))
	h.queueLocked()
}

// mergeLocked merges one message and queues an update if the view changed.
func (h *Handle) mergeLocked(source string, m models.Message) {
	switch h.mergeOneLocked(source, m) {
	case Inserted, ReadUpdated:
		h.queueLocked()
	}
}

func (h *Handle) mergeOneLocked(source string, m models.Message) MergeResult {
	res := h.seq.Merge(m)
	switch res {
	case Inserted:
		h.sync.metrics.Merged(source)
	case Duplicate:
		h.sync.metrics.Duplicate(source)
		h.log.Debug("duplicate suppressed", zap.String("id", m.ID), zap.String("source", source))
	case ReadUpdated:
		h.sync.metrics.Duplicate(source)
		h.log.Debug("read flag advanced", zap.String("id", m.ID), zap.String("source", source))
	case Discarded:
		h.sync.metrics.Discarded()
	}
	return res
}

func (h *Handle) updateLocked() Update {
	return Update{Pair: h.pair, Messages: h.seq.Snapshot(), State: h.state, Version: h.version}
}

func (h *Handle) queueLocked() {
	if h.closed {
		return
	}
	h.version++
	h.pending = append(h.pending, h.updateLocked())
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Handle) notifier() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.wake:
		}
		for {
			h.mu.Lock()
			if h.closed || len(h.pending) == 0 {
				h.mu.Unlock()
				break
			}
			u := h.pending[0]
			h.pending = h.pending[1:]
			fns := make([]func(Update), 0, len(h.listeners))
			for id := 0; id < h.nextID; id++ {
				if fn, ok := h.listeners[id]; ok {
					fns = append(fns, fn)
				}
			}
			h.mu.Unlock()

			for _, fn := range fns {
				if h.ctx.Err() != nil {
					return
				}
				fn(u)
			}
		}
	}
}
