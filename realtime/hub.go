package realtime

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	"scuffedchat/logger"
	"scuffedchat/metrics"
	"scuffedchat/models"
)

var (
	// ErrFeedDropped ends every subscription when the underlying connection is lost.
	ErrFeedDropped = errors.New("change feed dropped")
	// ErrClosed is returned by Next after the subscription or feed was closed.
	ErrClosed = errors.New("subscription closed")
	// ErrSlowConsumer ends a subscription whose buffer overflowed.
	ErrSlowConsumer = errors.New("subscription buffer exceeded")
)

const subscriptionBuffer = 256

// Feed is the subscribe side of a change feed.
type Feed interface {
	Subscribe(ctx context.Context, table string, kinds ...models.EventKind) (*Subscription, error)
}

// Hub fans row-change events out to subscriptions. It is shared by every
// consumer of one connection; closing a subscription never closes the hub.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	log     *zap.Logger
	metrics *metrics.Sync
}

// NewHub creates an empty hub
func NewHub(log *zap.Logger, m *metrics.Sync) *Hub {
	return &Hub{
		subs:    make(map[uint64]*Subscription),
		log:     logger.OrNop(log),
		metrics: m,
	}
}

// Subscribe registers a subscription for table. With no kinds, every kind
// is delivered.
func (h *Hub) Subscribe(ctx context.Context, table string, kinds ...models.EventKind) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if table == "" {
		return nil, fmt.Errorf("subscribe: table is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	h.nextID++
	s := &Subscription{
		id:     h.nextID,
		table:  table,
		kinds:  make(map[models.EventKind]bool, len(kinds)),
		events: make(chan models.RawEvent, subscriptionBuffer),
		done:   make(chan struct{}),
		hub:    h,
	}
	for _, k := range kinds {
		if k == models.EventAll {
			s.kinds = map[models.EventKind]bool{}
			break
		}
		s.kinds[k] = true
	}
	h.subs[s.id] = s
	h.log.Debug("feed subscription added", zap.Uint64("subscription", s.id), zap.String("table", table))
	return s, nil
}

// Publish delivers ev to every matching subscription without blocking.
func (h *Hub) Publish(ev models.RawEvent) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}

	h.mu.Lock()
	var slow []*Subscription
	for _, s := range h.subs {
		if !s.matches(ev) {
			continue
		}
		select {
		case s.events <- ev:
		default:
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		delete(h.subs, s.id)
	}
	h.mu.Unlock()

	for _, s := range slow {
		h.log.Warn("feed subscription dropped: buffer full",
			zap.Uint64("subscription", s.id), zap.String("table", s.table))
		s.terminate(ErrSlowConsumer)
	}
}

// Fail terminates every subscription with err. The hub stays usable and
// accepts new subscriptions afterwards.
func (h *Hub) Fail(err error) {
	h.failWhere(func(*Subscription) bool { return true }, err)
}

// FailTable terminates the subscriptions on one table.
func (h *Hub) FailTable(table string, err error) {
	h.failWhere(func(s *Subscription) bool { return s.table == table }, err)
}

func (h *Hub) failWhere(match func(*Subscription) bool, err error) {
	h.mu.Lock()
	var failed []*Subscription
	for id, s := range h.subs {
		if match(s) {
			failed = append(failed, s)
			delete(h.subs, id)
		}
	}
	h.mu.Unlock()

	for _, s := range failed {
		h.metrics.FeedDropped(s.table)
		s.terminate(err)
	}
}

// Close terminates every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[uint64]*Subscription)
	h.mu.Unlock()

	for _, s := range subs {
		s.terminate(ErrClosed)
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Subscription is a lazy, unbounded stream of events for one table. Once
// it ends (Close, feed drop, overflow) it stays ended; subscribe again to
// restart.
type Subscription struct {
	id     uint64
	table  string
	kinds  map[models.EventKind]bool
	events chan models.RawEvent
	done   chan struct{}
	hub    *Hub

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *Subscription) matches(ev models.RawEvent) bool {
	if ev.Table != s.table {
		return false
	}
	return len(s.kinds) == 0 || s.kinds[ev.Kind]
}

// Next blocks for the next event. Events buffered before a feed drop are
// still returned; after Close nothing is.
func (s *Subscription) Next(ctx context.Context) (models.RawEvent, error) {
	if err := s.Err(); errors.Is(err, ErrClosed) {
		return models.RawEvent{}, err
	}
	select {
	case ev := <-s.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.done:
		return models.RawEvent{}, s.Err()
	case <-ctx.Done():
		return models.RawEvent{}, ctx.Err()
	}
}

// All ranges over the stream. The final pair carries the terminating error.
func (s *Subscription) All(ctx context.Context) iter.Seq2[models.RawEvent, error] {
	return func(yield func(models.RawEvent, error) bool) {
		for {
			ev, err := s.Next(ctx)
			if err != nil {
				yield(models.RawEvent{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Err returns why the subscription ended, or nil while it is live.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the subscription. No event is returned by Next afterwards.
func (s *Subscription) Close() error {
	s.hub.remove(s.id)
	s.terminate(ErrClosed)
	return nil
}

func (s *Subscription) terminate(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}
