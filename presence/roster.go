package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"scuffedchat/database"
	"scuffedchat/logger"
	"scuffedchat/models"
	"scuffedchat/realtime"
)

// Roster keeps every other participant's profile, including live status,
// for one session. Profile changes arrive on the feed.
type Roster struct {
	repo database.ProfileRepository
	feed realtime.Feed
	sess models.Session
	log  *zap.Logger

	mu        sync.Mutex
	profiles  map[string]models.Profile
	sub       *realtime.Subscription
	listeners map[int]func(models.Profile)
	nextID    int
	closed    bool
	feedErr   error
	wg        sync.WaitGroup
}

// NewRoster creates an empty roster for sess
func NewRoster(repo database.ProfileRepository, feed realtime.Feed, sess models.Session, log *zap.Logger) *Roster {
	return &Roster{
		repo:      repo,
		feed:      feed,
		sess:      sess,
		log:       logger.OrNop(log).With(zap.String("component", "roster"), zap.String("user", sess.UserID)),
		profiles:  make(map[string]models.Profile),
		listeners: make(map[int]func(models.Profile)),
	}
}

// Start subscribes to profile changes and loads every profile.
func (r *Roster) Start(ctx context.Context) error {
	return r.Restart(ctx)
}

// Restart replaces the feed subscription and reloads the profiles. It is
// how a caller recovers after the feed was lost.
func (r *Roster) Restart(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return realtime.ErrClosed
	}
	old := r.sub
	r.sub = nil
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}

	sub, err := r.feed.Subscribe(ctx, models.TableProfiles, models.EventAll)
	if err != nil {
		r.mu.Lock()
		r.feedErr = err
		r.mu.Unlock()
		return fmt.Errorf("roster subscribe: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.Close()
		return realtime.ErrClosed
	}
	r.sub = sub
	r.feedErr = nil
	r.wg.Add(1)
	go r.pump(sub)
	r.mu.Unlock()

	profiles, err := r.repo.ListProfiles(ctx, r.sess)
	if err != nil {
		return fmt.Errorf("roster load: %w", err)
	}
	r.mu.Lock()
	for _, p := range profiles {
		if _, seen := r.profiles[p.ID]; !seen || !p.UpdatedAt.Before(r.profiles[p.ID].UpdatedAt) {
			r.profiles[p.ID] = p
		}
	}
	r.mu.Unlock()
	r.log.Debug("roster loaded", zap.Int("profiles", len(profiles)))
	return nil
}

// Contacts returns every profile except the session user's, by username.
func (r *Roster) Contacts() []models.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Profile, 0, len(r.profiles))
	for id, p := range r.profiles {
		if id != r.sess.UserID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// FeedErr returns why the profile feed stopped, or nil while it runs.
func (r *Roster) FeedErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feedErr
}

// OnChange registers fn for every profile change seen on the feed. fn runs
// on the roster's feed goroutine and must not call Close.
func (r *Roster) OnChange(fn func(models.Profile)) (remove func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return func() {}
	}
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Close detaches from the feed.
func (r *Roster) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sub := r.sub
	r.sub = nil
	r.listeners = nil
	r.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	r.wg.Wait()
	return nil
}

func (r *Roster) pump(sub *realtime.Subscription) {
	defer r.wg.Done()
	for ev, err := range sub.All(context.Background()) {
		if err != nil {
			r.mu.Lock()
			if r.sub == sub && !errors.Is(err, realtime.ErrClosed) {
				r.feedErr = err
				r.log.Warn("roster feed lost", zap.Error(err))
			}
			r.mu.Unlock()
			return
		}
		r.apply(sub, ev)
	}
}

func (r *Roster) apply(sub *realtime.Subscription, ev models.RawEvent) {
	row := ev.New
	if ev.Kind == models.EventDelete {
		row = ev.Old
	}
	p, err := models.DecodeProfile(row)
	if err != nil {
		r.log.Warn("undecodable profile event", zap.Error(err))
		return
	}

	r.mu.Lock()
	if r.closed || r.sub != sub {
		r.mu.Unlock()
		return
	}
	if ev.Kind == models.EventDelete {
		delete(r.profiles, p.ID)
		p.Status = models.StatusOffline
	} else {
		r.profiles[p.ID] = p
	}
	fns := make([]func(models.Profile), 0, len(r.listeners))
	for id := 0; id < r.nextID; id++ {
		if fn, ok := r.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(p)
	}
}
