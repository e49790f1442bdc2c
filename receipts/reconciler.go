package receipts

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"scuffedchat/conversation"
	"scuffedchat/database"
	"scuffedchat/logger"
	"scuffedchat/metrics"
	"scuffedchat/models"
)

const defaultWriteTimeout = 10 * time.Second

// Target is the view whose local read flags the reconciler flips.
type Target interface {
	MarkReadLocal(ids ...string) int
}

// Reconciler marks inbound messages read for one session. Every message id
// gets at most one mark-read write per session, whatever its outcome.
type Reconciler struct {
	sess         models.Session
	repo         database.MessageRepository
	log          *zap.Logger
	metrics      *metrics.Sync
	writeTimeout time.Duration

	mu        sync.Mutex
	attempted map[string]struct{}
	wg        sync.WaitGroup
}

// New creates a reconciler for sess
func New(sess models.Session, repo database.MessageRepository, log *zap.Logger, m *metrics.Sync, writeTimeout time.Duration) *Reconciler {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Reconciler{
		sess:         sess,
		repo:         repo,
		log:          logger.OrNop(log).With(zap.String("component", "receipts"), zap.String("user", sess.UserID)),
		metrics:      m,
		writeTimeout: writeTimeout,
		attempted:    make(map[string]struct{}),
	}
}

// Attach processes the handle's current view and every later update. The
// returned func detaches it.
func (r *Reconciler) Attach(h *conversation.Handle) func() {
	remove := h.OnUpdate(func(u conversation.Update) {
		r.Process(h, u.Messages)
	})
	r.Process(h, h.Snapshot().Messages)
	return remove
}

// Process finds inbound unread messages not attempted yet, flips them read
// on target and issues their writes in the background. It returns the
// number of writes started.
func (r *Reconciler) Process(target Target, msgs []models.Message) int {
	local := r.sess.UserID

	r.mu.Lock()
	var ids []string
	for _, m := range msgs {
		if !m.IsInboundUnread(local) {
			continue
		}
		if _, ok := r.attempted[m.ID]; ok {
			continue
		}
		r.attempted[m.ID] = struct{}{}
		ids = append(ids, m.ID)
	}
	r.wg.Add(len(ids))
	r.mu.Unlock()

	if len(ids) == 0 {
		return 0
	}
	target.MarkReadLocal(ids...)
	for _, id := range ids {
		go r.write(id)
	}
	return len(ids)
}

// Wait blocks until every issued write has finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) write(id string) {
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	err := r.repo.UpdateMessage(ctx, r.sess, id, models.MarkRead())
	r.metrics.MarkRead(err == nil)
	if err != nil {
		// Not retried. The remote flag may stay unread.
		r.log.Warn("mark-read write lost",
			zap.String("message_id", id),
			zap.Bool("stale_write_loss", true),
			zap.Bool("transient", database.IsTransient(err)),
			zap.Error(err),
		)
		return
	}
	r.log.Debug("message marked read", zap.String("message_id", id))
}
