package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync holds the collectors for the sync layer. A nil *Sync is valid and
// records nothing.
type Sync struct {
	merged        *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	discarded     prometheus.Counter
	markRead      *prometheus.CounterVec
	presence      *prometheus.CounterVec
	feedDrops     *prometheus.CounterVec
	openHandles   prometheus.Gauge
	fetchFailures prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Sync {
	f := promauto.With(reg)
	return &Sync{
		merged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scuffedchat",
			Name:      "messages_merged_total",
			Help:      "Messages inserted into a conversation view, by source.",
		}, []string{"source"}),
		duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scuffedchat",
			Name:      "messages_duplicate_total",
			Help:      "Messages suppressed because their id was already in the view, by source.",
		}, []string{"source"}),
		discarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: "scuffedchat",
			Name:      "messages_discarded_total",
			Help:      "Feed or history rows belonging to another participant pair.",
		}),
		markRead: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scuffedchat",
			Name:      "mark_read_writes_total",
			Help:      "Mark-read writes issued, by result.",
		}, []string{"result"}),
		presence: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scuffedchat",
			Name:      "presence_writes_total",
			Help:      "Presence writes, by path (normal, beacon) and result.",
		}, []string{"path", "result"}),
		feedDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scuffedchat",
			Name:      "feed_drops_total",
			Help:      "Change feed subscriptions terminated by the transport, by table.",
		}, []string{"table"}),
		openHandles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "scuffedchat",
			Name:      "conversations_open",
			Help:      "Conversation handles currently open.",
		}),
		fetchFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "scuffedchat",
			Name:      "history_fetch_failures_total",
			Help:      "Historical conversation queries that failed.",
		}),
	}
}

func (s *Sync) Merged(source string) {
	if s != nil {
		s.merged.WithLabelValues(source).Inc()
	}
}

func (s *Sync) Duplicate(source string) {
	if s != nil {
		s.duplicates.WithLabelValues(source).Inc()
	}
}

func (s *Sync) Discarded() {
	if s != nil {
		s.discarded.Inc()
	}
}

func (s *Sync) MarkRead(ok bool) {
	if s != nil {
		s.markRead.WithLabelValues(result(ok)).Inc()
	}
}

func (s *Sync) PresenceWrite(path string, ok bool) {
	if s != nil {
		s.presence.WithLabelValues(path, result(ok)).Inc()
	}
}

func (s *Sync) FeedDropped(table string) {
	if s != nil {
		s.feedDrops.WithLabelValues(table).Inc()
	}
}

func (s *Sync) HandleOpened() {
	if s != nil {
		s.openHandles.Inc()
	}
}

func (s *Sync) HandleClosed() {
	if s != nil {
		s.openHandles.Dec()
	}
}

func (s *Sync) FetchFailed() {
	if s != nil {
		s.fetchFailures.Inc()
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
