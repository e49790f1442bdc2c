package conversation

import (
	"sort"

	"scuffedchat/models"
)

// MergeResult is the outcome of merging one message into a Sequence.
type MergeResult int

const (
	// Inserted means the message was new and now sits at its ordered position.
	Inserted MergeResult = iota
	// Duplicate means the id was already present; the stored entry is unchanged.
	Duplicate
	// Discarded means the message belongs to another participant pair.
	Discarded
	// ReadUpdated means the id was already present and the copy moved its
	// read flag from unread to read. No other field changed.
	ReadUpdated
)

func (r MergeResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	case Discarded:
		return "discarded"
	case ReadUpdated:
		return "read_updated"
	}
	return "unknown"
}

// Sequence is the ordered, duplicate-free message list of one pair. It is
// not safe for concurrent use; Handle guards it.
type Sequence struct {
	pair  models.Pair
	items []models.Message
	ids   map[string]struct{}
}

// NewSequence creates an empty sequence for pair
func NewSequence(pair models.Pair) *Sequence {
	return &Sequence{pair: pair, ids: make(map[string]struct{})}
}

// Merge adds m unless its id is already present. The first write of an id
// wins for every field except the read flag, which only moves from unread
// to read.
func (s *Sequence) Merge(m models.Message) MergeResult {
	if !s.pair.Contains(m) {
		return Discarded
	}
	if _, ok := s.ids[m.ID]; ok {
		if m.IsRead && s.SetRead(m.ID) {
			return ReadUpdated
		}
		return Duplicate
	}

	i := sort.Search(len(s.items), func(i int) bool { return !s.items[i].Before(m) })
	s.items = append(s.items, models.Message{})
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = m
	s.ids[m.ID] = struct{}{}
	return Inserted
}

// Has reports whether id is in the sequence.
func (s *Sequence) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// SetRead flips the read flag of id. It reports whether anything changed.
func (s *Sequence) SetRead(id string) bool {
	if !s.Has(id) {
		return false
	}
	for i := range s.items {
		if s.items[i].ID == id {
			if s.items[i].IsRead {
				return false
			}
			s.items[i].IsRead = true
			return true
		}
	}
	return false
}

// Len returns the number of messages
func (s *Sequence) Len() int { return len(s.items) }

// Snapshot returns a copy of the ordered messages.
func (s *Sequence) Snapshot() []models.Message {
	out := make([]models.Message, len(s.items))
	copy(out, s.items)
	return out
}
