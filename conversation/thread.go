package conversation

import "scuffedchat/models"

// Entry is a message together with the message it replies to.
type Entry struct {
	Message models.Message  `json:"message"`
	Reply   *models.Message `json:"reply,omitempty"`
	// MissingReply is set when the message names a reply target that is not
	// in the view, e.g. one older than the loaded history.
	MissingReply bool `json:"missing_reply,omitempty"`
}

// Thread resolves reply references within one conversation view. The
// order of messages is preserved.
func Thread(messages []models.Message) []Entry {
	byID := make(map[string]int, len(messages))
	for i, m := range messages {
		byID[m.ID] = i
	}

	entries := make([]Entry, len(messages))
	for i, m := range messages {
		entries[i].Message = m
		if m.ReplyTo == nil {
			continue
		}
		if j, ok := byID[*m.ReplyTo]; ok && j != i {
			target := messages[j]
			entries[i].Reply = &target
		} else {
			entries[i].MissingReply = true
		}
	}
	return entries
}
