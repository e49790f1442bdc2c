package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"scuffedchat/chat"
	"scuffedchat/conversation"
	"scuffedchat/middleware"
	"scuffedchat/models"
)

type sendMessageRequest struct {
	Content string  `json:"content"`
	ReplyTo *string `json:"reply_to"`
}

// conversationPayload is what the UI renders for one conversation, over
// HTTP and on the websocket.
type conversationPayload struct {
	PeerID   string               `json:"peer_id"`
	Messages []models.Message     `json:"messages,omitempty"`
	Thread   []conversation.Entry `json:"thread,omitempty"`
	State    conversation.State   `json:"state"`
	Version  uint64               `json:"version"`
}

func newConversationPayload(peerID string, u conversation.Update, threaded bool) conversationPayload {
	p := conversationPayload{PeerID: peerID, State: u.State, Version: u.Version}
	if threaded {
		p.Thread = conversation.Thread(u.Messages)
	} else {
		p.Messages = u.Messages
		if p.Messages == nil {
			p.Messages = []models.Message{}
		}
	}
	return p
}

// GetConversation opens (or reuses) the conversation with a peer and
// returns its current view
func (s *Server) GetConversation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	client := middleware.GetClientFromContext(r)
	if client == nil {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	peerID := mux.Vars(r)["peerId"]
	h, err := client.OpenConversation(r.Context(), peerID)
	if err != nil {
		s.conversationError(w, err)
		return
	}

	threaded := r.URL.Query().Get("threaded") == "true"
	json.NewEncoder(w).Encode(newConversationPayload(peerID, h.Snapshot(), threaded))
}

// SendMessage sends a message to a peer
func (s *Server) SendMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	client := middleware.GetClientFromContext(r)
	if client == nil {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	peerID := mux.Vars(r)["peerId"]
	message, err := client.SendMessage(r.Context(), peerID, req.Content, req.ReplyTo)
	if err != nil {
		s.conversationError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(message)
}

// Resubscribe re-attaches a degraded conversation to the feed
func (s *Server) Resubscribe(w http.ResponseWriter, r *http.Request) {
	s.withOpenConversation(w, r, func(h *conversation.Handle) error {
		return h.Resubscribe(r.Context())
	})
}

// Refresh re-runs the history query of a conversation
func (s *Server) Refresh(w http.ResponseWriter, r *http.Request) {
	s.withOpenConversation(w, r, func(h *conversation.Handle) error {
		return h.Refresh(r.Context())
	})
}

// CloseConversation detaches the conversation with a peer
func (s *Server) CloseConversation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	client := middleware.GetClientFromContext(r)
	if client == nil {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if err := client.CloseConversation(mux.Vars(r)["peerId"]); err != nil {
		http.Error(w, `{"error": "Failed to close conversation"}`, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

func (s *Server) withOpenConversation(w http.ResponseWriter, r *http.Request, fn func(*conversation.Handle) error) {
	w.Header().Set("Content-Type", "application/json")

	client := middleware.GetClientFromContext(r)
	if client == nil {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	peerID := mux.Vars(r)["peerId"]
	h, ok := client.Conversation(peerID)
	if !ok {
		http.Error(w, `{"error": "Conversation is not open"}`, http.StatusNotFound)
		return
	}

	if err := fn(h); err != nil {
		s.log.Warn("conversation operation failed", zap.String("peer", peerID), zap.Error(err))
		s.conversationError(w, err)
		return
	}

	json.NewEncoder(w).Encode(newConversationPayload(peerID, h.Snapshot(), false))
}

func (s *Server) conversationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrEmptyContent):
		http.Error(w, `{"error": "Message content is required"}`, http.StatusBadRequest)
	case errors.Is(err, conversation.ErrReplyNotInConversation):
		http.Error(w, `{"error": "Reply target is not in this conversation"}`, http.StatusBadRequest)
	case errors.Is(err, conversation.ErrSamePeer), errors.Is(err, models.ErrSelfMessage):
		http.Error(w, `{"error": "Cannot open a conversation with yourself"}`, http.StatusBadRequest)
	case errors.Is(err, conversation.ErrNotParticipant):
		http.Error(w, `{"error": "Not a participant"}`, http.StatusForbidden)
	case errors.Is(err, conversation.ErrClosed), errors.Is(err, chat.ErrNotOpen):
		http.Error(w, `{"error": "Conversation is closed"}`, http.StatusGone)
	default:
		http.Error(w, `{"error": "Store request failed"}`, http.StatusBadGateway)
	}
}
