package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"scuffedchat/chat"
	"scuffedchat/logger"
	"scuffedchat/middleware"
	"scuffedchat/models"
)

const defaultSessionTTL = 24 * time.Hour

type createSessionRequest struct {
	UserID      string    `json:"user_id"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type sessionResponse struct {
	UserID   string        `json:"user_id"`
	Presence string        `json:"presence"`
	Status   models.Status `json:"status,omitempty"`
	// ContactsError is set once live contact updates have stopped; the UI
	// offers POST /api/contacts/resubscribe.
	ContactsError string `json:"contacts_error,omitempty"`
}

// CreateSession attaches a chat client to a session issued by the auth
// provider and marks it online
func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	sess := models.Session{
		UserID:      strings.TrimSpace(req.UserID),
		AccessToken: strings.TrimSpace(req.AccessToken),
		ExpiresAt:   req.ExpiresAt,
	}
	if err := sess.Validate(); err != nil {
		http.Error(w, `{"error": "user_id and access_token are required"}`, http.StatusBadRequest)
		return
	}
	if sess.Expired(time.Now()) {
		http.Error(w, `{"error": "Session expired"}`, http.StatusUnauthorized)
		return
	}

	// Replace a session this browser already holds
	if previous := middleware.GetClientFromContext(r); previous != nil {
		id := middleware.GetSessionIDFromContext(r)
		s.removeSession(id)
		if err := previous.SignOut(r.Context()); err != nil {
			s.log.Warn("sign out of replaced session", zap.Error(err))
		}
	}

	client := s.newClient(sess)
	if err := client.Start(r.Context()); err != nil {
		s.log.Warn("session start failed", zap.String("user", sess.UserID), zap.Error(err))
		client.Terminate()
		http.Error(w, `{"error": "Failed to go online"}`, http.StatusBadGateway)
		return
	}

	sessionID := generateSessionID()
	s.addSession(sessionID, client)

	expiresAt := sess.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(defaultSessionTTL)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    sessionID,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	s.log.Info("session started",
		zap.String("user", sess.UserID),
		zap.String("token", logger.Redact(sess.AccessToken)),
	)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"session": describe(client),
	})
}

// DeleteSession signs the session out
func (s *Server) DeleteSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	client := middleware.GetClientFromContext(r)
	if client == nil {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	s.removeSession(middleware.GetSessionIDFromContext(r))
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.Timeouts.Write)
	defer cancel()
	if err := client.SignOut(ctx); err != nil {
		s.log.Warn("sign out", zap.String("user", client.Session().UserID), zap.Error(err))
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
	})

	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// Me returns the current session
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	client := middleware.GetClientFromContext(r)
	if client == nil {
		http.Error(w, `{"error": "Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	json.NewEncoder(w).Encode(describe(client))
}

func describe(client *chat.Client) sessionResponse {
	resp := sessionResponse{
		UserID:   client.Session().UserID,
		Presence: string(client.Presence().State()),
		Status:   client.Presence().Status(),
	}
	if err := client.ContactsErr(); err != nil {
		resp.ContactsError = err.Error()
	}
	return resp
}

func generateSessionID() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
