package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"scuffedchat/chat"
	"scuffedchat/database"
	"scuffedchat/middleware"
	"scuffedchat/models"
	"scuffedchat/presence"
)

type setPresenceRequest struct {
	Status string `json:"status"`
}

type updateProfileRequest struct {
	Username  *string `json:"username"`
	AvatarURL *string `json:"avatar_url"`
	Bio       *string `json:"bio"`
}

// GetContacts returns every other participant with their live status
func (s *Server) GetContacts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	client := middleware.GetClientFromContext(r)
	if client == nil {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	contacts := client.Contacts()
	if contacts == nil {
		contacts = []models.Profile{}
	}

	json.NewEncoder(w).Encode(contacts)
}

// SetPresence changes the session user's status
func (s *Server) SetPresence(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	client := middleware.GetClientFromContext(r)
	if client == nil {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req setPresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	status, err := models.ParseStatus(req.Status)
	if err != nil {
		http.Error(w, `{"error": "Unknown status"}`, http.StatusBadRequest)
		return
	}

	if err := client.SetPresence(r.Context(), status); err != nil {
		if errors.Is(err, presence.ErrNotOnline) {
			http.Error(w, `{"error": "Session is not online"}`, http.StatusConflict)
			return
		}
		http.Error(w, `{"error": "Failed to update status"}`, http.StatusBadGateway)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "status": status})
}

// ResubscribeContacts restarts live contact updates after the feed dropped
func (s *Server) ResubscribeContacts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	client := middleware.GetClientFromContext(r)
	if client == nil {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if err := client.RestartContacts(r.Context()); err != nil {
		if errors.Is(err, chat.ErrEnded) {
			http.Error(w, `{"error": "Session ended"}`, http.StatusGone)
			return
		}
		s.log.Warn("contacts resubscribe failed", zap.String("user", client.Session().UserID), zap.Error(err))
		http.Error(w, `{"error": "Failed to resubscribe contacts"}`, http.StatusBadGateway)
		return
	}

	contacts := client.Contacts()
	if contacts == nil {
		contacts = []models.Profile{}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "contacts": contacts})
}

// UpdateProfile edits the session user's username, avatar or bio
func (s *Server) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	client := middleware.GetClientFromContext(r)
	if client == nil {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Username == nil && req.AvatarURL == nil && req.Bio == nil {
		http.Error(w, `{"error": "Nothing to update"}`, http.StatusBadRequest)
		return
	}
	if req.Username != nil && strings.TrimSpace(*req.Username) == "" {
		http.Error(w, `{"error": "Username cannot be empty"}`, http.StatusBadRequest)
		return
	}

	patch := models.ProfilePatch{Username: req.Username, AvatarURL: req.AvatarURL, Bio: req.Bio}
	if err := client.UpdateProfile(r.Context(), patch); err != nil {
		switch {
		case errors.Is(err, chat.ErrEnded):
			http.Error(w, `{"error": "Session ended"}`, http.StatusGone)
		case errors.Is(err, database.ErrNotFound):
			http.Error(w, `{"error": "Profile not found"}`, http.StatusNotFound)
		default:
			s.log.Warn("profile update failed", zap.String("user", client.Session().UserID), zap.Error(err))
			http.Error(w, `{"error": "Failed to update profile"}`, http.StatusBadGateway)
		}
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
}
