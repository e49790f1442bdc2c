package middleware

import (
	"context"
	"net/http"

	"scuffedchat/chat"
)

type contextKey string

const (
	// SessionCookie names the cookie carrying the bridge session id.
	SessionCookie = "session"

	ClientContextKey    contextKey = "client"
	SessionIDContextKey contextKey = "session_id"
)

// SessionLookup resolves a bridge session id to its chat client.
type SessionLookup func(id string) (*chat.Client, bool)

// Auth checks for a valid session and adds its chat client to the context
func Auth(lookup SessionLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookie)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
				return
			}

			client, ok := lookup(cookie.Value)
			if !ok {
				w.Header().Set("Content-Type", "application/json")
				http.Error(w, `{"error": "Invalid session"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(withClient(r.Context(), cookie.Value, client)))
		})
	}
}

// OptionalAuth tries to authenticate but doesn't fail if not authenticated
func OptionalAuth(lookup SessionLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookie)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			client, ok := lookup(cookie.Value)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(withClient(r.Context(), cookie.Value, client)))
		})
	}
}

// GetClientFromContext retrieves the chat client from the request context
func GetClientFromContext(r *http.Request) *chat.Client {
	client, ok := r.Context().Value(ClientContextKey).(*chat.Client)
	if !ok {
		return nil
	}
	return client
}

// GetSessionIDFromContext retrieves the bridge session id from the request context
func GetSessionIDFromContext(r *http.Request) string {
	id, _ := r.Context().Value(SessionIDContextKey).(string)
	return id
}

func withClient(ctx context.Context, id string, client *chat.Client) context.Context {
	ctx = context.WithValue(ctx, SessionIDContextKey, id)
	return context.WithValue(ctx, ClientContextKey, client)
}
