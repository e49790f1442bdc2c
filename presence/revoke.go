package presence

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"scuffedchat/database"
	"scuffedchat/models"
)

// AuthRevoker signs a session out of the auth provider so its access token
// stops working. It is the hook SignOut runs after the offline write.
type AuthRevoker struct {
	authURL string // https://<project>/auth/v1
	apiKey  string
	client  *http.Client
}

// NewAuthRevoker creates a revoker for the auth endpoint at authURL
func NewAuthRevoker(authURL, apiKey string, timeout time.Duration) *AuthRevoker {
	return &AuthRevoker{
		authURL: strings.TrimRight(authURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Revoke ends sess with the auth provider.
func (a *AuthRevoker) Revoke(ctx context.Context, sess models.Session) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.authURL+"/logout", nil)
	if err != nil {
		return err
	}
	database.SetAuthHeaders(req.Header, a.apiKey, sess.AccessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return &database.IOError{Op: "revoke session", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	// An already revoked or expired token means the session is gone anyway.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusUnauthorized {
		return &database.IOError{Op: "revoke session", Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	return nil
}
