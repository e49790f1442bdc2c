package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"scuffedchat/database"
	"scuffedchat/models"
)

const defaultBeaconTimeout = 2 * time.Second

// HTTPBeacon writes the offline status with one blocking PATCH straight to
// the store's REST endpoint. It holds its own copy of the credentials so it
// works while the rest of the session is being torn down.
type HTTPBeacon struct {
	restURL     string
	apiKey      string
	accessToken string
	client      *http.Client
}

// NewHTTPBeacon creates a beacon for the REST endpoint at restURL
// (https://<project>/rest/v1).
func NewHTTPBeacon(restURL, apiKey, accessToken string, timeout time.Duration) *HTTPBeacon {
	if timeout <= 0 {
		timeout = defaultBeaconTimeout
	}
	return &HTTPBeacon{
		restURL:     strings.TrimRight(restURL, "/"),
		apiKey:      apiKey,
		accessToken: accessToken,
		client:      &http.Client{Timeout: timeout},
	}
}

// SendOffline issues a single request and reports its outcome. It never
// retries.
func (b *HTTPBeacon) SendOffline(userID string, at time.Time) error {
	body, err := json.Marshal(models.Offline(at))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.client.Timeout)
	defer cancel()

	endpoint := b.restURL + "/" + models.TableProfiles + "?id=" + url.QueryEscape("eq."+userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	database.SetAuthHeaders(req.Header, b.apiKey, b.accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")

	resp, err := b.client.Do(req)
	if err != nil {
		return &database.IOError{Op: "presence beacon", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 300 {
		return &database.IOError{Op: "presence beacon", Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	return nil
}
