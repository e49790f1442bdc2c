package database

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"scuffedchat/logger"
	"scuffedchat/models"
)

const maxErrorBody = 4 << 10

// REST talks to the store's PostgREST endpoint. Every call carries the
// project api key and the caller's session token.
type REST struct {
	baseURL string // https://<project>/rest/v1
	apiKey  string
	client  *http.Client
	log     *zap.Logger
}

// NewREST creates a PostgREST client
func NewREST(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *REST {
	return &REST{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		log:     logger.OrNop(log).With(zap.String("component", "postgrest")),
	}
}

// Message queries

// QueryMessages runs one point-in-time query on messages
func (r *REST) QueryMessages(ctx context.Context, sess models.Session, f Filter) ([]models.Message, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("select", "*")
	if len(f.AnyOf) > 0 {
		parts := make([]string, len(f.AnyOf))
		for i, eq := range f.AnyOf {
			parts[i] = eq.Column + ".eq." + postgrestValue(eq.Value)
		}
		q.Set("or", "("+strings.Join(parts, ",")+")")
	}
	if len(f.OrderBy) > 0 {
		cols := make([]string, len(f.OrderBy))
		for i, c := range f.OrderBy {
			cols[i] = c + ".asc"
		}
		q.Set("order", strings.Join(cols, ","))
	}

	body, err := r.do(ctx, sess, "query messages", http.MethodGet, models.TableMessages, q, nil, "")
	if err != nil {
		return nil, err
	}
	messages, err := models.DecodeMessages(body)
	if err != nil {
		return nil, &IOError{Op: "query messages", Err: err}
	}
	return messages, nil
}

// InsertMessage writes a new message and returns the stored row
func (r *REST) InsertMessage(ctx context.Context, sess models.Session, m models.NewMessage) (models.Message, error) {
	if err := m.Validate(); err != nil {
		return models.Message{}, err
	}
	body, err := r.do(ctx, sess, "insert message", http.MethodPost, models.TableMessages, nil, m, "return=representation")
	if err != nil {
		return models.Message{}, err
	}
	rows, err := models.DecodeMessages(body)
	if err != nil {
		return models.Message{}, &IOError{Op: "insert message", Err: err}
	}
	if len(rows) != 1 {
		return models.Message{}, &IOError{Op: "insert message", Err: fmt.Errorf("expected 1 row, got %d", len(rows))}
	}
	return rows[0], nil
}

// UpdateMessage patches one message by id
func (r *REST) UpdateMessage(ctx context.Context, sess models.Session, id string, patch models.MessagePatch) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	_, err := r.do(ctx, sess, "update message", http.MethodPatch, models.TableMessages, q, patch, "return=minimal")
	return err
}

// Profile queries

// GetProfile retrieves a profile by id
func (r *REST) GetProfile(ctx context.Context, sess models.Session, id string) (models.Profile, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("id", "eq."+id)
	body, err := r.do(ctx, sess, "get profile", http.MethodGet, models.TableProfiles, q, nil, "")
	if err != nil {
		return models.Profile{}, err
	}
	profiles, err := models.DecodeProfiles(body)
	if err != nil {
		return models.Profile{}, &IOError{Op: "get profile", Err: err}
	}
	if len(profiles) == 0 {
		return models.Profile{}, ErrNotFound
	}
	return profiles[0], nil
}

// ListProfiles returns every profile ordered by username
func (r *REST) ListProfiles(ctx context.Context, sess models.Session) ([]models.Profile, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "username.asc")
	body, err := r.do(ctx, sess, "list profiles", http.MethodGet, models.TableProfiles, q, nil, "")
	if err != nil {
		return nil, err
	}
	profiles, err := models.DecodeProfiles(body)
	if err != nil {
		return nil, &IOError{Op: "list profiles", Err: err}
	}
	return profiles, nil
}

// UpdateProfile applies a profile edit
func (r *REST) UpdateProfile(ctx context.Context, sess models.Session, id string, patch models.ProfilePatch) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	_, err := r.do(ctx, sess, "update profile", http.MethodPatch, models.TableProfiles, q, patch, "return=minimal")
	return err
}

// UpdateStatus writes the presence fields of a profile
func (r *REST) UpdateStatus(ctx context.Context, sess models.Session, id string, u models.StatusUpdate) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	_, err := r.do(ctx, sess, "update status", http.MethodPatch, models.TableProfiles, q, u, "return=minimal")
	return err
}

func (r *REST) do(ctx context.Context, sess models.Session, op, method, table string, q url.Values, payload interface{}, prefer string) ([]byte, error) {
	if err := sess.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	endpoint := r.baseURL + "/" + table
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	SetAuthHeaders(req.Header, r.apiKey, sess.AccessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &IOError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &IOError{Op: op, Status: resp.StatusCode, Err: err}
	}
	r.log.Debug("store call",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode >= 300 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, &IOError{Op: op, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(data)))}
	}
	return data, nil
}

// SetAuthHeaders sets the headers every store request carries.
func SetAuthHeaders(h http.Header, apiKey, accessToken string) {
	h.Set("apikey", apiKey)
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("Accept", "application/json")
}
