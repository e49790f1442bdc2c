package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"scuffedchat/logger"
	"scuffedchat/metrics"
	"scuffedchat/models"
)

const (
	writeWait        = 10 * time.Second
	defaultHeartbeat = 30 * time.Second
	schema           = "public"
)

// Config configures a realtime Client
type Config struct {
	URL         string // ws(s)://<project>/realtime/v1/websocket
	APIKey      string
	AccessToken string
	Heartbeat   time.Duration
	Dialer      *websocket.Dialer
}

// Client speaks the Phoenix channel protocol of the store's realtime
// service. One Client holds one websocket shared by every subscription;
// the connection is dialed lazily and redialed by the next Subscribe
// after a drop.
type Client struct {
	cfg Config
	hub *Hub
	log *zap.Logger
	ref atomic.Uint64

	joinMu sync.Mutex

	mu     sync.Mutex
	conn   *connection
	joined map[string]bool
	closed bool
}

// NewClient creates a client; no connection is made until Subscribe.
func NewClient(cfg Config, log *zap.Logger, m *metrics.Sync) *Client {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	log = logger.OrNop(log).With(zap.String("component", "realtime"))
	return &Client{
		cfg:    cfg,
		hub:    NewHub(log, m),
		log:    log,
		joined: make(map[string]bool),
	}
}

// Subscribe joins the table's channel if needed and returns a new stream
// of its changes.
func (c *Client) Subscribe(ctx context.Context, table string, kinds ...models.EventKind) (*Subscription, error) {
	sub, err := c.hub.Subscribe(ctx, table, kinds...)
	if err != nil {
		return nil, err
	}
	if err := c.ensureJoined(ctx, table); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// Close ends every subscription and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.hub.Close()
	if conn != nil {
		conn.close(websocket.CloseNormalClosure, "client closed")
	}
	return nil
}

func (c *Client) ensureJoined(ctx context.Context, table string) error {
	c.joinMu.Lock()
	defer c.joinMu.Unlock()

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	joined := c.joined[table]
	c.mu.Unlock()
	if joined {
		return nil
	}

	ref := c.nextRef()
	replies := conn.expect(ref)
	defer conn.forget(ref)

	err = conn.write(phxMessage{
		Topic: topicFor(table),
		Event: "phx_join",
		Payload: joinPayload{
			Config: joinConfig{
				PostgresChanges: []changeFilter{{Event: string(models.EventAll), Schema: schema, Table: table}},
			},
			AccessToken: c.cfg.AccessToken,
		},
		Ref: ref,
	})
	if err != nil {
		return fmt.Errorf("join %s: %w", table, err)
	}

	select {
	case r := <-replies:
		if r.Status != "ok" {
			return fmt.Errorf("join %s rejected: %s %s", table, r.Status, string(r.Response))
		}
	case <-conn.done:
		return fmt.Errorf("join %s: %w", table, ErrFeedDropped)
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	if c.conn == conn {
		c.joined[table] = true
	}
	c.mu.Unlock()
	c.log.Info("joined realtime channel", zap.String("table", table))
	return nil
}

// connect returns the live connection, dialing one if needed. The dial
// runs without c.mu so Close and the read loop are never stuck behind it.
func (c *Client) connect(ctx context.Context) (*connection, error) {
	c.mu.Lock()
	closed, existing := c.closed, c.conn
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if existing != nil {
		return existing, nil
	}

	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}
	ws, resp, err := c.cfg.Dialer.DialContext(ctx, endpoint, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return nil, ErrClosed
	}
	if c.conn != nil {
		existing := c.conn
		c.mu.Unlock()
		ws.Close()
		return existing, nil
	}
	conn := &connection{
		ws:      ws,
		pending: make(map[string]chan phxReply),
		done:    make(chan struct{}),
	}
	c.conn = conn
	c.joined = make(map[string]bool)
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.heartbeat(conn)
	c.log.Info("realtime connected")
	return conn, nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("realtime url: %w", err)
	}
	q := u.Query()
	q.Set("apikey", c.cfg.APIKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) readLoop(conn *connection) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			c.dropped(conn, err)
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("undecodable realtime frame", zap.Error(err))
			continue
		}

		switch msg.Event {
		case "phx_reply":
			var r phxReply
			if err := json.Unmarshal(msg.Payload, &r); err == nil && msg.Ref != nil {
				conn.resolve(*msg.Ref, r)
			}
		case "postgres_changes":
			ev, err := decodeChange(msg.Payload)
			if err != nil {
				c.log.Warn("undecodable change event", zap.String("topic", msg.Topic), zap.Error(err))
				continue
			}
			c.hub.Publish(ev)
		case "phx_error", "phx_close":
			table := tableFor(msg.Topic)
			c.mu.Lock()
			if c.conn == conn {
				delete(c.joined, table)
			}
			c.mu.Unlock()
			c.log.Warn("realtime channel closed by server", zap.String("topic", msg.Topic), zap.String("event", msg.Event))
			c.hub.FailTable(table, fmt.Errorf("%w: channel %s", ErrFeedDropped, msg.Event))
		}
	}
}

func (c *Client) heartbeat(conn *connection) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			err := conn.write(phxMessage{Topic: "phoenix", Event: "heartbeat", Payload: struct{}{}, Ref: c.nextRef()})
			if err != nil {
				c.log.Warn("realtime heartbeat failed", zap.Error(err))
				conn.ws.Close()
				return
			}
		}
	}
}

func (c *Client) dropped(conn *connection, cause error) {
	c.mu.Lock()
	closing := c.closed
	if c.conn == conn {
		c.conn = nil
		c.joined = make(map[string]bool)
	}
	c.mu.Unlock()

	conn.close(websocket.CloseGoingAway, "")
	if closing {
		return
	}
	c.log.Warn("realtime connection dropped", zap.Error(cause))
	c.hub.Fail(fmt.Errorf("%w: %v", ErrFeedDropped, cause))
}

func (c *Client) nextRef() string {
	return strconv.FormatUint(c.ref.Add(1), 10)
}

func topicFor(table string) string {
	return "realtime:" + schema + ":" + table
}

func tableFor(topic string) string {
	return topic[strings.LastIndex(topic, ":")+1:]
}

// connection is one websocket plus its pending join replies.
type connection struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	pmu     sync.Mutex
	pending map[string]chan phxReply

	done chan struct{}
	once sync.Once
}

func (c *connection) write(msg phxMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *connection) expect(ref string) <-chan phxReply {
	ch := make(chan phxReply, 1)
	c.pmu.Lock()
	c.pending[ref] = ch
	c.pmu.Unlock()
	return ch
}

func (c *connection) forget(ref string) {
	c.pmu.Lock()
	delete(c.pending, ref)
	c.pmu.Unlock()
}

func (c *connection) resolve(ref string, r phxReply) {
	c.pmu.Lock()
	ch, ok := c.pending[ref]
	delete(c.pending, ref)
	c.pmu.Unlock()
	if ok {
		ch <- r
	}
}

func (c *connection) close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

type phxMessage struct {
	Topic   string      `json:"topic"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
	Ref     string      `json:"ref"`
}

type inbound struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

type phxReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type joinConfig struct {
	PostgresChanges []changeFilter `json:"postgres_changes"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

type changePayload struct {
	Data struct {
		Table     string          `json:"table"`
		Type      string          `json:"type"`
		Record    json.RawMessage `json:"record"`
		OldRecord json.RawMessage `json:"old_record"`
	} `json:"data"`
}

func decodeChange(raw json.RawMessage) (models.RawEvent, error) {
	var p changePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.RawEvent{}, err
	}
	if p.Data.Table == "" || p.Data.Type == "" {
		return models.RawEvent{}, errors.New("change payload missing table or type")
	}
	return models.RawEvent{
		Table:      p.Data.Table,
		Kind:       models.EventKind(strings.ToUpper(p.Data.Type)),
		New:        p.Data.Record,
		Old:        p.Data.OldRecord,
		ReceivedAt: time.Now(),
	}, nil
}
