package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"scuffedchat/chat"
	"scuffedchat/conversation"
	"scuffedchat/middleware"
	"scuffedchat/models"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// Client represents a WebSocket client
type Client struct {
	SessionID string
	UserID    string
	Conn      *websocket.Conn
	Send      chan []byte

	chat *chat.Client
	hub  *Hub

	mu      sync.Mutex
	watches map[string]*watch // peer id -> streamed conversation
	cleanup []func()
}

// watch is one conversation streamed to a socket. Frames older than the
// last one sent are dropped, so a snapshot and a pushed update can race
// without the UI ending on the older view.
type watch struct {
	handle *conversation.Handle
	remove func()
	sent   uint64
	pushed bool
}

// Hub maintains the set of active clients
type Hub struct {
	clients    map[string]*Client // session id -> client
	register   chan *Client
	unregister chan *Client
	broadcast  chan BroadcastPayload
	done       chan struct{}
	mutex      sync.RWMutex
	log        *zap.Logger
}

type BroadcastPayload struct {
	SessionID string
	Message   []byte
}

// inboundFrame is a frame sent by the UI
type inboundFrame struct {
	Type    string `json:"type"`
	Payload struct {
		PeerID string `json:"peer_id"`
	} `json:"payload"`
}

// NewHub creates a hub; Run must be called to start it
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan BroadcastPayload, 256),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the WebSocket hub
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				close(client.Send)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			if old, ok := h.clients[client.SessionID]; ok {
				close(old.Send)
			}
			h.clients[client.SessionID] = client
			h.mutex.Unlock()
			h.log.Debug("websocket connected", zap.String("user", client.UserID))

		case client := <-h.unregister:
			h.mutex.Lock()
			if current, ok := h.clients[client.SessionID]; ok && current == client {
				delete(h.clients, client.SessionID)
				close(client.Send)
			}
			h.mutex.Unlock()
			h.log.Debug("websocket disconnected", zap.String("user", client.UserID))

		case payload := <-h.broadcast:
			h.mutex.Lock()
			if client, ok := h.clients[payload.SessionID]; ok {
				select {
				case client.Send <- payload.Message:
				default:
					close(client.Send)
					delete(h.clients, payload.SessionID)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Disconnect drops the websocket of a session, if any
func (h *Hub) Disconnect(sessionID string) {
	h.mutex.RLock()
	client, ok := h.clients[sessionID]
	h.mutex.RUnlock()
	if ok {
		h.leave(client)
	}
}

// BroadcastMessage sends a message to one session. It never blocks: frames
// for a stalled hub are dropped.
func (h *Hub) BroadcastMessage(sessionID string, msg models.WebSocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal websocket frame", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- BroadcastPayload{SessionID: sessionID, Message: data}:
	case <-h.done:
	default:
		h.log.Warn("websocket frame dropped", zap.String("type", msg.Type))
	}
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	chatClient := middleware.GetClientFromContext(r)
	if chatClient == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	client := &Client{
		SessionID: middleware.GetSessionIDFromContext(r),
		UserID:    chatClient.Session().UserID,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
		chat:      chatClient,
		hub:       s.hub,
		watches:   make(map[string]*watch),
	}
	if !s.hub.join(client) {
		conn.Close()
		return
	}

	client.cleanup = append(client.cleanup, chatClient.OnContactChange(func(p models.Profile) {
		s.hub.BroadcastMessage(client.SessionID, models.WebSocketMessage{
			Type: "online_status",
			Payload: map[string]interface{}{
				"user_id":     p.ID,
				"status":      p.Status,
				"online":      p.Status == models.StatusOnline,
				"last_online": p.LastOnline,
			},
		})
	}))

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump(s.log)
}

func (c *Client) readPump(log *zap.Logger) {
	defer func() {
		c.detachAll()
		c.hub.leave(c)
		c.Conn.Close()
	}()

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug("websocket error", zap.Error(err))
			}
			break
		}

		var frame inboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}

		ctx := context.Background()
		peerID := frame.Payload.PeerID
		switch frame.Type {
		case "open":
			if err := c.watch(ctx, peerID); err != nil {
				c.sendError(peerID, err)
			}
		case "close":
			c.unwatch(peerID)
			if err := c.chat.CloseConversation(peerID); err != nil {
				c.sendError(peerID, err)
			}
		case "resubscribe":
			h, ok := c.chat.Conversation(peerID)
			if !ok {
				c.sendError(peerID, chat.ErrNotOpen)
				continue
			}
			if err := h.Resubscribe(ctx); err != nil {
				c.sendError(peerID, err)
			}
		case "resubscribe_contacts":
			if err := c.chat.RestartContacts(ctx); err != nil {
				c.sendError("", err)
				continue
			}
			c.pushContacts()
		}
	}
}

// watch opens the conversation and streams its updates to this socket.
func (c *Client) watch(ctx context.Context, peerID string) error {
	h, err := c.chat.OpenConversation(ctx, peerID)
	if err != nil {
		return err
	}
	remove := h.OnUpdate(func(u conversation.Update) {
		c.pushConversation(peerID, h, u)
	})

	c.mu.Lock()
	old, ok := c.watches[peerID]
	if ok && old.handle == h {
		old.pushed = false
		c.mu.Unlock()
		remove()
		c.pushConversation(peerID, h, h.Snapshot())
		return nil
	}
	c.watches[peerID] = &watch{handle: h, remove: remove}
	c.mu.Unlock()
	if ok {
		old.remove()
	}

	c.pushConversation(peerID, h, h.Snapshot())
	return nil
}

func (c *Client) unwatch(peerID string) {
	c.mu.Lock()
	w, ok := c.watches[peerID]
	delete(c.watches, peerID)
	c.mu.Unlock()
	if ok {
		w.remove()
	}
}

func (c *Client) detachAll() {
	c.mu.Lock()
	fns := c.cleanup
	for _, w := range c.watches {
		fns = append(fns, w.remove)
	}
	c.watches = make(map[string]*watch)
	c.cleanup = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// pushConversation sends u unless a newer view of the same handle already
// went out.
func (c *Client) pushConversation(peerID string, h *conversation.Handle, u conversation.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.watches[peerID]
	if !ok || w.handle != h || (w.pushed && u.Version <= w.sent) {
		return
	}
	w.sent = u.Version
	w.pushed = true
	c.hub.BroadcastMessage(c.SessionID, models.WebSocketMessage{
		Type:    "conversation",
		Payload: newConversationPayload(peerID, u, false),
	})
}

// pushContacts sends the whole roster, used after contacts were restarted.
func (c *Client) pushContacts() {
	contacts := c.chat.Contacts()
	if contacts == nil {
		contacts = []models.Profile{}
	}
	c.hub.BroadcastMessage(c.SessionID, models.WebSocketMessage{
		Type:    "contacts",
		Payload: contacts,
	})
}

func (c *Client) sendError(peerID string, err error) {
	c.hub.BroadcastMessage(c.SessionID, models.WebSocketMessage{
		Type: "error",
		Payload: map[string]string{
			"peer_id": peerID,
			"error":   err.Error(),
		},
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
