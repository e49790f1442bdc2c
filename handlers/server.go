package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"scuffedchat/chat"
	"scuffedchat/config"
	"scuffedchat/logger"
	"scuffedchat/middleware"
	"scuffedchat/models"
)

// Options configures a Server.
type Options struct {
	Config    *config.Config
	NewClient func(models.Session) *chat.Client
	Logger    *zap.Logger
	Gatherer  prometheus.Gatherer
	StaticDir string
}

// Server is the local HTTP and websocket bridge between the UI and the
// per-session chat clients.
type Server struct {
	cfg       *config.Config
	newClient func(models.Session) *chat.Client
	log       *zap.Logger
	gatherer  prometheus.Gatherer
	staticDir string
	hub       *Hub

	mutex    sync.RWMutex
	sessions map[string]*chat.Client // session id -> client
}

// NewServer creates a server with no sessions
func NewServer(opts Options) *Server {
	if opts.Config == nil {
		opts.Config = config.Defaults()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.StaticDir == "" {
		opts.StaticDir = "./static"
	}
	log := logger.OrNop(opts.Logger).With(zap.String("component", "http"))
	return &Server{
		cfg:       opts.Config,
		newClient: opts.NewClient,
		log:       log,
		gatherer:  opts.Gatherer,
		staticDir: opts.StaticDir,
		hub:       NewHub(log),
		sessions:  make(map[string]*chat.Client),
	}
}

// Router builds the route table
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/config", s.GetConfig).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Handle("/api/session", middleware.OptionalAuth(s.Lookup)(http.HandlerFunc(s.CreateSession))).Methods(http.MethodPost)

	auth := middleware.Auth(s.Lookup)
	r.Handle("/ws", auth(http.HandlerFunc(s.HandleWebSocket)))

	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth)
	api.HandleFunc("/session", s.Me).Methods(http.MethodGet)
	api.HandleFunc("/session", s.DeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/presence", s.SetPresence).Methods(http.MethodPut)
	api.HandleFunc("/profile", s.UpdateProfile).Methods(http.MethodPut)
	api.HandleFunc("/contacts", s.GetContacts).Methods(http.MethodGet)
	api.HandleFunc("/contacts/resubscribe", s.ResubscribeContacts).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{peerId}", s.GetConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{peerId}", s.CloseConversation).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{peerId}/messages", s.SendMessage).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{peerId}/resubscribe", s.Resubscribe).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{peerId}/refresh", s.Refresh).Methods(http.MethodPost)

	// Static files
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.Dir(s.staticDir))))

	// HTML pages
	r.HandleFunc("/app", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, s.staticDir+"/app.html")
	})
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, s.staticDir+"/index.html")
	})
	return r
}

// Run drives the websocket hub until ctx is done.
func (s *Server) Run(ctx context.Context) {
	s.hub.Run(ctx)
}

// Lookup returns the client of a bridge session
func (s *Server) Lookup(id string) (*chat.Client, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	c, ok := s.sessions[id]
	return c, ok
}

// Sessions returns the number of live bridge sessions.
func (s *Server) Sessions() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.sessions)
}

// TerminateAll runs the abrupt-exit path for every session. It is called
// once the process has been told to stop.
func (s *Server) TerminateAll() {
	s.mutex.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*chat.Client)
	s.mutex.Unlock()

	var wg sync.WaitGroup
	for id, c := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Terminate()
			s.hub.Disconnect(id)
		}()
	}
	wg.Wait()
	s.log.Info("sessions terminated", zap.Int("count", len(sessions)))
}

func (s *Server) addSession(id string, c *chat.Client) {
	s.mutex.Lock()
	s.sessions[id] = c
	s.mutex.Unlock()
}

func (s *Server) removeSession(id string) {
	s.mutex.Lock()
	delete(s.sessions, id)
	s.mutex.Unlock()
	s.hub.Disconnect(id)
}

// GetConfig returns the public store settings the UI needs
func (s *Server) GetConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"supabaseUrl":     s.cfg.Supabase.URL,
		"supabaseAnonKey": s.cfg.Supabase.AnonKey,
		"store":           s.cfg.Store.Backend,
	})
}
