package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"scuffedchat/chat"
	"scuffedchat/config"
	"scuffedchat/database"
	"scuffedchat/handlers"
	"scuffedchat/logger"
	"scuffedchat/metrics"
	"scuffedchat/models"
	"scuffedchat/presence"
	"scuffedchat/realtime"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// Load configuration (.env, optional YAML file, environment)
	cfg, dotenv, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if !dotenv {
		log.Info("⚠️  No .env file found, using environment variables")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	newClient, closeStore, err := openStore(cfg, log, m)
	if err != nil {
		log.Fatal("store setup failed", zap.Error(err))
	}
	defer closeStore()

	srv := handlers.NewServer(handlers.Options{
		Config:    cfg,
		NewClient: newClient,
		Logger:    log,
		Gatherer:  reg,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The websocket hub outlives the signal so sessions can be terminated first
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv.Run(hubCtx)
		return nil
	})
	g.Go(func() error {
		log.Info(fmt.Sprintf("🚀 ScuffedChat server starting on http://localhost:%s", cfg.Port))
		log.Info(fmt.Sprintf("📱 Open your browser and navigate to http://localhost:%s", cfg.Port))
		if cfg.Store.Backend == config.StoreLocal {
			log.Info("✅ Using local SQLite store", zap.String("path", cfg.Store.SQLitePath))
		} else {
			log.Info("✅ Using Supabase for data and realtime", zap.String("url", cfg.Supabase.URL))
		}
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("🛑 Shutting down", zap.Int("sessions", srv.Sessions()))

		// Best-effort offline writes go out before anything else is torn down
		srv.TerminateAll()
		stopHub()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

// openStore builds the per-session client factory for the configured
// backend.
func openStore(cfg *config.Config, log *zap.Logger, m *metrics.Sync) (func(models.Session) *chat.Client, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreLocal:
		feed := realtime.NewHub(log, m)
		store, err := database.OpenLocal(cfg.Store.SQLitePath, feed, log)
		if err != nil {
			return nil, nil, err
		}
		newClient := func(sess models.Session) *chat.Client {
			ensureProfile(store, sess, log)
			return chat.New(sess, chat.Deps{
				Messages:     store,
				Profiles:     store,
				Feed:         feed,
				NewBeacon:    func(models.Session) presence.Beacon { return store.Beacon() },
				WriteTimeout: cfg.Timeouts.Write,
				Logger:       log,
				Metrics:      m,
			})
		}
		closeStore := func() {
			log.Debug("closing local store", zap.Int("feed_subscriptions", feed.Len()))
			feed.Close()
			store.Close()
		}
		return newClient, closeStore, nil

	default:
		rest := database.NewREST(cfg.RESTURL(), cfg.Supabase.AnonKey, cfg.Timeouts.Write, log)
		auth := presence.NewAuthRevoker(cfg.AuthURL(), cfg.Supabase.AnonKey, cfg.Timeouts.Write)
		newClient := func(sess models.Session) *chat.Client {
			// One realtime connection per session, shared by all of its conversations
			feed := realtime.NewClient(realtime.Config{
				URL:         cfg.RealtimeURL(),
				APIKey:      cfg.Supabase.AnonKey,
				AccessToken: sess.AccessToken,
				Heartbeat:   cfg.Timeouts.Heartbeat,
			}, log, m)
			return chat.New(sess, chat.Deps{
				Messages: rest,
				Profiles: rest,
				Feed:     feed,
				NewBeacon: func(s models.Session) presence.Beacon {
					return presence.NewHTTPBeacon(cfg.RESTURL(), cfg.Supabase.AnonKey, s.AccessToken, cfg.Timeouts.Beacon)
				},
				OnSessionEnd: auth.Revoke,
				WriteTimeout: cfg.Timeouts.Write,
				Logger:       log,
				Metrics:      m,
			})
		}
		return newClient, func() {}, nil
	}
}

// ensureProfile creates the profile row the auth provider would have
// created, so local development works with any user id.
func ensureProfile(store *database.Local, sess models.Session, log *zap.Logger) {
	ctx := context.Background()
	if _, err := store.GetProfile(ctx, sess, sess.UserID); !errors.Is(err, database.ErrNotFound) {
		return
	}
	if _, err := store.CreateProfile(ctx, sess.UserID, sess.UserID, ""); err != nil {
		log.Warn("create local profile", zap.String("user", sess.UserID), zap.Error(err))
	}
}
