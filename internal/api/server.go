// Package api serves the gateway snapshots, settings and send command over
// HTTP JSON, plus a websocket feed of change events.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/aminovpavel/meshgate/internal/chat"
	"github.com/aminovpavel/meshgate/internal/gateway"
	"github.com/aminovpavel/meshgate/internal/observability"
	"github.com/aminovpavel/meshgate/internal/settings"
)

const maxBodyBytes = 64 * 1024

// Service is the gateway surface the API needs.
type Service interface {
	Connected() bool
	Devices() gateway.DevicesSnapshot
	Device(id string) (gateway.Device, bool)
	History(limit int) map[string][]gateway.HistoryPoint
	Conversations() []chat.Summary
	Messages(conv string, since *time.Time, limit int, overlay bool) []chat.Message
	Settings() settings.Settings
	MergeSettings(ctx context.Context, partial map[string]any) settings.Settings
	Send(ctx context.Context, req gateway.SendRequest) (gateway.SendResult, error)
}

// Config controls the API listener.
type Config struct {
	Address           string
	ReadHeaderTimeout time.Duration
	ShutdownPeriod    time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records per-route request metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithHub serves /api/ws from hub, normally the gateway's notifier.
func WithHub(h *Hub) Option {
	return func(s *Server) {
		s.hub = h
	}
}

// Server is the HTTP API.
type Server struct {
	cfg     Config
	svc     Service
	hub     *Hub
	logger  *slog.Logger
	metrics *observability.Metrics
	router  chi.Router
}

// NewServer builds the router around svc.
func NewServer(cfg Config, svc Service, opts ...Option) *Server {
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.ShutdownPeriod == 0 {
		cfg.ShutdownPeriod = 5 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		logger: observability.NoOpLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub(WithHubLogger(s.logger))
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(requestMetrics(s.metrics))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/ws", s.hub.ServeWS)

		r.Group(func(r chi.Router) {
			r.Use(noStore)
			r.Use(middleware.RequestSize(maxBodyBytes))

			r.Get("/health", s.handleHealth)
			r.Get("/nodes", s.handleNodes)
			r.Get("/nodes/{id}", s.handleNode)
			r.Get("/history", s.handleHistory)
			r.Get("/conversations", s.handleConversations)
			r.Get("/messages", s.handleMessages)
			r.Get("/settings", s.handleGetSettings)
			r.Post("/settings", s.handlePostSettings)
			r.Post("/send", s.handleSend)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves HTTP requests until the context is cancelled. A listener failure
// is returned; a clean shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownPeriod)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("api server shutdown error", slog.Any("error", err))
		}
	}()

	s.logger.Info("api server listening", slog.String("address", s.cfg.Address))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
