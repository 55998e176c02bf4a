// Package api serves the workspace operations over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/snapline/internal/command"
	"github.com/mattjoyce/snapline/internal/events"
	"github.com/mattjoyce/snapline/internal/orchestrator"
)

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the bearer token every /v1 and MCP request must carry. Empty
	// disables authentication.
	APIKey string
	// MCPPath mounts MCP when MCPHandler is set.
	MCPPath    string
	MCPHandler http.Handler
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	sessions  orchestrator.Sessions
	commands  []command.Def
	events    *events.Hub
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. commands documents the registry in
// the OpenAPI document; gatherer may be nil to omit /metrics.
func New(config Config, sessions orchestrator.Sessions, commands []command.Def, hub *events.Hub, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	if config.MCPPath == "" {
		config.MCPPath = "/mcp"
	}
	return &Server{
		config:    config,
		sessions:  sessions,
		commands:  commands,
		events:    hub,
		gatherer:  gatherer,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.setupRoutes() }

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		// Commands run synchronously and may take as long as their timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)
	if s.config.APIKey == "" {
		s.logger.Warn("API authentication disabled: no api_key configured")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/events", s.handleEvents)
		r.Get("/v1/sessions", s.handleListSessions)
		r.Route("/v1/sessions/{session}", func(r chi.Router) {
			r.Post("/open", s.handleOpenRoot)
			r.Post("/run", s.handleRunCommand)
			r.Post("/finalize", s.handleFinalize)
			r.Get("/lineage/{workspaceID}", s.handleLineage)
			r.Get("/commands", s.handleCommands)
			r.Get("/settings", s.handleGetSettings)
			r.Put("/settings/{key}", s.handlePutSetting)
		})
		if s.config.MCPHandler != nil {
			r.Handle(s.config.MCPPath, s.config.MCPHandler)
			r.Handle(s.config.MCPPath+"/*", s.config.MCPHandler)
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
