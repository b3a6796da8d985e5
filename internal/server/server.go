// Package server exposes the engine over HTTP: a read-only JSON API, the
// Prometheus scrape endpoint and the websocket event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/simplearb/internal/config"
	"github.com/alanyoungcy/simplearb/internal/domain"
	"github.com/alanyoungcy/simplearb/internal/server/handler"
	"github.com/alanyoungcy/simplearb/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	AuthToken   string // if empty, authentication is disabled

	// Limiter, when set, caps each client IP at RateLimit API requests per
	// RateWindow.
	Limiter    domain.RateLimiter
	RateLimit  int
	RateWindow time.Duration
}

// ConfigFrom maps the application's server section onto a Config.
func ConfigFrom(sc config.ServerConfig) Config {
	return Config{
		Port:        sc.Port,
		CORSOrigins: sc.CORSOrigins,
		AuthToken:   sc.AuthToken,
		RateLimit:   20,
		RateWindow:  time.Second,
	}
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Metrics and WS may be nil.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Positions  *handler.PositionHandler
	Intents    *handler.IntentHandler
	Executions *handler.ExecutionHandler
	Audit      *handler.AuditHandler
	Metrics    http.Handler
	WS         http.Handler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered. API routes go
// through rate limiting when a limiter is configured; everything except the
// health check requires the auth token when one is set.
func NewServer(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	api.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	api.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	api.HandleFunc("GET /api/intents", handlers.Intents.ListIntents)
	api.HandleFunc("GET /api/executions/recent", handlers.Executions.ListRecent)
	api.HandleFunc("GET /api/executions/{id}", handlers.Executions.GetExecution)
	api.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)

	var apiHandler http.Handler = api
	if cfg.Limiter != nil && cfg.RateLimit > 0 {
		apiHandler = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(apiHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}
	if handlers.WS != nil {
		mux.Handle("GET /ws", handlers.WS)
	}

	// Build the middleware chain, outermost last.
	var h http.Handler = mux
	h = middleware.Auth(cfg.AuthToken, "/api/health")(h)
	h = middleware.Logging(logger, "/api/health", "/metrics")(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down within five seconds.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(sctx); err != nil {
		return err
	}
	return <-errCh
}
