// Package server hosts the HTTP surface: health, metrics, the webhook and
// run attachments.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/metrics"
)

// Server represents an HTTP server with graceful shutdown capabilities
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// Config holds the configuration for the HTTP server
type Config struct {
	Port   int
	Logger *slog.Logger

	// WriteTimeout bounds responses, attachment downloads included
	// (default: 5m).
	WriteTimeout time.Duration
}

// New creates a new HTTP server with the given configuration
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr: fmt.Sprintf(":%d", cfg.Port),
			Handler: Chain(mux,
				RequestLogger(cfg.Logger),
				Metrics,
				Recovery,
			),
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
		},
		mux:    mux,
		logger: cfg.Logger,
	}

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	return s
}

// Mux returns the server's HTTP multiplexer for registering routes
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "failed to start server")
	}
	return nil
}

// Shutdown gracefully shuts down the server with a timeout
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "server shutdown failed")
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
