// Package api exposes a minimal, read-only HTTP surface over the running
// engine: liveness, readiness, a portfolio status snapshot, and the
// active (credential-redacted) configuration. It carries no control
// endpoints — starting, stopping, or flipping the kill switch stays an
// operator action against the process, not the API.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"coinflow-trader/internal/config"
)

// Server runs the read-only status HTTP surface.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer builds the status server. cfg.Monitoring.Health.Port selects
// the listen address; an unset port defaults to 8090.
func NewServer(cfg config.Config, provider StatusProvider, logger *slog.Logger) *Server {
	handlers := NewHandlers(provider, cfg, logger)

	port := cfg.Monitoring.Health.Port
	if port == 0 {
		port = 8090
	}

	liveEndpoint := cfg.Monitoring.Health.LiveEndpoint
	if liveEndpoint == "" {
		liveEndpoint = "/health/live"
	}
	readyEndpoint := cfg.Monitoring.Health.ReadyEndpoint
	if readyEndpoint == "" {
		readyEndpoint = "/health/ready"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(liveEndpoint, handlers.HandleLive)
	mux.HandleFunc(readyEndpoint, handlers.HandleReady)
	mux.HandleFunc("/status", handlers.HandleStatus)
	mux.HandleFunc("/pnl", handlers.HandlePnL)
	mux.HandleFunc("/config", handlers.HandleConfig)

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
	}
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("status server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down within 10 seconds.
func (s *Server) Stop() error {
	s.logger.Info("stopping status server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
