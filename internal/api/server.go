package api

import (
	"context"
	"net/http"
	"time"

	"github.com/visteria/visteria/internal/config"
	"github.com/visteria/visteria/internal/ratelimit"
)

// Server represents the API server
type Server struct {
	handler http.Handler
	server  *http.Server
}

// NewServer creates a new API server. limiter may be nil.
func NewServer(cfg *config.Config, store VisitStore, limiter *ratelimit.Limiter) *Server {
	handlers := NewHandlers(store, cfg.API)
	router := SetupRoutes(handlers, cfg.Auth, limiter)

	return &Server{handler: router}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
