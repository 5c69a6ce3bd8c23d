package api

import (
	"context"
	"net/http"
	"time"

	"github.com/anthropics/exec-engine/internal/admission"
	"github.com/anthropics/exec-engine/internal/audit"
)

// Server hosts the submission endpoints.
type Server struct {
	handlers   *Handlers
	httpServer *http.Server
}

// NewServer creates a Server for the given admission pipeline.
func NewServer(addr string, pipeline *admission.Pipeline, log audit.Logger) *Server {
	handlers := NewHandlers(pipeline, log)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /init", handlers.HandleInit)
	mux.HandleFunc("POST /ssm", handlers.HandleSSM)

	return &Server{
		handlers: handlers,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start starts the HTTP server. Blocks until the server is stopped or an
// error occurs.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handlers returns the Handlers for testing purposes.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}
