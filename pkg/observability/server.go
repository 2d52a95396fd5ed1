package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Server exposes the health and metrics endpoints over HTTP.
type Server struct {
	httpServer *http.Server
	port       int
}

// NewServer creates a new observability server on the given port.
func NewServer(port int) *Server {
	return &Server{
		port: port,
	}
}

// Start registers the metric families and serves /health, /health/live,
// /health/ready, and /metrics. Blocks until the server exits.
func (s *Server) Start() error {
	InitMetrics()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", ReadinessHandler())
	mux.Handle("/metrics", MetricsHandler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("[Observability] serving health and metrics on :%d", s.port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
