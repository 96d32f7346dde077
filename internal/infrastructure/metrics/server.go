// Package metrics exposes the Prometheus scrape endpoint and the health
// probe on one listener.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"execd/internal/core"
	"execd/internal/infrastructure/health"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server handles Prometheus metrics export and /healthz
type Server struct {
	port   int
	logger core.ILogger
	health *health.Manager
	srv    *http.Server
}

// NewServer creates a new metrics server
func NewServer(port int, healthMgr *health.Manager, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		logger: logger.WithField("component", "metrics_server"),
		health: healthMgr,
	}
}

// Start starts the HTTP server in the background
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting Prometheus metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.health.Status()
	code := http.StatusOK
	if !s.health.Healthy() {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
