// Package http serves a read-only observability surface next to an embedded
// database: engine properties, health, and prometheus metrics. It is not a
// storage protocol; the database stays single-process.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = 5 * time.Second
)

// iProperties is the slice of the engine the server needs.
type iProperties interface {
	GetProperty(name string) (string, bool)
}

// Server wraps the debug HTTP listener.
type Server struct {
	db         iProperties
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer builds a server on the given port. registry may be nil when
// metrics are not wired.
func NewServer(db iProperties, registry *prometheus.Registry, logger *slog.Logger, port int) *Server {
	s := &Server{db: db, logger: logger}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/property/{name}", s.handleProperty)
	if registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("debug server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("debug server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", contentTypeJSON)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleProperty(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	value, ok := s.db.GetProperty("shaledb." + name)
	if !ok {
		http.Error(w, "unknown property", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"name":  name,
		"value": value,
	})
}
