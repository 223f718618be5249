// Package server exposes the operational HTTP endpoints: health,
// manual channel firing and query-cache invalidation.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"wikidot-notifier/pkg/notifier"
)

// Runner fires one notification channel on demand.
type Runner interface {
	Execute(ctx context.Context, frequency string) error
}

// Invalidator drops cached query text so edited files are re-read.
type Invalidator interface {
	InvalidateAll()
}

// Server handles the operational endpoints.
type Server struct {
	runner      Runner
	invalidator Invalidator
	logger      *slog.Logger
}

// New creates the ops server.
func New(runner Runner, invalidator Invalidator, logger *slog.Logger) *Server {
	return &Server{
		runner:      runner,
		invalidator: invalidator,
		logger:      logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/trigger", s.handleTrigger)
	mux.HandleFunc("/queries/invalidate", s.handleInvalidate)
	return mux
}

// HTTPServer wraps the handler in a server with sane timeouts. The
// caller owns its lifecycle.
func (s *Server) HTTPServer(port string) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("failed to write health response", "error", err)
	}
}

// validFrequencies guards the trigger endpoint against arbitrary input.
var validFrequencies = map[string]bool{
	notifier.FrequencyHourly:  true,
	notifier.FrequencyDaily:   true,
	notifier.FrequencyWeekly:  true,
	notifier.FrequencyMonthly: true,
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	frequency := r.URL.Query().Get("channel")
	if !validFrequencies[frequency] {
		http.Error(w, "Unknown channel", http.StatusBadRequest)
		return
	}

	s.logger.Info("manual channel trigger", "frequency", frequency)
	if err := s.runner.Execute(r.Context(), frequency); err != nil {
		s.logger.Error("manual firing failed", "frequency", frequency, "error", err)
		http.Error(w, "Firing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, `{"status":"fired","channel":%q}`, frequency); err != nil {
		s.logger.Warn("failed to write trigger response", "error", err)
	}
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.invalidator.InvalidateAll()
	s.logger.Info("query cache invalidated")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"invalidated"}`); err != nil {
		s.logger.Warn("failed to write invalidate response", "error", err)
	}
}
