// Package httpdebug exposes the read-only observability surface over HTTP:
// stats, allocation, active jobs and Prometheus metrics. Job submission is
// deliberately not served here; QueueJob stays a library-level call.
package httpdebug

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"quotagate/internal/scheduler"
	"quotagate/internal/telemetry"
)

// Config carries the listen settings.
type Config struct {
	Port         int
	BindAddress  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server serves the debug endpoints for one scheduler instance.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// New builds the server. The scheduler is only read from.
func New(cfg Config, sched *scheduler.Scheduler, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /debug/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, sched.GetStats())
	})
	mux.HandleFunc("GET /debug/allocation", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, sched.GetAllocation())
	})
	mux.HandleFunc("GET /debug/jobs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"instance_id": sched.GetInstanceID(),
			"active_jobs": sched.GetActiveJobs(),
		})
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", telemetry.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger,
	}
}

// Start serves until Shutdown; it returns on listener failure only.
func (s *Server) Start() error {
	s.logger.Info("debug server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
