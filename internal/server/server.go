// Package server exposes the worker's operational HTTP surface: liveness,
// readiness, metrics, and a log-level override endpoint. This is not the
// user-facing pipeline frontend (out of scope, spec §1) — it is the same
// process-health plumbing every worker in the fleet carries, adapted from
// the teacher's job-control HTTP server (internal/server) down to the
// handlers that still have a home in a per-run worker.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/data-engine/pipeline-runner/pkg/logging"
	"github.com/data-engine/pipeline-runner/pkg/metrics"
)

// Version is the running binary's version, surfaced on /healthz.
const Version = "1.0.0"

// Server is the worker's health/metrics HTTP surface.
type Server struct {
	router     chi.Router
	startedAt  time.Time
	version    string
	httpServer *http.Server
}

// New builds a Server. readyCheck is polled by /readyz; a nil check is
// always ready.
func New(readyCheck func() error) *Server {
	started := time.Now().UTC()
	s := &Server{startedAt: started, version: Version}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady(readyCheck))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Post("/v1/config/log-level", s.handleSetLogLevel)
	s.router = r
	return s
}

// Handler exposes the underlying http.Handler for embedding or testing.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe starts listening on addr, blocking until Shutdown or error.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	s.httpServer = srv
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the underlying HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    s.version,
		"uptime_sec": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleReady(check func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		if err := check(); err != nil {
			writeAPIError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}
}

type logLevelRequest struct {
	LogLevel string `json:"log_level"`
}

// handleSetLogLevel lets an operator raise or lower verbosity on a running
// worker without a redeploy, the way the teacher's engine-config endpoint
// did for its job engine.
func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req logLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.LogLevel == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "log_level is required")
		return
	}
	level := logging.SetLevelFromString(req.LogLevel)
	writeJSON(w, http.StatusOK, map[string]any{"log_level": level.String()})
}

type apiErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiErrorPayload `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiErrorPayload{Code: code, Message: message}})
}
