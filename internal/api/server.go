// Package api exposes the orchestrator over HTTP: batch submission, batch
// status, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/disk"

	"harmony/internal/download"
	"harmony/internal/orchestrator"
)

// Server is the HTTP control surface.
type Server struct {
	orch         *orchestrator.Orchestrator
	registry     *prometheus.Registry
	downloadsDir string
	log          *slog.Logger
	router       *chi.Mux
	httpServer   *http.Server
}

func NewServer(orch *orchestrator.Orchestrator, registry *prometheus.Registry, downloadsDir string, log *slog.Logger) *Server {
	s := &Server{
		orch:         orch,
		registry:     registry,
		downloadsDir: downloadsDir,
		log:          log,
		router:       chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Post("/api/batches", s.handleSubmitBatch)
	s.router.Get("/api/batches/{batchID}", s.handleGetBatch)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// Start runs the listener until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "addr", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req download.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	handle, err := s.orch.SubmitBatch(req)
	if err != nil {
		var verr *download.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		s.log.Error("batch submission failed", "error", err)
		http.Error(w, "submission failed", http.StatusInternalServerError)
		return
	}

	// ?wait=true holds the request open until the batch finishes.
	if r.URL.Query().Get("wait") == "true" {
		summary, err := handle.Wait(r.Context())
		if err != nil {
			http.Error(w, "wait aborted: "+err.Error(), http.StatusRequestTimeout)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id":    handle.BatchID,
		"items_total": handle.ItemsTotal,
	})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	st, ok := s.orch.Batch(batchID)
	if !ok {
		http.Error(w, "unknown batch", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":      "ok",
		"queue_depth": s.orch.QueueDepth(),
	}
	if usage, err := disk.Usage(s.downloadsDir); err == nil {
		resp["disk_free_bytes"] = usage.Free
		resp["disk_used_percent"] = usage.UsedPercent
	} else {
		resp["status"] = "degraded"
		resp["disk_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
