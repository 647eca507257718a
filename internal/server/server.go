package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cwbudde/simfit/internal/store"
)

// Server exposes the run registry over HTTP.
type Server struct {
	runs  *RunManager
	store store.Store
	addr  string
	http  *http.Server
}

// NewServer creates a new HTTP server. The store may be nil, in which case
// runs are neither checkpointed nor traced.
func NewServer(addr string, st store.Store) *Server {
	return &Server{
		runs:  NewRunManager(),
		store: st,
		addr:  addr,
	}
}

// Handler builds the route table with logging and CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/runs", s.handleRuns)
	mux.HandleFunc("/api/v1/runs/", s.handleRunsWithID)

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.http.ListenAndServe()
}

// Shutdown cancels active runs and gracefully shuts down the server.
// Cancelled runs keep a resumable checkpoint.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	for _, run := range s.runs.ActiveRuns() {
		s.runs.Cancel(run.ID)
	}
	if s.http != nil {
		return s.http.Shutdown(ctx)
	}
	return nil
}

// handleRuns handles /api/v1/runs
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateRun(w, r)
	case http.MethodGet:
		s.handleListRuns(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRunsWithID handles /api/v1/runs/:id/*
func (s *Server) handleRunsWithID(w http.ResponseWriter, r *http.Request) {
	// Parse run ID from path
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Run ID required", http.StatusBadRequest)
		return
	}

	runID := parts[0]

	// Route based on subpath
	switch {
	case len(parts) == 1 || parts[1] == "" || parts[1] == "status":
		s.handleGetRun(w, r, runID)
	case parts[1] == "cancel":
		s.handleCancelRun(w, r, runID)
	case parts[1] == "stream":
		s.handleRunStream(w, r, runID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleCreateRun handles POST /api/v1/runs. The body is a study document;
// parsing validates it before any work starts.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	study, err := readStudy(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid study: %v", err), http.StatusBadRequest)
		return
	}

	run, err := s.runs.CreateRun(study)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	// Start worker in background
	ctx, cancel := context.WithCancel(context.Background())
	s.runs.SetCancel(run.ID, cancel)
	go func() {
		defer s.runs.ClearCancel(run.ID)
		runCalibration(ctx, s.runs, s.store, run.ID)
	}()

	writeJSON(w, http.StatusCreated, run)
}

// handleListRuns handles GET /api/v1/runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.ListRuns())
}

// handleGetRun handles GET /api/v1/runs/:id
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, exists := s.runs.GetRun(runID)
	if !exists {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	// Compute elapsed time
	var elapsed time.Duration
	if run.EndTime != nil {
		elapsed = run.EndTime.Sub(run.StartTime)
	} else {
		elapsed = time.Since(run.StartTime)
	}

	response := map[string]any{
		"id":            run.ID,
		"state":         run.State,
		"status":        run.Status,
		"study":         run.Study,
		"iteration":     run.Iteration,
		"residual_norm": run.ResidualNorm,
		"reduction":     run.Reduction,
		"best":          run.Best,
		"elapsed":       elapsed.Seconds(),
		"start_time":    run.StartTime,
		"end_time":      run.EndTime,
		"error":         run.Error,
	}

	writeJSON(w, http.StatusOK, response)
}

// handleCancelRun handles POST /api/v1/runs/:id/cancel
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	run, exists := s.runs.GetRun(runID)
	if !exists {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	if !s.runs.Cancel(runID) {
		http.Error(w, "Run is not active", http.StatusConflict)
		return
	}

	slog.Info("Cancellation requested", "run_id", runID)
	writeJSON(w, http.StatusAccepted, run)
}

// handleHealth handles GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_runs": len(s.runs.ActiveRuns()),
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
