// Package server exposes the tool surface over HTTP JSON.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/indexpilot/indexpilot/internal/candidate"
	"github.com/indexpilot/indexpilot/internal/db"
	"github.com/indexpilot/indexpilot/internal/plan"
	"github.com/indexpilot/indexpilot/internal/safesql"
	"github.com/indexpilot/indexpilot/internal/tools"
	"github.com/indexpilot/indexpilot/internal/tuner"
)

// API is what the handlers need from the tool layer. Satisfied by
// *tools.Toolset; faked in tests.
type API interface {
	ExecuteSQL(ctx context.Context, statement string) (*db.RowSet, error)
	ExplainQuery(ctx context.Context, statement string, hypothetical []candidate.Index, analyze bool) (*plan.ExplainOutput, error)
	AnalyzeWorkloadIndexes(ctx context.Context, opts tools.TuningOptions) (*tuner.Recommendation, error)
	AnalyzeQueryIndexes(ctx context.Context, statements []string, opts tools.TuningOptions) (*tuner.Recommendation, error)
}

// Server wraps the HTTP layer with graceful shutdown.
type Server struct {
	api        API
	httpServer *http.Server
	defaults   tools.TuningOptions
}

func New(api API, listenAddr string, defaults tools.TuningOptions) *Server {
	s := &Server{api: api, defaults: defaults}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/sql/execute", s.handleExecute)
	mux.HandleFunc("/api/sql/explain", s.handleExplain)
	mux.HandleFunc("/api/tuning/workload", s.handleWorkload)
	mux.HandleFunc("/api/tuning/queries", s.handleQueries)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    listenAddr,
		Handler: corsMiddleware(mux),
	}
	return s
}

// Start blocks serving HTTP until Stop is called or the listener fails.
func (s *Server) Start() error {
	log.Printf("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully, waiting up to 5 seconds for
// in-flight requests.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
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

type executeRequest struct {
	SQL string `json:"sql"`
}

type explainRequest struct {
	SQL                string `json:"sql"`
	Analyze            bool   `json:"analyze"`
	HypotheticalIndexes []struct {
		Table   string   `json:"table"`
		Columns []string `json:"columns"`
	} `json:"hypothetical_indexes"`
}

type workloadRequest struct {
	MaxQueries       int     `json:"max_queries"`
	MinTotalTimeMs   float64 `json:"min_total_time_ms"`
	BudgetMB         int64   `json:"budget_mb"`
	MaxRuntimeSecond int     `json:"max_runtime_seconds"`
}

type queriesRequest struct {
	Statements       []string `json:"statements"`
	BudgetMB         int64    `json:"budget_mb"`
	MaxRuntimeSecond int      `json:"max_runtime_seconds"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodePost(w, r, &req) {
		return
	}
	rs, err := s.api.ExecuteSQL(r.Context(), req.SQL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"columns": rs.Columns,
		"rows":    rs.Maps(),
	})
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req explainRequest
	if !decodePost(w, r, &req) {
		return
	}
	var hypo []candidate.Index
	for _, h := range req.HypotheticalIndexes {
		hypo = append(hypo, candidate.Index{Table: h.Table, Columns: h.Columns})
	}
	out, err := s.api.ExplainQuery(r.Context(), req.SQL, hypo, req.Analyze)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWorkload(w http.ResponseWriter, r *http.Request) {
	var req workloadRequest
	if !decodePost(w, r, &req) {
		return
	}
	opts := s.defaults
	if req.MaxQueries > 0 {
		opts.MaxQueries = req.MaxQueries
	}
	if req.MinTotalTimeMs > 0 {
		opts.MinTotalTimeMs = req.MinTotalTimeMs
	}
	applyBudget(&opts, req.BudgetMB, req.MaxRuntimeSecond)

	rec, err := s.api.AnalyzeWorkloadIndexes(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	var req queriesRequest
	if !decodePost(w, r, &req) {
		return
	}
	opts := s.defaults
	applyBudget(&opts, req.BudgetMB, req.MaxRuntimeSecond)

	rec, err := s.api.AnalyzeQueryIndexes(r.Context(), req.Statements, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func applyBudget(opts *tools.TuningOptions, budgetMB int64, maxRuntimeSeconds int) {
	if budgetMB != 0 {
		opts.BudgetBytes = budgetMB * 1024 * 1024
	}
	if maxRuntimeSeconds > 0 {
		opts.MaxRuntime = time.Duration(maxRuntimeSeconds) * time.Second
	}
}

func decodePost(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var (
		validationErr *safesql.ValidationError
		parseErr      *safesql.ParseError
		recursionErr  *safesql.RecursionLimitError
		inputSizeErr  *tools.InputSizeError
		timeoutErr    *db.TimeoutError
	)
	switch {
	case errors.As(err, &validationErr), errors.As(err, &parseErr),
		errors.As(err, &recursionErr), errors.As(err, &inputSizeErr):
		status = http.StatusBadRequest
	case errors.As(err, &timeoutErr):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
