// Package api exposes the HTTP interface for the crawl service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillstats/rankwatch/internal/books"
	"github.com/quillstats/rankwatch/internal/jobs"
	"github.com/quillstats/rankwatch/internal/metrics"
	"github.com/quillstats/rankwatch/internal/monitor"
	"github.com/quillstats/rankwatch/internal/scheduler"
	"github.com/quillstats/rankwatch/internal/source"
)

// Scheduler is the control surface the API needs from the scheduler.
type Scheduler interface {
	TriggerJob(ctx context.Context, sourceIDs []string, runAt time.Time) (string, error)
	GetExecution(ctx context.Context, executionID string) (jobs.Execution, error)
	ListExecutions(ctx context.Context, filter jobs.ListFilter) ([]jobs.Execution, error)
	GetStats() scheduler.Stats
}

// GapReporter exposes the monitor's open gaps for inspection.
type GapReporter interface {
	OpenGaps() []monitor.Gap
}

// Config controls API behavior.
type Config struct {
	AuthEnabled bool
	APIKey      string
}

// Server wires HTTP handlers to the scheduler and monitor.
type Server struct {
	router    chi.Router
	scheduler Scheduler
	gaps      GapReporter
	catalog   *source.Catalog
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The gap
// reporter may be nil when the monitor is disabled.
func NewServer(sched Scheduler, gaps GapReporter, catalog *source.Catalog, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		scheduler: sched,
		gaps:      gaps,
		catalog:   catalog,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/crawls", s.triggerCrawl)
		r.Get("/executions", s.listExecutions)
		r.Get("/executions/{execution_id}", s.getExecution)
		r.Get("/scheduler/stats", s.schedulerStats)
		r.Get("/sources", s.listSources)
		r.Get("/monitor/gaps", s.monitorGaps)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.scheduler == nil || !s.scheduler.GetStats().Running {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type triggerCrawlRequest struct {
	Source  string   `json:"source"`
	Sources []string `json:"sources"`
	RunAt   string   `json:"run_at"`
}

func (s *Server) triggerCrawl(w http.ResponseWriter, r *http.Request) {
	var req triggerCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	sourceIDs := req.Sources
	if req.Source != "" {
		sourceIDs = append([]string{req.Source}, sourceIDs...)
	}
	if len(sourceIDs) == 0 {
		writeError(w, http.StatusBadRequest, "source or sources required")
		return
	}

	var runAt time.Time
	if req.RunAt != "" {
		t, err := time.Parse(time.RFC3339, req.RunAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "run_at must be RFC3339")
			return
		}
		runAt = t
	}

	executionID, err := s.scheduler.TriggerJob(r.Context(), sourceIDs, runAt)
	if err != nil {
		var cfgErr *books.ConfigurationError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusBadRequest, cfgErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": executionID})
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "execution_id")
	exec, err := s.scheduler.GetExecution(r.Context(), executionID)
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"execution": exec})
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	filter := jobs.ListFilter{
		Status: jobs.Status(r.URL.Query().Get("status")),
		JobID:  r.URL.Query().Get("job_id"),
	}
	filter.Page = queryInt(r, "page", 1)
	filter.PageSize = queryInt(r, "page_size", 50)

	execs, err := s.scheduler.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if execs == nil {
		execs = []jobs.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": execs,
		"page":       filter.Page,
		"page_size":  filter.PageSize,
	})
}

func (s *Server) schedulerStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.GetStats())
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	type sourceInfo struct {
		ID   string `json:"id"`
		Kind string `json:"kind"`
	}
	var out []sourceInfo
	for _, id := range s.catalog.IDs() {
		src, err := s.catalog.Get(id)
		if err != nil {
			continue
		}
		out = append(out, sourceInfo{ID: src.ID(), Kind: string(src.Kind())})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

func (s *Server) monitorGaps(w http.ResponseWriter, _ *http.Request) {
	if s.gaps == nil {
		writeJSON(w, http.StatusOK, map[string]any{"gaps": []monitor.Gap{}})
		return
	}
	gaps := s.gaps.OpenGaps()
	if gaps == nil {
		gaps = []monitor.Gap{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"gaps": gaps})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			route := chi.RouteContext(r.Context()).RoutePattern()
			metrics.ObserveAPIRequest(r.Method, route, time.Since(start))
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
