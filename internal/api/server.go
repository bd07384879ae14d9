package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

const (
	defaultTaskLimit      = 50
	maxTaskLimit          = 500
	defaultRequestTimeout = 60 * time.Second
)

// TaskService is the scheduler surface the API drives.
type TaskService interface {
	EnqueueBatch(ctx context.Context, targetIDs []string) ([]string, error)
	Task(ctx context.Context, id string) (monitor.Task, error)
	ListTasks(ctx context.Context, filter monitor.TaskFilter) ([]monitor.Task, error)
	DeleteTask(ctx context.Context, id string) error
	Stats(ctx context.Context) (monitor.TaskStats, error)
	Reload(ctx context.Context) error
	MaxConcurrent() int
	Running() int
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Auth config.AuthConfig
	// Ready reports whether downstream dependencies are reachable. Nil is
	// always ready.
	Ready func(ctx context.Context) error
	// Metrics records HTTP request metrics when set.
	Metrics *metrics.Collectors
	// MetricsHandler serves /metrics; defaults to the Prometheus handler.
	MetricsHandler http.Handler
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the scheduler and result store.
type Server struct {
	router  chi.Router
	tasks   TaskService
	targets *TargetHandler
	ready   func(ctx context.Context) error
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. targets may be nil,
// in which case the target routes answer 503.
func NewServer(tasks TaskService, targets TargetReader, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MetricsHandler == nil {
		opts.MetricsHandler = metrics.Handler()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		tasks:   tasks,
		targets: NewTargetHandler(targets, logger),
		ready:   opts.Ready,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)

	r.Route("/v1", func(r chi.Router) {
		if opts.Auth.Enabled {
			r.Use(apiKeyMiddleware(opts.Auth.APIKey))
		}
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.createTasks)
			r.Get("/", s.listTasks)
			r.Get("/stats", s.taskStats)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Delete("/", s.deleteTask)
			})
		})
		r.Post("/scheduler/reload", s.reload)
		r.Route("/targets", func(r chi.Router) {
			r.Get("/", s.targets.ListTargets)
			r.Get("/{target_id}/stats", s.targets.GetTargetStats)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createTasksRequest struct {
	TargetIDs []string `json:"target_ids"`
}

func (s *Server) createTasks(w http.ResponseWriter, r *http.Request) {
	var req createTasksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.TargetIDs) == 0 {
		writeError(w, http.StatusBadRequest, "target_ids required")
		return
	}
	ids, err := s.tasks.EnqueueBatch(r.Context(), req.TargetIDs)
	if err != nil {
		s.writeServiceError(w, "enqueue tasks", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_ids": ids})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := monitor.TaskFilter{TargetID: strings.TrimSpace(q.Get("target_id"))}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := parseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}
	limit, err := parseLimit(r, defaultTaskLimit, maxTaskLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks, err := s.tasks.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, "list tasks", err)
		return
	}
	// Results are newest first; the limit keeps the most recent ones.
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) taskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tasks.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, "task stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":          stats,
		"running":        s.tasks.Running(),
		"max_concurrent": s.tasks.MaxConcurrent(),
	})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Task(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeServiceError(w, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if err := s.tasks.DeleteTask(r.Context(), taskID); err != nil {
		s.writeServiceError(w, "delete task", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": "deleted"})
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Reload(r.Context()); err != nil {
		s.writeServiceError(w, "reload scheduler", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"max_concurrent": s.tasks.MaxConcurrent()})
}

// writeServiceError maps the monitor error taxonomy onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, monitor.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, monitor.ErrTargetNotFound):
		writeError(w, http.StatusNotFound, "target not found")
	case errors.Is(err, monitor.ErrInvalidTaskState):
		writeError(w, http.StatusConflict, "task is still pending or running")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request timed out")
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func parseStatus(input string) (monitor.TaskStatus, error) {
	switch status := monitor.TaskStatus(strings.ToLower(input)); status {
	case monitor.TaskPending, monitor.TaskRunning, monitor.TaskSuccess, monitor.TaskFailed:
		return status, nil
	default:
		return "", errors.New("invalid status")
	}
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
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
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
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

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
