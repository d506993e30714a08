package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/metrics"
	"github.com/cklxx/nowhow/internal/pipeline"
	"github.com/cklxx/nowhow/internal/query"
)

// Workflows is the write side of the orchestrator.
type Workflows interface {
	Start(ctx context.Context, req pipeline.StartRequest) (string, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// Views is the read-only projection served by GET routes.
type Views interface {
	Workflow(ctx context.Context, id string) (query.WorkflowView, error)
	Workflows(ctx context.Context, limit int) (query.WorkflowListView, error)
	Articles(ctx context.Context, workflowID string) (query.ArticlesView, error)
	Content(ctx context.Context, f query.ContentFilter) (query.ContentListView, error)
	ContentItem(ctx context.Context, fingerprint string) (pipeline.ContentItem, error)
	Statistics(ctx context.Context) (query.StatisticsView, error)
	Sources() []pipeline.Source
}

// SourceManager edits the managed source catalog.
type SourceManager interface {
	Get(id string) (pipeline.Source, bool)
	Create(ctx context.Context, src pipeline.Source) (pipeline.Source, error)
	Update(ctx context.Context, id string, patch pipeline.SourcePatch) (pipeline.Source, error)
	Delete(ctx context.Context, id string) error
	Stats() pipeline.SourceStats
}

// Options tune the server.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	// Ready reports whether downstream dependencies can serve traffic.
	Ready func(ctx context.Context) error
	// Sources enables the source management routes when set.
	Sources SourceManager
}

// Server wires HTTP handlers to the orchestrator and the query facade.
type Server struct {
	router    chi.Router
	workflows Workflows
	views     Views
	opts      Options
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(workflows Workflows, views Views, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		workflows: workflows,
		views:     views,
		opts:      opts,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", s.startWorkflow)
			r.Get("/", s.listWorkflows)
			r.Route("/{workflow_id}", func(r chi.Router) {
				r.Get("/", s.getWorkflow)
				r.Post("/cancel", s.cancelWorkflow)
			})
		})
		r.Get("/articles", s.listArticles)
		r.Route("/content", func(r chi.Router) {
			r.Get("/", s.listContent)
			r.Get("/statistics", s.contentStatistics)
			r.Get("/{fingerprint}", s.getContent)
		})
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.listSources)
			if opts.Sources == nil {
				return
			}
			r.Post("/", s.createSource)
			r.Get("/statistics", s.sourceStatistics)
			r.Route("/{source_id}", func(r chi.Router) {
				r.Get("/", s.getSource)
				r.Put("/", s.updateSource)
				r.Delete("/", s.deleteSource)
			})
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
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
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

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
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
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("panic", rec),
					)
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
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
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
