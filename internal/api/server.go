package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/dispatcher"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/job"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/logging"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/metrics"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/progress"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/queue/memory"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/store"
)

// OwnerHeader carries the caller's user id. Authentication happens upstream.
const OwnerHeader = "X-User-ID"

const (
	defaultRequestTimeout = 60 * time.Second
	maxBodyBytes          = 1 << 20
)

// Service is the job surface served over HTTP.
type Service interface {
	StartJob(ctx context.Context, brands map[string]string, targetID, ownerID string) (dispatcher.StartResult, error)
	StartAllBrandsJob(ctx context.Context, targetID, ownerID string) (dispatcher.StartResult, error)
	CancelJob(ctx context.Context, jobID, ownerID string) (catalog.Job, error)
	GetJobStatus(ctx context.Context, jobID, ownerID string) (catalog.Job, error)
	ListJobs(ctx context.Context, ownerID string, opts job.ListOptions) (job.Page, error)
	GetJobDetails(ctx context.Context, jobID, ownerID string) (job.Details, error)
	GetJobStats(ctx context.Context, ownerID, period string) (job.Stats, error)
	DeleteJob(ctx context.Context, jobID, ownerID string) error
	Subscribe(ctx context.Context, jobID, ownerID string) (*progress.Subscription, error)
	Unsubscribe(sub *progress.Subscription)
	QueueStatus() map[string]memory.Status
	ListBrands(ctx context.Context) ([]catalog.Brand, error)
	BrandsPage(ctx context.Context, page, limit int) ([]catalog.Brand, error)
	ClearBrandCache(ctx context.Context) error
}

// Config tunes the HTTP server.
type Config struct {
	// APIKey, when set, is required in X-API-Key on every /v1 route.
	APIKey         string
	RequestTimeout time.Duration
	// KeepAlive is the SSE comment interval (default 15s).
	KeepAlive time.Duration
	// Runs serves /v1/runs when set.
	Runs   store.RunRepository
	Logger *zap.Logger
}

// Server wires HTTP handlers to the job service.
type Server struct {
	router  chi.Router
	svc     Service
	runs    *RunHandler
	cfg     Config
	logger  *zap.Logger
	ready   atomic.Bool
	metrics http.Handler
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	logger := logging.OrNop(cfg.Logger).Named("api")
	s := &Server{
		svc:     svc,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.Handler(),
	}
	if cfg.Runs != nil {
		s.runs = NewRunHandler(cfg.Runs, logger)
	}
	s.ready.Store(true)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", s.metrics)

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		timeout := timeoutMiddleware(cfg.RequestTimeout)

		r.Route("/jobs", func(r chi.Router) {
			// Streams must not sit behind the timeout handler: it buffers writes.
			r.Get("/{job_id}/events", s.streamEvents)

			r.Group(func(r chi.Router) {
				r.Use(timeout)
				r.Post("/", s.startJob)
				r.Get("/", s.listJobs)
				r.Post("/all-brands", s.startAllBrandsJob)
				r.Get("/stats", s.jobStats)
				r.Get("/{job_id}", s.getJob)
				r.Delete("/{job_id}", s.deleteJob)
				r.Get("/{job_id}/details", s.jobDetails)
				r.Post("/{job_id}/cancel", s.cancelJob)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(timeout)
			r.Get("/brands", s.listBrands)
			r.Get("/brands/page/{page}", s.brandsPage)
			r.Post("/brands/cache/clear", s.clearBrandCache)
			r.Get("/queue/status", s.queueStatus)
			r.Get("/runs", s.withRuns(func(h *RunHandler) http.HandlerFunc { return h.ListRuns }))
			r.Get("/runs/{job_id}", s.withRuns(func(h *RunHandler) http.HandlerFunc { return h.GetRun }))
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips the readiness probe, e.g. to false while draining.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		s.writeError(w, http.StatusServiceUnavailable, "draining")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startJobRequest struct {
	Brands  map[string]string `json:"brands"`
	StoreID string            `json:"storeId"`
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	var req startJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.StartJob(r.Context(), req.Brands, req.StoreID, owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) startAllBrandsJob(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	var req startJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.StartAllBrandsJob(r.Context(), req.StoreID, owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	opts := job.ListOptions{}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status := catalog.JobStatus(raw)
		opts.Status = &status
	}
	var err error
	if opts.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		s.fail(w, &catalog.ValidationError{Field: "limit", Reason: "must be an integer"})
		return
	}
	if opts.Offset, err = intParam(q.Get("offset"), 0); err != nil || opts.Offset < 0 {
		s.fail(w, &catalog.ValidationError{Field: "offset", Reason: "must be a non-negative integer"})
		return
	}
	page, err := s.svc.ListJobs(r.Context(), owner, opts)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) jobStats(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	stats, err := s.svc.GetJobStats(r.Context(), owner, r.URL.Query().Get("period"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	snap, err := s.svc.GetJobStatus(r.Context(), chi.URLParam(r, "job_id"), owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) jobDetails(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	details, err := s.svc.GetJobDetails(r.Context(), chi.URLParam(r, "job_id"), owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, details)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	snap, err := s.svc.CancelJob(r.Context(), chi.URLParam(r, "job_id"), owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"jobId":           snap.ID,
		"status":          snap.Status,
		"processedBrands": snap.ProcessedBrands,
		"totalBrands":     snap.TotalBrands,
	})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteJob(r.Context(), chi.URLParam(r, "job_id"), owner); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listBrands(w http.ResponseWriter, r *http.Request) {
	brands, err := s.svc.ListBrands(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"brands": brands, "total": len(brands)})
}

func (s *Server) brandsPage(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil {
		s.fail(w, &catalog.ValidationError{Field: "page", Reason: "must be an integer"})
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), 0)
	if err != nil {
		s.fail(w, &catalog.ValidationError{Field: "limit", Reason: "must be an integer"})
		return
	}
	brands, err := s.svc.BrandsPage(r.Context(), page, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"brands": brands, "page": page, "total": len(brands)})
}

func (s *Server) clearBrandCache(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ClearBrandCache(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) queueStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"queues": s.svc.QueueStatus()})
}

func (s *Server) withRuns(pick func(*RunHandler) http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.runs == nil {
			s.writeError(w, http.StatusServiceUnavailable, "job-run history is not configured")
			return
		}
		pick(s.runs)(w, r)
	}
}

func (s *Server) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if owner == "" {
		s.writeError(w, http.StatusUnauthorized, OwnerHeader+" header is required")
		return "", false
	}
	return owner, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// fail maps the error taxonomy onto HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var (
		validation *catalog.ValidationError
		forbidden  *catalog.ForbiddenError
		notFound   *catalog.NotFoundError
		state      *catalog.InvalidStateError
	)
	switch {
	case errors.As(err, &validation):
		s.writeError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &forbidden):
		s.writeError(w, http.StatusForbidden, forbidden.Error())
	case errors.As(err, &notFound):
		s.writeError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &state):
		s.writeError(w, http.StatusConflict, state.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func intParam(raw string, def int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", raw, err)
	}
	return v, nil
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

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
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
				writeJSONRaw(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	if err := writeJSONRaw(w, status, payload); err != nil {
		s.logger.Warn("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSONRaw(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}
