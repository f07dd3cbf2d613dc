package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/store"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	runsTimeout     = 3 * time.Second
)

// RunHandler exposes the read-only job-run history kept in Postgres.
type RunHandler struct {
	repo    store.RunRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunHandler wires the repository and logger.
func NewRunHandler(repo store.RunRepository, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{repo: repo, timeout: runsTimeout, logger: logger}
}

// ListRuns handles GET /v1/runs?status=&limit=&offset=. It returns
// {"runs": [...]} on success, 400 for invalid filters, or 500 if the
// repository call fails.
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		_ = writeJSONRaw(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	filter := store.RunFilter{Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, parseErr := parseRunStatus(raw)
		if parseErr != nil {
			_ = writeJSONRaw(w, http.StatusBadRequest, map[string]string{"error": parseErr.Error()})
			return
		}
		filter.Status = &status
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	runs, err := h.repo.ListRuns(ctx, filter)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		_ = writeJSONRaw(w, http.StatusInternalServerError, map[string]string{"error": "failed to list runs"})
		return
	}
	out := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	_ = writeJSONRaw(w, http.StatusOK, map[string]any{"runs": out})
}

// GetRun handles GET /v1/runs/{job_id}. It returns {"run": {...}}, 404 when
// the repository reports store.ErrNotFound, or 500 otherwise.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "job_id"))
	if jobID == "" {
		_ = writeJSONRaw(w, http.StatusBadRequest, map[string]string{"error": "job_id is required"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetRun(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = writeJSONRaw(w, http.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		h.logger.Error("get run failed", zap.String("job_id", jobID), zap.Error(err))
		_ = writeJSONRaw(w, http.StatusInternalServerError, map[string]string{"error": "failed to load run"})
		return
	}
	_ = writeJSONRaw(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseRunStatus(input string) (store.RunStatus, error) {
	switch s := strings.ToLower(input); s {
	case string(store.RunProcessing):
		return store.RunProcessing, nil
	case string(catalog.JobStatusCompleted),
		string(catalog.JobStatusCompletedWithErrors),
		string(catalog.JobStatusFailed),
		string(catalog.JobStatusCancelled):
		return store.RunStatus(s), nil
	default:
		return "", errors.New("invalid status")
	}
}

type runDTO struct {
	JobID            string     `json:"jobId"`
	Status           string     `json:"status"`
	TotalBrands      int        `json:"totalBrands"`
	ProcessedBrands  int        `json:"processedBrands"`
	SuccessfulBrands int        `json:"successfulBrands"`
	FailedBrands     int        `json:"failedBrands"`
	TotalProducts    int        `json:"totalProducts"`
	SuccessRate      int        `json:"successRate"`
	DurationMs       int64      `json:"durationMs"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
	Note             *string    `json:"note,omitempty"`
}

func toRunDTO(run store.JobRun) runDTO {
	return runDTO{
		JobID:            run.JobID,
		Status:           string(run.Status),
		TotalBrands:      run.TotalBrands,
		ProcessedBrands:  run.ProcessedBrands,
		SuccessfulBrands: run.SuccessfulBrands,
		FailedBrands:     run.FailedBrands,
		TotalProducts:    run.TotalProducts,
		SuccessRate:      run.SuccessRate,
		DurationMs:       run.DurationMs,
		UpdatedAt:        run.UpdatedAt,
		FinishedAt:       run.FinishedAt,
		Note:             run.Note,
	}
}
