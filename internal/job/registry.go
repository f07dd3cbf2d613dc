package job

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/progress"
)

const keyPrefix = "job:"

// Config wires optional collaborators.
type Config struct {
	// Archive receives a JSON snapshot of every job that reaches a terminal status.
	Archive       catalog.BlobStore
	ArchivePrefix string
	Logger        *zap.Logger
}

// CreateRequest is the input of CreateJob. Brands keep the order they are given in.
type CreateRequest struct {
	Brands   []catalog.BrandRef
	TargetID string
	OwnerID  string
}

// Registry owns job state. Every read-modify-write of a job runs under one
// mutex so counters and status transitions never interleave.
type Registry struct {
	mu     sync.Mutex
	kv     catalog.KVStore
	clock  catalog.Clock
	ids    catalog.IDGenerator
	events progress.Emitter
	cfg    Config
	logger *zap.Logger
}

// NewRegistry builds a Registry. events may be nil.
func NewRegistry(
	cfg Config,
	kv catalog.KVStore,
	clock catalog.Clock,
	ids catalog.IDGenerator,
	events progress.Emitter,
) *Registry {
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "jobs"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		kv:     kv,
		clock:  clock,
		ids:    ids,
		events: events,
		cfg:    cfg,
		logger: logger.Named("job_registry"),
	}
}

// CreateJob validates req and stores a queued job with one slot per brand.
func (r *Registry) CreateJob(ctx context.Context, req CreateRequest) (catalog.Job, error) {
	if len(req.Brands) == 0 {
		return catalog.Job{}, &catalog.ValidationError{Field: "brands", Reason: "must not be empty"}
	}
	if strings.TrimSpace(req.TargetID) == "" {
		return catalog.Job{}, &catalog.ValidationError{Field: "storeId", Reason: "is required"}
	}
	for i, b := range req.Brands {
		if strings.TrimSpace(b.Name) == "" || strings.TrimSpace(b.URL) == "" {
			return catalog.Job{}, &catalog.ValidationError{
				Field:  fmt.Sprintf("brands[%d]", i),
				Reason: "needs a name and a url",
			}
		}
	}
	id, err := r.ids.NewID()
	if err != nil {
		return catalog.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := catalog.Job{
		ID:          id,
		TargetID:    req.TargetID,
		OwnerID:     req.OwnerID,
		Status:      catalog.JobStatusQueued,
		TotalBrands: len(req.Brands),
		StartTime:   r.clock.Now(),
		Brands:      append([]catalog.BrandRef(nil), req.Brands...),
		Outcomes:    []catalog.BrandOutcome{},
		Products:    []catalog.Product{},
		Errors:      []catalog.ErrorRecord{},
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.save(ctx, job); err != nil {
		return catalog.Job{}, err
	}
	r.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("target_id", job.TargetID),
		zap.Int("brands", job.TotalBrands),
	)
	return job, nil
}

// MarkProcessing moves a queued job to processing. It reports false when the
// job no longer accepts work (cancelled or otherwise terminal).
func (r *Registry) MarkProcessing(ctx context.Context, jobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, err := r.load(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status.Terminal() {
		return false, nil
	}
	if job.Status == catalog.JobStatusQueued {
		job.Status = catalog.JobStatusProcessing
		if err := r.save(ctx, job); err != nil {
			return false, err
		}
	}
	return true, nil
}

// UpdateProgress records the terminal outcome of one brand. When the last
// brand reports, the job is finalized by success rate: none succeeded is
// failed, under half is completed_with_errors, otherwise completed. Results
// for a job that is already terminal are rejected with InvalidStateError; a
// second outcome for the same brand index is ignored.
func (r *Registry) UpdateProgress(ctx context.Context, jobID string, outcome catalog.BrandOutcome) (catalog.Job, error) {
	r.mu.Lock()
	job, err := r.load(ctx, jobID)
	if err != nil {
		r.mu.Unlock()
		return catalog.Job{}, err
	}
	if job.Status.Terminal() {
		r.mu.Unlock()
		return job, &catalog.InvalidStateError{JobID: jobID, Status: job.Status, Op: "update"}
	}
	for _, existing := range job.Outcomes {
		if existing.BrandIndex == outcome.BrandIndex {
			r.mu.Unlock()
			r.logger.Warn("duplicate brand outcome ignored",
				zap.String("job_id", jobID), zap.Int("brand_index", outcome.BrandIndex))
			return job, nil
		}
	}

	now := r.clock.Now()
	if outcome.FinishedAt.IsZero() {
		outcome.FinishedAt = now
	}
	products := outcome.Products
	if products == nil {
		products = []catalog.Product{}
	}
	outcome.ProductCount = len(products)
	outcome.Products = nil
	job.Outcomes = append(job.Outcomes, outcome)
	job.ProcessedBrands++
	if outcome.Succeeded() {
		job.SuccessfulBrands++
		job.Products = append(job.Products, products...)
	} else {
		job.FailedBrands++
		if outcome.Error != nil {
			job.Errors = append(job.Errors, *outcome.Error)
		}
	}
	job.SuccessRate = percent(job.SuccessfulBrands, job.ProcessedBrands)
	if job.Status == catalog.JobStatusQueued {
		job.Status = catalog.JobStatusProcessing
	}
	finished := job.ProcessedBrands >= job.TotalBrands
	if finished {
		job.Status = finalStatus(job.SuccessfulBrands, job.ProcessedBrands)
		job.EndTime = &now
	}
	if err := r.save(ctx, job); err != nil {
		r.mu.Unlock()
		return catalog.Job{}, err
	}
	r.emitOutcome(job, outcome, products, now)
	if finished {
		r.emit(progress.NewComplete(job.ID, now, completePayload(job)))
	}
	r.mu.Unlock()

	if finished {
		r.logger.Info("job finished",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Int("successful", job.SuccessfulBrands),
			zap.Int("failed", job.FailedBrands),
		)
		r.archive(ctx, job)
	}
	return job, nil
}

// CancelJob flips a non-terminal job to cancelled. In-flight fetches are not
// interrupted; their results are rejected when they arrive.
func (r *Registry) CancelJob(ctx context.Context, jobID, ownerID string) (catalog.Job, error) {
	r.mu.Lock()
	job, err := r.load(ctx, jobID)
	if err != nil {
		r.mu.Unlock()
		return catalog.Job{}, err
	}
	if job.OwnerID != ownerID {
		r.mu.Unlock()
		return catalog.Job{}, &catalog.ForbiddenError{JobID: jobID}
	}
	if job.Status.Terminal() {
		r.mu.Unlock()
		return catalog.Job{}, &catalog.InvalidStateError{JobID: jobID, Status: job.Status, Op: "cancel"}
	}
	now := r.clock.Now()
	job.Status = catalog.JobStatusCancelled
	job.EndTime = &now
	if err := r.save(ctx, job); err != nil {
		r.mu.Unlock()
		return catalog.Job{}, err
	}
	r.emit(progress.NewCancelled(job.ID, now, progress.CancelledPayload{
		ProcessedBrands: job.ProcessedBrands,
		TotalBrands:     job.TotalBrands,
	}))
	r.mu.Unlock()

	r.logger.Info("job cancelled", zap.String("job_id", jobID), zap.Int("processed", job.ProcessedBrands))
	r.archive(ctx, job)
	return job, nil
}

// GetJob returns a snapshot of the job if ownerID owns it.
func (r *Registry) GetJob(ctx context.Context, jobID, ownerID string) (catalog.Job, error) {
	job, err := r.Lookup(ctx, jobID)
	if err != nil {
		return catalog.Job{}, err
	}
	if job.OwnerID != ownerID {
		return catalog.Job{}, &catalog.ForbiddenError{JobID: jobID}
	}
	return job, nil
}

// Lookup returns a snapshot without an ownership check.
func (r *Registry) Lookup(ctx context.Context, jobID string) (catalog.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx, jobID)
}

func (r *Registry) emitOutcome(job catalog.Job, outcome catalog.BrandOutcome, products []catalog.Product, now time.Time) {
	if outcome.Succeeded() {
		r.emit(progress.NewProgress(job.ID, now, progress.ProgressPayload{
			BrandIndex:      outcome.BrandIndex,
			BrandName:       outcome.BrandName,
			Status:          outcome.Status,
			Products:        products,
			ProcessedBrands: job.ProcessedBrands,
			TotalBrands:     job.TotalBrands,
		}))
		return
	}
	payload := progress.ErrorPayload{
		BrandIndex:      outcome.BrandIndex,
		BrandName:       outcome.BrandName,
		Error:           "brand failed",
		ErrorKind:       catalog.KindUnknown,
		ProcessedBrands: job.ProcessedBrands,
		TotalBrands:     job.TotalBrands,
	}
	if outcome.Error != nil {
		payload.Error = outcome.Error.Message
		payload.ErrorKind = outcome.Error.ErrorKind
	}
	r.emit(progress.NewError(job.ID, now, payload))
}

func (r *Registry) emit(evt progress.Event) {
	if r.events != nil {
		r.events.Emit(evt)
	}
}

func (r *Registry) archive(ctx context.Context, job catalog.Job) {
	if r.cfg.Archive == nil {
		return
	}
	data, err := json.Marshal(job)
	if err != nil {
		r.logger.Warn("encode job archive", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	key := path.Join(r.cfg.ArchivePrefix, job.ID+".json")
	uri, err := r.cfg.Archive.PutObject(ctx, key, "application/json", bytes.NewReader(data))
	if err != nil {
		r.logger.Warn("archive job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	r.logger.Debug("job archived", zap.String("job_id", job.ID), zap.String("uri", uri))
}

func (r *Registry) load(ctx context.Context, jobID string) (catalog.Job, error) {
	raw, err := r.kv.Get(ctx, keyPrefix+jobID)
	if err != nil {
		if errors.Is(err, catalog.ErrKeyNotFound) {
			return catalog.Job{}, &catalog.NotFoundError{Resource: "job", ID: jobID}
		}
		return catalog.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	var job catalog.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return catalog.Job{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return job, nil
}

func (r *Registry) save(ctx context.Context, job catalog.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := r.kv.Set(ctx, keyPrefix+job.ID, raw, 0); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func finalStatus(successful, processed int) catalog.JobStatus {
	if processed == 0 || successful == 0 {
		return catalog.JobStatusFailed
	}
	if float64(successful)/float64(processed) < 0.5 {
		return catalog.JobStatusCompletedWithErrors
	}
	return catalog.JobStatusCompleted
}

func percent(part, whole int) int {
	if whole == 0 {
		return 0
	}
	return int(math.Round(float64(part) * 100 / float64(whole)))
}

func completePayload(job catalog.Job) progress.CompletePayload {
	var duration int64
	if job.EndTime != nil {
		duration = job.EndTime.Sub(job.StartTime).Milliseconds()
	}
	return progress.CompletePayload{
		Status:           job.Status,
		TotalBrands:      job.TotalBrands,
		ProcessedBrands:  job.ProcessedBrands,
		SuccessfulBrands: job.SuccessfulBrands,
		FailedBrands:     job.FailedBrands,
		TotalProducts:    len(job.Products),
		SuccessRate:      job.SuccessRate,
		DurationMs:       duration,
		HasErrors:        job.FailedBrands > 0,
	}
}
