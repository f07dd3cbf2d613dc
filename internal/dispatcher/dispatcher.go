// Package dispatcher exposes the inbound job operations: it turns a brand map
// into a job plus one queued task per brand, binds the queue to the worker
// and runs retention cleanup.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/job"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/logging"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/progress"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/queue/memory"
)

const (
	defaultQueueName       = "bulk-fetch"
	defaultRetention       = 24 * time.Hour
	defaultCleanupInterval = time.Hour
)

// Jobs is the job registry surface the dispatcher drives.
type Jobs interface {
	CreateJob(ctx context.Context, req job.CreateRequest) (catalog.Job, error)
	UpdateProgress(ctx context.Context, jobID string, outcome catalog.BrandOutcome) (catalog.Job, error)
	CancelJob(ctx context.Context, jobID, ownerID string) (catalog.Job, error)
	GetJob(ctx context.Context, jobID, ownerID string) (catalog.Job, error)
	ListJobs(ctx context.Context, ownerID string, opts job.ListOptions) (job.Page, error)
	GetJobDetails(ctx context.Context, jobID, ownerID string) (job.Details, error)
	GetJobStats(ctx context.Context, ownerID, period string) (job.Stats, error)
	DeleteJob(ctx context.Context, jobID, ownerID string) error
	CleanupOldJobs(ctx context.Context, maxAge time.Duration) (int, error)
}

// Queue is the task queue surface.
type Queue interface {
	Publish(ctx context.Context, queueName string, task catalog.BrandTask) (string, error)
	Consume(queueName string, handler memory.Handler) error
	OnFailure(fn memory.FailureHandler)
	Status() map[string]memory.Status
}

// Worker runs brand tasks handed over by the queue.
type Worker interface {
	Handle(ctx context.Context, task catalog.BrandTask) error
	RecordQueueFailure(ctx context.Context, task catalog.BrandTask, retries int, cause error) error
}

// Subscriptions is the per-job event stream.
type Subscriptions interface {
	Subscribe(jobID string) *progress.Subscription
	Unsubscribe(sub *progress.Subscription)
}

// Config tunes the dispatcher.
type Config struct {
	QueueName       string
	Retention       time.Duration
	CleanupInterval time.Duration
	Logger          *zap.Logger
}

// StartResult is returned when a job is accepted.
type StartResult struct {
	JobID       string `json:"jobId"`
	TotalBrands int    `json:"totalBrands"`
}

// Dispatcher implements the job operations offered to callers.
type Dispatcher struct {
	cfg    Config
	jobs   Jobs
	queue  Queue
	worker Worker
	brands catalog.BrandScraper
	subs   Subscriptions
	clock  catalog.Clock
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(
	cfg Config,
	jobs Jobs,
	queue Queue,
	worker Worker,
	brands catalog.BrandScraper,
	subs Subscriptions,
	clock catalog.Clock,
) *Dispatcher {
	if cfg.QueueName == "" {
		cfg.QueueName = defaultQueueName
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	return &Dispatcher{
		cfg:    cfg,
		jobs:   jobs,
		queue:  queue,
		worker: worker,
		brands: brands,
		subs:   subs,
		clock:  clock,
		logger: logging.OrNop(cfg.Logger).Named("dispatcher"),
	}
}

// Run binds the worker to the queue, then runs retention cleanup until ctx
// finishes.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.queue.OnFailure(func(ctx context.Context, env memory.Envelope, cause error) {
		if err := d.worker.RecordQueueFailure(ctx, env.Task, env.Retries, cause); err != nil {
			d.logger.Error("record queue failure", zap.String("job_id", env.Task.JobID), zap.Error(err))
		}
	})
	if err := d.queue.Consume(d.cfg.QueueName, func(ctx context.Context, env memory.Envelope) error {
		return d.worker.Handle(ctx, env.Task)
	}); err != nil {
		return fmt.Errorf("consume %s: %w", d.cfg.QueueName, err)
	}

	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Cleanup(ctx)
		}
	}
}

// Cleanup removes finished jobs older than the retention window.
func (d *Dispatcher) Cleanup(ctx context.Context) int {
	removed, err := d.jobs.CleanupOldJobs(ctx, d.cfg.Retention)
	if err != nil {
		d.logger.Warn("job cleanup failed", zap.Error(err))
	}
	if removed > 0 {
		d.logger.Info("old jobs removed", zap.Int("removed", removed))
	}
	return removed
}

// StartJob creates a job over brands (name to listing URL) and enqueues one
// task per brand in name order.
func (d *Dispatcher) StartJob(ctx context.Context, brands map[string]string, targetID, ownerID string) (StartResult, error) {
	names := make([]string, 0, len(brands))
	for name := range brands {
		names = append(names, name)
	}
	sort.Strings(names)
	refs := make([]catalog.BrandRef, 0, len(names))
	for _, name := range names {
		refs = append(refs, catalog.BrandRef{Name: name, URL: brands[name]})
	}
	return d.start(ctx, refs, targetID, ownerID)
}

// StartAllBrandsJob discovers the whole brand directory and starts a job over
// it in discovery order.
func (d *Dispatcher) StartAllBrandsJob(ctx context.Context, targetID, ownerID string) (StartResult, error) {
	if strings.TrimSpace(targetID) == "" {
		return StartResult{}, &catalog.ValidationError{Field: "storeId", Reason: "is required"}
	}
	discovered, err := d.brands.ScrapeAllBrands(ctx)
	if err != nil {
		return StartResult{}, fmt.Errorf("discover brands: %w", err)
	}
	refs := make([]catalog.BrandRef, 0, len(discovered))
	for _, b := range discovered {
		if b.Name == "" || b.URL == "" {
			continue
		}
		refs = append(refs, catalog.BrandRef{Name: b.Name, URL: b.URL})
	}
	if len(refs) == 0 {
		return StartResult{}, &catalog.NotFoundError{Resource: "brands", ID: "directory"}
	}
	return d.start(ctx, refs, targetID, ownerID)
}

func (d *Dispatcher) start(ctx context.Context, refs []catalog.BrandRef, targetID, ownerID string) (StartResult, error) {
	created, err := d.jobs.CreateJob(ctx, job.CreateRequest{Brands: refs, TargetID: targetID, OwnerID: ownerID})
	if err != nil {
		return StartResult{}, fmt.Errorf("create job: %w", err)
	}
	log := d.logger.With(zap.String("job_id", created.ID))
	for i, ref := range refs {
		task := catalog.BrandTask{JobID: created.ID, BrandIndex: i, BrandName: ref.Name, BrandURL: ref.URL}
		if _, err := d.queue.Publish(ctx, d.cfg.QueueName, task); err != nil {
			log.Error("enqueue brand task", zap.Int("brand_index", i), zap.String("brand", ref.Name), zap.Error(err))
			d.failUnqueued(ctx, task, err)
		}
	}
	log.Info("job started", zap.Int("brands", len(refs)))
	return StartResult{JobID: created.ID, TotalBrands: created.TotalBrands}, nil
}

// failUnqueued records a brand that never reached the queue so the job can
// still finish.
func (d *Dispatcher) failUnqueued(ctx context.Context, task catalog.BrandTask, cause error) {
	now := d.clock.Now()
	record := &catalog.ErrorRecord{
		BrandName: task.BrandName,
		BrandURL:  task.BrandURL,
		ErrorKind: catalog.Kind(cause),
		Message:   cause.Error(),
		Timestamp: now,
	}
	outcome := catalog.BrandOutcome{
		BrandIndex: task.BrandIndex,
		BrandName:  task.BrandName,
		BrandURL:   task.BrandURL,
		Status:     catalog.BrandStatusFailed,
		Error:      record,
		FinishedAt: now,
	}
	if _, err := d.jobs.UpdateProgress(ctx, task.JobID, outcome); err != nil {
		d.logger.Warn("record unqueued brand", zap.String("job_id", task.JobID), zap.Error(err))
	}
}

// CancelJob stops a job owned by ownerID.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID, ownerID string) (catalog.Job, error) {
	j, err := d.jobs.CancelJob(ctx, jobID, ownerID)
	if err != nil {
		return catalog.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	return j, nil
}

// GetJobStatus returns the full job snapshot.
func (d *Dispatcher) GetJobStatus(ctx context.Context, jobID, ownerID string) (catalog.Job, error) {
	j, err := d.jobs.GetJob(ctx, jobID, ownerID)
	if err != nil {
		return catalog.Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs pages the owner's jobs.
func (d *Dispatcher) ListJobs(ctx context.Context, ownerID string, opts job.ListOptions) (job.Page, error) {
	page, err := d.jobs.ListJobs(ctx, ownerID, opts)
	if err != nil {
		return job.Page{}, fmt.Errorf("list jobs: %w", err)
	}
	return page, nil
}

// GetJobDetails returns the snapshot with products grouped by brand.
func (d *Dispatcher) GetJobDetails(ctx context.Context, jobID, ownerID string) (job.Details, error) {
	details, err := d.jobs.GetJobDetails(ctx, jobID, ownerID)
	if err != nil {
		return job.Details{}, fmt.Errorf("job details: %w", err)
	}
	return details, nil
}

// GetJobStats aggregates the owner's jobs over period.
func (d *Dispatcher) GetJobStats(ctx context.Context, ownerID, period string) (job.Stats, error) {
	stats, err := d.jobs.GetJobStats(ctx, ownerID, period)
	if err != nil {
		return job.Stats{}, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// DeleteJob removes a finished job.
func (d *Dispatcher) DeleteJob(ctx context.Context, jobID, ownerID string) error {
	if err := d.jobs.DeleteJob(ctx, jobID, ownerID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// Subscribe joins the event stream of a job the caller owns. Events emitted
// before the call are not replayed.
func (d *Dispatcher) Subscribe(ctx context.Context, jobID, ownerID string) (*progress.Subscription, error) {
	if _, err := d.jobs.GetJob(ctx, jobID, ownerID); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return d.subs.Subscribe(jobID), nil
}

// Unsubscribe leaves a job's event stream.
func (d *Dispatcher) Unsubscribe(sub *progress.Subscription) {
	d.subs.Unsubscribe(sub)
}

// QueueStatus reports every known queue.
func (d *Dispatcher) QueueStatus() map[string]memory.Status {
	return d.queue.Status()
}

// ListBrands returns the cached brand directory.
func (d *Dispatcher) ListBrands(ctx context.Context) ([]catalog.Brand, error) {
	brands, err := d.brands.ScrapeAllBrands(ctx)
	if err != nil {
		return nil, fmt.Errorf("list brands: %w", err)
	}
	return brands, nil
}

// BrandsPage returns up to limit brands of one directory page.
func (d *Dispatcher) BrandsPage(ctx context.Context, page, limit int) ([]catalog.Brand, error) {
	if page < 1 {
		return nil, &catalog.ValidationError{Field: "page", Reason: "must be >= 1"}
	}
	brands, err := d.brands.ScrapeBrands(ctx, page, limit)
	if err != nil {
		return nil, fmt.Errorf("brands page %d: %w", page, err)
	}
	return brands, nil
}

// ClearBrandCache forces the next directory listing to refetch.
func (d *Dispatcher) ClearBrandCache(ctx context.Context) error {
	if err := d.brands.ClearCache(ctx); err != nil {
		return fmt.Errorf("clear brand cache: %w", err)
	}
	return nil
}

// IsClientError reports whether err stems from the caller's request rather
// than from the service.
func IsClientError(err error) bool {
	var (
		validation *catalog.ValidationError
		notFound   *catalog.NotFoundError
		forbidden  *catalog.ForbiddenError
		state      *catalog.InvalidStateError
	)
	return errors.As(err, &validation) || errors.As(err, &notFound) ||
		errors.As(err, &forbidden) || errors.As(err, &state)
}
