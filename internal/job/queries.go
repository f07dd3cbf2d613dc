package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

// ListOptions filters and pages ListJobs.
type ListOptions struct {
	Status *catalog.JobStatus
	Limit  int
	Offset int
}

// Summary is a job without its product, outcome and error lists.
type Summary struct {
	ID               string            `json:"id"`
	TargetID         string            `json:"targetId"`
	Status           catalog.JobStatus `json:"status"`
	TotalBrands      int               `json:"totalBrands"`
	ProcessedBrands  int               `json:"processedBrands"`
	SuccessfulBrands int               `json:"successfulBrands"`
	FailedBrands     int               `json:"failedBrands"`
	SuccessRate      int               `json:"successRate"`
	TotalProducts    int               `json:"totalProducts"`
	ErrorCount       int               `json:"errorCount"`
	StartTime        time.Time         `json:"startTime"`
	EndTime          *time.Time        `json:"endTime,omitempty"`
}

// Page is one page of ListJobs.
type Page struct {
	Jobs    []Summary `json:"jobs"`
	Total   int       `json:"total"`
	Limit   int       `json:"limit"`
	Offset  int       `json:"offset"`
	HasMore bool      `json:"hasMore"`
}

// Details is a job snapshot with its products grouped by brand.
type Details struct {
	catalog.Job
	ProductsByBrand map[string][]catalog.Product `json:"productsByBrand"`
	TotalProducts   int                          `json:"totalProducts"`
}

// Stats aggregates an owner's jobs over a period.
type Stats struct {
	Period              string                    `json:"period"`
	TotalJobs           int                       `json:"totalJobs"`
	ByStatus            map[catalog.JobStatus]int `json:"byStatus"`
	TotalBrands         int                       `json:"totalBrands"`
	TotalProducts       int                       `json:"totalProducts"`
	AverageProcessingMs int64                     `json:"averageProcessingMs"`
}

var periods = map[string]time.Duration{
	"1d":  24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"all": 0,
}

// ListJobs returns the owner's jobs newest first.
func (r *Registry) ListJobs(ctx context.Context, ownerID string, opts ListOptions) (Page, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	offset := max(opts.Offset, 0)

	jobs, err := r.all(ctx)
	if err != nil {
		return Page{}, err
	}
	matched := make([]catalog.Job, 0, len(jobs))
	for _, job := range jobs {
		if job.OwnerID != ownerID {
			continue
		}
		if opts.Status != nil && job.Status != *opts.Status {
			continue
		}
		matched = append(matched, job)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].StartTime.After(matched[j].StartTime)
	})

	page := Page{Jobs: []Summary{}, Total: len(matched), Limit: limit, Offset: offset}
	if offset < len(matched) {
		end := min(offset+limit, len(matched))
		for _, job := range matched[offset:end] {
			page.Jobs = append(page.Jobs, summarize(job))
		}
		page.HasMore = end < len(matched)
	}
	return page, nil
}

// GetJobDetails returns the job with products grouped by brand name.
func (r *Registry) GetJobDetails(ctx context.Context, jobID, ownerID string) (Details, error) {
	job, err := r.GetJob(ctx, jobID, ownerID)
	if err != nil {
		return Details{}, err
	}
	grouped := make(map[string][]catalog.Product)
	for _, p := range job.Products {
		grouped[p.BrandName] = append(grouped[p.BrandName], p)
	}
	return Details{Job: job, ProductsByBrand: grouped, TotalProducts: len(job.Products)}, nil
}

// GetJobStats aggregates the owner's jobs started within period.
func (r *Registry) GetJobStats(ctx context.Context, ownerID, period string) (Stats, error) {
	if period == "" {
		period = "7d"
	}
	window, ok := periods[period]
	if !ok {
		return Stats{}, &catalog.ValidationError{Field: "period", Reason: "must be one of 1d, 7d, 30d, all"}
	}
	jobs, err := r.all(ctx)
	if err != nil {
		return Stats{}, err
	}
	var since time.Time
	if window > 0 {
		since = r.clock.Now().Add(-window)
	}
	stats := Stats{Period: period, ByStatus: make(map[catalog.JobStatus]int)}
	var finished int
	var totalMs int64
	for _, job := range jobs {
		if job.OwnerID != ownerID || job.StartTime.Before(since) {
			continue
		}
		stats.TotalJobs++
		stats.ByStatus[job.Status]++
		stats.TotalBrands += job.TotalBrands
		stats.TotalProducts += len(job.Products)
		if job.EndTime != nil {
			finished++
			totalMs += job.EndTime.Sub(job.StartTime).Milliseconds()
		}
	}
	if finished > 0 {
		stats.AverageProcessingMs = totalMs / int64(finished)
	}
	return stats, nil
}

// DeleteJob removes a terminal job.
func (r *Registry) DeleteJob(ctx context.Context, jobID, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, err := r.load(ctx, jobID)
	if err != nil {
		return err
	}
	if job.OwnerID != ownerID {
		return &catalog.ForbiddenError{JobID: jobID}
	}
	if !job.Status.Terminal() {
		return &catalog.InvalidStateError{JobID: jobID, Status: job.Status, Op: "delete"}
	}
	if err := r.kv.Delete(ctx, keyPrefix+jobID); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

// CleanupOldJobs removes terminal jobs that ended more than maxAge ago and
// reports how many were removed.
func (r *Registry) CleanupOldJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := r.clock.Now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs, err := r.allLocked(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, job := range jobs {
		if !job.Status.Terminal() || job.EndTime == nil || !job.EndTime.Before(cutoff) {
			continue
		}
		if err := r.kv.Delete(ctx, keyPrefix+job.ID); err != nil {
			return removed, fmt.Errorf("delete job %s: %w", job.ID, err)
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info("old jobs removed", zap.Int("removed", removed), zap.Duration("max_age", maxAge))
	}
	return removed, nil
}

func (r *Registry) all(ctx context.Context) ([]catalog.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allLocked(ctx)
}

func (r *Registry) allLocked(ctx context.Context) ([]catalog.Job, error) {
	keys, err := r.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list job keys: %w", err)
	}
	jobs := make([]catalog.Job, 0, len(keys))
	for _, key := range keys {
		job, err := r.load(ctx, strings.TrimPrefix(key, keyPrefix))
		if err != nil {
			var notFound *catalog.NotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func summarize(job catalog.Job) Summary {
	return Summary{
		ID:               job.ID,
		TargetID:         job.TargetID,
		Status:           job.Status,
		TotalBrands:      job.TotalBrands,
		ProcessedBrands:  job.ProcessedBrands,
		SuccessfulBrands: job.SuccessfulBrands,
		FailedBrands:     job.FailedBrands,
		SuccessRate:      job.SuccessRate,
		TotalProducts:    len(job.Products),
		ErrorCount:       len(job.Errors),
		StartTime:        job.StartTime,
		EndTime:          job.EndTime,
	}
}
