package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("job run not found")

// RunStatus mirrors the bulk_fetch_runs.status column. Finished runs carry the
// job's terminal status verbatim.
type RunStatus string

// RunProcessing marks a run that has reported brands but not finished.
const RunProcessing RunStatus = "processing"

// RunProgress is a per-job delta collapsed from one batch of brand events.
type RunProgress struct {
	JobID string
	// ProcessedBrands and TotalBrands are absolute; the highest value wins.
	ProcessedBrands int
	TotalBrands     int
	// The remaining counters are added to the stored totals.
	SucceededDelta int
	FailedDelta    int
	ProductsDelta  int
	At             time.Time
}

// JobRun models one row of bulk_fetch_runs.
type JobRun struct {
	JobID            string
	Status           RunStatus
	TotalBrands      int
	ProcessedBrands  int
	SuccessfulBrands int
	FailedBrands     int
	TotalProducts    int
	// SuccessRate is a rounded percentage 0-100.
	SuccessRate int
	DurationMs  int64
	UpdatedAt   time.Time
	// FinishedAt is nil until the run reached a terminal status.
	FinishedAt *time.Time
	// Note carries the cancellation reason.
	Note *string
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status *RunStatus
	Limit  int
	Offset int
}

// RunRepository persists job-run history.
type RunRepository interface {
	// ApplyProgress upserts a processing row and folds in the delta.
	ApplyProgress(ctx context.Context, delta RunProgress) error
	// FinishRun writes the final totals of a completed run.
	FinishRun(ctx context.Context, run JobRun) error
	// CancelRun marks a run cancelled, keeping the counters gathered so far.
	CancelRun(ctx context.Context, jobID string, processed, total int, reason string, at time.Time) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, jobID string) (JobRun, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]JobRun, error)
}
