// Package worker runs one brand task: it scrapes the brand under a hard time
// ceiling, retries failed attempts with backoff, dead-letters exhausted tasks
// and reports the outcome to the job registry.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/logging"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/metrics"
)

const (
	defaultTaskTimeout     = 240 * time.Second
	defaultDeadLetterTopic = "bulk-fetch.dead-letter"
)

// errJobClosed stops retries once the job no longer accepts results.
var errJobClosed = fmt.Errorf("job no longer accepts results: %w", context.Canceled)

// Registry is the slice of the job registry the worker reports to.
type Registry interface {
	MarkProcessing(ctx context.Context, jobID string) (bool, error)
	UpdateProgress(ctx context.Context, jobID string, outcome catalog.BrandOutcome) (catalog.Job, error)
}

// Config controls Worker behavior.
type Config struct {
	Retry           catalog.RetryPolicy
	TaskTimeout     time.Duration
	DeadLetterTopic string
}

// Worker executes brand tasks delivered by the task queue.
type Worker struct {
	cfg         Config
	products    catalog.ProductScraper
	registry    Registry
	deadLetters catalog.Publisher
	clock       catalog.Clock
	logger      *zap.Logger
}

// New constructs a Worker.
func New(
	cfg Config,
	products catalog.ProductScraper,
	registry Registry,
	deadLetters catalog.Publisher,
	clock catalog.Clock,
	logger *zap.Logger,
) *Worker {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = defaultDeadLetterTopic
	}
	return &Worker{
		cfg:         cfg,
		products:    products,
		registry:    registry,
		deadLetters: deadLetters,
		clock:       clock,
		logger:      logging.OrNop(logger).Named("worker"),
	}
}

// Handle runs task to a terminal outcome. Retries happen here, not through the
// queue, so an error is returned only when the outcome could not be recorded
// or the parent context ended.
func (w *Worker) Handle(ctx context.Context, task catalog.BrandTask) error {
	log := logging.ForTask(w.logger, task.JobID, task.BrandIndex, task.BrandName)
	ctx, span := otel.Tracer("bulkfetch/worker").Start(ctx, "brand.scrape")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", task.JobID),
		attribute.Int("brand.index", task.BrandIndex),
		attribute.String("brand.name", task.BrandName),
	)

	open, err := w.registry.MarkProcessing(ctx, task.JobID)
	if err != nil {
		var notFound *catalog.NotFoundError
		if errors.As(err, &notFound) {
			log.Warn("brand task for unknown job dropped")
			return nil
		}
		return fmt.Errorf("mark job processing: %w", err)
	}
	if !open {
		log.Info("job closed; brand task skipped")
		return nil
	}

	start := w.clock.Now()
	var products []catalog.Product
	retryCount, err := w.cfg.Retry.Execute(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			open, err := w.registry.MarkProcessing(ctx, task.JobID)
			var notFound *catalog.NotFoundError
			if errors.As(err, &notFound) {
				return errJobClosed
			}
			if err != nil {
				return fmt.Errorf("check job state: %w", err)
			}
			if !open {
				return errJobClosed
			}
		}
		scraped, err := w.attempt(ctx, task)
		if err != nil {
			return err
		}
		products = scraped
		return nil
	}, catalog.RetryHooks{
		OnRetry: func(next int, err error, wait time.Duration) {
			metrics.ObserveBrandRetry()
			log.Warn("brand attempt failed; retrying",
				zap.Int("attempt", next),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
		},
		OnGiveUp: func(last int, err error) {
			if errors.Is(err, errJobClosed) {
				return
			}
			log.Error("brand failed permanently", zap.Int("attempt", last), zap.Error(err))
		},
	})
	elapsed := w.clock.Now().Sub(start)

	switch {
	case err == nil:
		span.SetAttributes(attribute.Int("brand.products", len(products)))
		metrics.ObserveBrandTask(string(catalog.BrandStatusCompleted), elapsed)
		log.Info("brand scraped", zap.Int("products", len(products)), zap.Int("attempt", retryCount))
		return w.report(ctx, log, task.JobID, catalog.BrandOutcome{
			BrandIndex: task.BrandIndex,
			BrandName:  task.BrandName,
			BrandURL:   task.BrandURL,
			Status:     catalog.BrandStatusCompleted,
			Products:   products,
			RetryCount: retryCount,
		})
	case errors.Is(err, errJobClosed):
		log.Info("job closed between attempts; brand abandoned")
		return nil
	case ctx.Err() != nil:
		span.SetStatus(codes.Error, "interrupted")
		return fmt.Errorf("brand %q interrupted: %w", task.BrandName, err)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.ObserveBrandTask(string(catalog.BrandStatusFailed), elapsed)
	record := w.failureRecord(task, err, retryCount)
	w.deadLetter(ctx, log, task, record)
	return w.report(ctx, log, task.JobID, catalog.BrandOutcome{
		BrandIndex: task.BrandIndex,
		BrandName:  task.BrandName,
		BrandURL:   task.BrandURL,
		Status:     catalog.BrandStatusFailed,
		Error:      &record,
		RetryCount: retryCount,
	})
}

// RecordQueueFailure reports a task the queue gave up on as a failed brand.
func (w *Worker) RecordQueueFailure(ctx context.Context, task catalog.BrandTask, retries int, cause error) error {
	log := logging.ForTask(w.logger, task.JobID, task.BrandIndex, task.BrandName)
	record := w.failureRecord(task, cause, retries)
	record.CanRetry = false
	return w.report(ctx, log, task.JobID, catalog.BrandOutcome{
		BrandIndex: task.BrandIndex,
		BrandName:  task.BrandName,
		BrandURL:   task.BrandURL,
		Status:     catalog.BrandStatusFailed,
		Error:      &record,
		RetryCount: retries,
	})
}

// attempt races one scrape against the task ceiling. On expiry the scrape's
// context is cancelled and the attempt fails with catalog.ErrTimeout.
func (w *Worker) attempt(ctx context.Context, task catalog.BrandTask) ([]catalog.Product, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		products []catalog.Product
		err      error
	}
	done := make(chan result, 1)
	go func() {
		products, err := w.products.ScrapeProducts(ctx, task.BrandURL, task.BrandName)
		done <- result{products: products, err: err}
	}()

	timer := time.NewTimer(w.cfg.TaskTimeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.products, res.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", catalog.ErrTimeout, w.cfg.TaskTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) failureRecord(task catalog.BrandTask, err error, retryCount int) catalog.ErrorRecord {
	return catalog.ErrorRecord{
		BrandName:  task.BrandName,
		BrandURL:   task.BrandURL,
		ErrorKind:  catalog.Kind(err),
		Message:    err.Error(),
		RetryCount: retryCount,
		CanRetry:   w.cfg.Retry.ShouldRetry(err, 0),
		Timestamp:  w.clock.Now(),
	}
}

func (w *Worker) deadLetter(ctx context.Context, log *zap.Logger, task catalog.BrandTask, record catalog.ErrorRecord) {
	if w.deadLetters == nil {
		return
	}
	task.RetryCount = record.RetryCount
	letter := catalog.DeadLetterRecord{
		OriginalTask: task,
		FinalError:   record.Message,
		ErrorKind:    record.ErrorKind,
		RetryCount:   record.RetryCount,
		FailedAt:     record.Timestamp,
	}
	id, err := w.deadLetters.Publish(ctx, w.cfg.DeadLetterTopic, letter)
	if err != nil {
		log.Error("dead-letter publish failed", zap.String("topic", w.cfg.DeadLetterTopic), zap.Error(err))
		return
	}
	metrics.ObserveDeadLetter()
	log.Info("brand dead-lettered", zap.String("topic", w.cfg.DeadLetterTopic), zap.String("message_id", id))
}

func (w *Worker) report(ctx context.Context, log *zap.Logger, jobID string, outcome catalog.BrandOutcome) error {
	_, err := w.registry.UpdateProgress(ctx, jobID, outcome)
	if err == nil {
		return nil
	}
	var invalid *catalog.InvalidStateError
	if errors.As(err, &invalid) {
		log.Info("late brand result rejected", zap.String("status", string(invalid.Status)))
		return nil
	}
	var notFound *catalog.NotFoundError
	if errors.As(err, &notFound) {
		log.Warn("brand result for deleted job dropped")
		return nil
	}
	return fmt.Errorf("record brand outcome: %w", err)
}
