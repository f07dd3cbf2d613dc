package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/progress"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/store"
)

// StoreSink persists job-run history via a store.RunRepository. Brand events
// of one batch are collapsed into a single delta per job.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume folds brand events into per-job deltas and writes terminal events
// as they appear. A job's pending delta is written before its terminal row.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[string]*store.RunProgress)
	var order []string

	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindProgress, progress.KindError:
			delta, ok := pending[evt.JobID]
			if !ok {
				delta = &store.RunProgress{JobID: evt.JobID}
				pending[evt.JobID] = delta
				order = append(order, evt.JobID)
			}
			foldBrandEvent(delta, evt)
		case progress.KindComplete, progress.KindCancelled:
			if delta, ok := pending[evt.JobID]; ok {
				if err := s.repo.ApplyProgress(ctx, *delta); err != nil {
					return fmt.Errorf("apply run progress: %w", err)
				}
				delete(pending, evt.JobID)
			}
			if err := s.finish(ctx, evt); err != nil {
				return err
			}
		}
	}

	for _, jobID := range order {
		delta, ok := pending[jobID]
		if !ok {
			continue
		}
		if err := s.repo.ApplyProgress(ctx, *delta); err != nil {
			return fmt.Errorf("apply run progress: %w", err)
		}
	}
	return nil
}

func foldBrandEvent(delta *store.RunProgress, evt progress.Event) {
	var processed, total int
	if evt.Kind == progress.KindProgress {
		delta.SucceededDelta++
		delta.ProductsDelta += len(evt.Progress.Products)
		processed, total = evt.Progress.ProcessedBrands, evt.Progress.TotalBrands
	} else {
		delta.FailedDelta++
		processed, total = evt.Error.ProcessedBrands, evt.Error.TotalBrands
	}
	delta.ProcessedBrands = max(delta.ProcessedBrands, processed)
	delta.TotalBrands = max(delta.TotalBrands, total)
	if evt.TS.After(delta.At) {
		delta.At = evt.TS
	}
}

func (s *StoreSink) finish(ctx context.Context, evt progress.Event) error {
	if evt.Kind == progress.KindCancelled {
		c := evt.Cancelled
		if err := s.repo.CancelRun(ctx, evt.JobID, c.ProcessedBrands, c.TotalBrands, c.Reason, evt.TS); err != nil {
			return fmt.Errorf("cancel run: %w", err)
		}
		return nil
	}
	c := evt.Complete
	finished := evt.TS
	run := store.JobRun{
		JobID:            evt.JobID,
		Status:           store.RunStatus(c.Status),
		TotalBrands:      c.TotalBrands,
		ProcessedBrands:  c.ProcessedBrands,
		SuccessfulBrands: c.SuccessfulBrands,
		FailedBrands:     c.FailedBrands,
		TotalProducts:    c.TotalProducts,
		SuccessRate:      c.SuccessRate,
		DurationMs:       c.DurationMs,
		UpdatedAt:        finished,
		FinishedAt:       &finished,
	}
	if err := s.repo.FinishRun(ctx, run); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	s.logger.Debug("job run recorded", zap.String("job_id", evt.JobID), zap.String("status", string(c.Status)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
