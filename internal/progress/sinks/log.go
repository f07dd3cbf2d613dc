package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/progress"
)

// LogSink writes one structured line per job event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("job_events")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		switch evt.Kind {
		case progress.KindProgress:
			p := evt.Progress
			fields = append(fields,
				zap.Int("brand_index", p.BrandIndex),
				zap.String("brand", p.BrandName),
				zap.Int("products", len(p.Products)),
				zap.Int("processed", p.ProcessedBrands),
				zap.Int("total", p.TotalBrands),
			)
			s.logger.Info("brand completed", fields...)
		case progress.KindError:
			p := evt.Error
			fields = append(fields,
				zap.Int("brand_index", p.BrandIndex),
				zap.String("brand", p.BrandName),
				zap.String("error_kind", string(p.ErrorKind)),
				zap.String("error", p.Error),
			)
			s.logger.Warn("brand failed", fields...)
		case progress.KindComplete:
			p := evt.Complete
			fields = append(fields,
				zap.String("status", string(p.Status)),
				zap.Int("successful", p.SuccessfulBrands),
				zap.Int("failed", p.FailedBrands),
				zap.Int("products", p.TotalProducts),
				zap.Int("success_rate", p.SuccessRate),
				zap.Int64("duration_ms", p.DurationMs),
			)
			s.logger.Info("job finished", fields...)
		case progress.KindCancelled:
			fields = append(fields,
				zap.Int("processed", evt.Cancelled.ProcessedBrands),
				zap.Int("total", evt.Cancelled.TotalBrands),
				zap.String("reason", evt.Cancelled.Reason),
			)
			s.logger.Info("job cancelled", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
