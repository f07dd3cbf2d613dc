package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/progress"
)

func TestLogSinkWritesOneLinePerEvent(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()

	err := sink.Consume(context.Background(), []progress.Event{
		progress.NewError("job-1", now, progress.ErrorPayload{
			BrandName: "Puma", Error: "boom", ErrorKind: catalog.KindNetwork,
		}),
		progress.NewComplete("job-1", now, progress.CompletePayload{Status: catalog.JobStatusFailed}),
	})
	require.NoError(t, err)

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	require.Equal(t, "brand failed", entries[0].Message)
	require.Equal(t, "Puma", entries[0].ContextMap()["brand"])
	require.Equal(t, "job finished", entries[1].Message)
	require.Equal(t, "failed", entries[1].ContextMap()["status"])
}
