package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/clock/system"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/job"
	kvmemory "github.com/JakeFAU/bulk-brand-fetcher/internal/kv/memory"
)

type scrapeFunc func(ctx context.Context, call int) ([]catalog.Product, error)

type fakeScraper struct {
	mu    sync.Mutex
	calls int
	fn    scrapeFunc
}

func (f *fakeScraper) ScrapeProducts(ctx context.Context, _, _ string) ([]catalog.Product, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.fn(ctx, call)
}

func (f *fakeScraper) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePublisher struct {
	mu      sync.Mutex
	topic   string
	records []catalog.DeadLetterRecord
	err     error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.topic = topic
	p.records = append(p.records, payload.(catalog.DeadLetterRecord))
	return fmt.Sprintf("msg-%d", len(p.records)), nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

func products(n int) []catalog.Product {
	out := make([]catalog.Product, n)
	for i := range out {
		out[i] = catalog.Product{Name: fmt.Sprintf("p%d", i), BrandName: "Nike"}
	}
	return out
}

type harness struct {
	reg     *job.Registry
	pub     *fakePublisher
	scraper *fakeScraper
	worker  *Worker
}

func newHarness(t *testing.T, timeout time.Duration, fn scrapeFunc) harness {
	t.Helper()
	clock := system.New()
	reg := job.NewRegistry(job.Config{}, kvmemory.NewStore(nil), clock, &seqIDs{}, nil)
	pub := &fakePublisher{}
	scraper := &fakeScraper{fn: fn}
	w := New(Config{
		Retry:       catalog.NewRetryPolicy(5, time.Millisecond, 2*time.Millisecond),
		TaskTimeout: timeout,
	}, scraper, reg, pub, clock, nil)
	return harness{reg: reg, pub: pub, scraper: scraper, worker: w}
}

func (h harness) createJob(t *testing.T, names ...string) (catalog.Job, []catalog.BrandTask) {
	t.Helper()
	refs := make([]catalog.BrandRef, 0, len(names))
	for _, name := range names {
		refs = append(refs, catalog.BrandRef{Name: name, URL: "https://shop.test/brand/" + name})
	}
	created, err := h.reg.CreateJob(context.Background(), job.CreateRequest{Brands: refs, TargetID: "S1", OwnerID: "U1"})
	require.NoError(t, err)
	tasks := make([]catalog.BrandTask, 0, len(refs))
	for i, ref := range refs {
		tasks = append(tasks, catalog.BrandTask{JobID: created.ID, BrandIndex: i, BrandName: ref.Name, BrandURL: ref.URL})
	}
	return created, tasks
}

func TestHandleRecordsSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second, func(context.Context, int) ([]catalog.Product, error) {
		return products(4), nil
	})
	created, tasks := h.createJob(t, "Nike")

	require.NoError(t, h.worker.Handle(context.Background(), tasks[0]))

	snap, err := h.reg.Lookup(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.JobStatusCompleted, snap.Status)
	require.Equal(t, 100, snap.SuccessRate)
	require.Len(t, snap.Products, 4)
	require.Empty(t, h.pub.records)
}

func TestHandleRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second, func(_ context.Context, call int) ([]catalog.Product, error) {
		if call <= 2 {
			return nil, &catalog.HTTPStatusError{URL: "https://shop.test", Code: 503}
		}
		return products(1), nil
	})
	created, tasks := h.createJob(t, "Nike")

	require.NoError(t, h.worker.Handle(context.Background(), tasks[0]))

	require.Equal(t, 3, h.scraper.Calls())
	snap, err := h.reg.Lookup(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, 2, snap.Outcomes[0].RetryCount)
	require.Equal(t, catalog.JobStatusCompleted, snap.Status)
}

func TestHandleDeadLettersAfterTimeouts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 20*time.Millisecond, func(ctx context.Context, _ int) ([]catalog.Product, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	created, tasks := h.createJob(t, "Nike")

	require.NoError(t, h.worker.Handle(context.Background(), tasks[0]))

	require.Equal(t, 6, h.scraper.Calls())
	require.Len(t, h.pub.records, 1)
	letter := h.pub.records[0]
	require.Equal(t, defaultDeadLetterTopic, h.pub.topic)
	require.Equal(t, 5, letter.RetryCount)
	require.Equal(t, 5, letter.OriginalTask.RetryCount)
	require.Equal(t, catalog.KindTimeout, letter.ErrorKind)
	require.Equal(t, "Nike", letter.OriginalTask.BrandName)

	snap, err := h.reg.Lookup(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, 1, snap.FailedBrands)
	require.Equal(t, catalog.JobStatusFailed, snap.Status)
	require.Len(t, snap.Errors, 1)
	require.True(t, snap.Errors[0].CanRetry)
}

func TestHandleSiblingBrandsUnaffectedByFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second, nil)
	h.scraper.fn = func(context.Context, int) ([]catalog.Product, error) {
		return products(2), nil
	}
	created, tasks := h.createJob(t, "Nike", "Puma", "Asics")

	require.NoError(t, h.worker.Handle(context.Background(), tasks[0]))
	h.scraper.fn = func(context.Context, int) ([]catalog.Product, error) {
		return nil, &catalog.HTTPStatusError{URL: "https://shop.test", Code: 404}
	}
	require.NoError(t, h.worker.Handle(context.Background(), tasks[1]))
	require.NoError(t, h.worker.Handle(context.Background(), tasks[2]))

	snap, err := h.reg.Lookup(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, 1, snap.SuccessfulBrands)
	require.Equal(t, 2, snap.FailedBrands)
	require.Equal(t, catalog.JobStatusCompletedWithErrors, snap.Status)
	require.Len(t, snap.Products, 2)
	// Permanent 4xx is not retried.
	require.Equal(t, 3, h.scraper.Calls())
	require.Len(t, h.pub.records, 2)
	require.False(t, snap.Errors[0].CanRetry)
}

func TestHandleSkipsCancelledJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second, func(context.Context, int) ([]catalog.Product, error) {
		return products(1), nil
	})
	created, tasks := h.createJob(t, "Nike", "Puma")
	_, err := h.reg.CancelJob(context.Background(), created.ID, "U1")
	require.NoError(t, err)

	require.NoError(t, h.worker.Handle(context.Background(), tasks[0]))
	require.Zero(t, h.scraper.Calls())

	snap, err := h.reg.Lookup(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.JobStatusCancelled, snap.Status)
	require.Zero(t, snap.ProcessedBrands)
}

func TestHandleStopsRetryingWhenJobCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second, nil)
	created, tasks := h.createJob(t, "Nike")
	h.scraper.fn = func(context.Context, int) ([]catalog.Product, error) {
		_, err := h.reg.CancelJob(context.Background(), created.ID, "U1")
		if err != nil {
			return nil, err
		}
		return nil, errors.New("connection reset")
	}

	require.NoError(t, h.worker.Handle(context.Background(), tasks[0]))
	require.Equal(t, 1, h.scraper.Calls())
	require.Empty(t, h.pub.records)
}

func TestHandleReturnsErrorWhenParentCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, time.Second, func(context.Context, int) ([]catalog.Product, error) {
		cancel()
		return nil, errors.New("connection reset")
	})
	_, tasks := h.createJob(t, "Nike")

	err := h.worker.Handle(ctx, tasks[0])
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, h.pub.records)
}

func TestRecordQueueFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second, nil)
	created, tasks := h.createJob(t, "Nike")

	require.NoError(t, h.worker.RecordQueueFailure(context.Background(), tasks[0], 3, errors.New("registry unavailable")))

	snap, err := h.reg.Lookup(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.JobStatusFailed, snap.Status)
	require.Equal(t, 3, snap.Errors[0].RetryCount)
	require.False(t, snap.Errors[0].CanRetry)
}
