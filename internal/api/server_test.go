package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/clock/system"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/dispatcher"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/id/uuid"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/job"
	kvmemory "github.com/JakeFAU/bulk-brand-fetcher/internal/kv/memory"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/progress"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/queue/memory"
)

type stubQueue struct {
	mu    sync.Mutex
	tasks []catalog.BrandTask
}

func (q *stubQueue) Publish(_ context.Context, _ string, task catalog.BrandTask) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return "t", nil
}
func (q *stubQueue) Consume(string, memory.Handler) error { return nil }
func (q *stubQueue) OnFailure(memory.FailureHandler)      {}
func (q *stubQueue) Status() map[string]memory.Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[string]memory.Status{"bulk-fetch": {Pending: len(q.tasks), HasHandler: true}}
}

type stubBrands struct {
	brands  []catalog.Brand
	cleared bool
}

func (b *stubBrands) ScrapeAllBrands(context.Context) ([]catalog.Brand, error) { return b.brands, nil }
func (b *stubBrands) ScrapeBrands(_ context.Context, _, limit int) ([]catalog.Brand, error) {
	if limit > 0 && limit < len(b.brands) {
		return b.brands[:limit], nil
	}
	return b.brands, nil
}
func (b *stubBrands) ClearCache(context.Context) error {
	b.cleared = true
	return nil
}

type noopWorker struct{}

func (noopWorker) Handle(context.Context, catalog.BrandTask) error { return nil }
func (noopWorker) RecordQueueFailure(context.Context, catalog.BrandTask, int, error) error {
	return nil
}

type harness struct {
	server   *Server
	registry *job.Registry
	queue    *stubQueue
	brands   *stubBrands
}

func newHarness(t *testing.T, cfg Config) harness {
	t.Helper()
	clock := system.New()
	subs := progress.NewBroadcaster(progress.BroadcasterConfig{}, nil)
	registry := job.NewRegistry(job.Config{}, kvmemory.NewStore(clock), clock, uuid.New(), subs)
	q := &stubQueue{}
	b := &stubBrands{}
	d := dispatcher.New(dispatcher.Config{}, registry, q, noopWorker{}, b, subs, clock)
	return harness{server: NewServer(d, cfg), registry: registry, queue: q, brands: b}
}

func (h harness) do(t *testing.T, method, path, owner, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h harness) startJob(t *testing.T, owner string) dispatcher.StartResult {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/v1/jobs", owner,
		`{"brands":{"Nike":"https://site/brand/nike-1","Adidas":"https://site/brand/adidas-2"},"storeId":"S1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var res dispatcher.StartResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func TestStartJobAccepted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	res := h.startJob(t, "U1")
	require.NotEmpty(t, res.JobID)
	require.Equal(t, 2, res.TotalBrands)
	require.Len(t, h.queue.tasks, 2)

	rec := h.do(t, http.MethodGet, "/v1/jobs/"+res.JobID, "U1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap catalog.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, catalog.JobStatusQueued, snap.Status)
	require.Equal(t, "Adidas", snap.Brands[0].Name)
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	res := h.startJob(t, "U1")

	tests := []struct {
		name   string
		method string
		path   string
		owner  string
		body   string
		want   int
	}{
		{"missing owner", http.MethodGet, "/v1/jobs/" + res.JobID, "", "", http.StatusUnauthorized},
		{"invalid json", http.MethodPost, "/v1/jobs", "U1", "{", http.StatusBadRequest},
		{"empty brands", http.MethodPost, "/v1/jobs", "U1", `{"brands":{},"storeId":"S1"}`, http.StatusBadRequest},
		{"missing store", http.MethodPost, "/v1/jobs", "U1", `{"brands":{"A":"u"}}`, http.StatusBadRequest},
		{"other owner", http.MethodGet, "/v1/jobs/" + res.JobID, "U2", "", http.StatusForbidden},
		{"unknown job", http.MethodGet, "/v1/jobs/nope", "U1", "", http.StatusNotFound},
		{"delete running job", http.MethodDelete, "/v1/jobs/" + res.JobID, "U1", "", http.StatusConflict},
		{"bad period", http.MethodGet, "/v1/jobs/stats?period=2y", "U1", "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/v1/jobs?limit=x", "U1", "", http.StatusBadRequest},
		{"all brands none found", http.MethodPost, "/v1/jobs/all-brands", "U1", `{"storeId":"S1"}`, http.StatusNotFound},
		{"bad brand page", http.MethodGet, "/v1/brands/page/zero", "", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, tt.method, tt.path, tt.owner, tt.body)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			require.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestCancelThenConflict(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	res := h.startJob(t, "U1")

	rec := h.do(t, http.MethodPost, "/v1/jobs/"+res.JobID+"/cancel", "U1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"cancelled"`)

	rec = h.do(t, http.MethodPost, "/v1/jobs/"+res.JobID+"/cancel", "U1", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodDelete, "/v1/jobs/"+res.JobID, "U1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodGet, "/v1/jobs/"+res.JobID, "U1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListDetailsAndStats(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	res := h.startJob(t, "U1")
	h.startJob(t, "U2")

	price := 59.9
	_, err := h.registry.UpdateProgress(context.Background(), res.JobID, catalog.BrandOutcome{
		BrandIndex: 0, BrandName: "Adidas", Status: catalog.BrandStatusCompleted,
		Products: []catalog.Product{{Name: "Samba", BrandName: "Adidas", CurrentPrice: &price}},
	})
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/v1/jobs?limit=5", "U1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page job.Page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, 1, page.Total)
	require.Equal(t, res.JobID, page.Jobs[0].ID)

	rec = h.do(t, http.MethodGet, "/v1/jobs/"+res.JobID+"/details", "U1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var details job.Details
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &details))
	require.Equal(t, 1, details.TotalProducts)
	require.Len(t, details.ProductsByBrand["Adidas"], 1)

	rec = h.do(t, http.MethodGet, "/v1/jobs/stats?period=all", "U1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats job.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.TotalJobs)
	require.Equal(t, 1, stats.TotalProducts)
}

func TestBrandAndQueueEndpoints(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.brands.brands = []catalog.Brand{{Name: "Nike", URL: "u1"}, {Name: "Puma", URL: "u2"}}

	rec := h.do(t, http.MethodGet, "/v1/brands", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total":2`)

	rec = h.do(t, http.MethodGet, "/v1/brands/page/1?limit=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total":1`)

	rec = h.do(t, http.MethodPost, "/v1/brands/cache/clear", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, h.brands.cleared)

	rec = h.do(t, http.MethodPost, "/v1/jobs/all-brands", "U1", `{"storeId":"S1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/queue/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"pending":2`)
}

func TestProbesAndAPIKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{APIKey: "secret"})

	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "", "").Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/readyz", "", "").Code)
	h.server.SetReady(false)
	require.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodGet, "/readyz", "", "").Code)

	metrics := h.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, metrics.Code)

	require.Equal(t, http.StatusForbidden, h.do(t, http.MethodGet, "/v1/queue/status", "", "").Code)
	req := httptest.NewRequest(http.MethodGet, "/v1/queue/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRunsUnavailableWithoutRepository(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	rec := h.do(t, http.MethodGet, "/v1/runs", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type sseEvent struct {
	name string
	data map[string]any
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var evt sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if evt.name != "" {
				return evt
			}
		case strings.HasPrefix(line, "event: "):
			evt.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt.data))
		}
	}
}

func TestEventStreamRelaysUntilComplete(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{KeepAlive: time.Hour})
	srv := httptest.NewServer(h.server.Handler())
	t.Cleanup(srv.Close)
	res := h.startJob(t, "U1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/jobs/"+res.JobID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(OwnerHeader, "U1")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first := readEvent(t, reader)
	require.Equal(t, "status", first.name)
	require.Equal(t, res.JobID, first.data["jobId"])

	bg := context.Background()
	_, err = h.registry.UpdateProgress(bg, res.JobID, catalog.BrandOutcome{
		BrandIndex: 0, BrandName: "Adidas", Status: catalog.BrandStatusCompleted,
	})
	require.NoError(t, err)
	_, err = h.registry.UpdateProgress(bg, res.JobID, catalog.BrandOutcome{
		BrandIndex: 1, BrandName: "Nike", Status: catalog.BrandStatusFailed,
		Error: &catalog.ErrorRecord{BrandName: "Nike", ErrorKind: catalog.KindHTTPStatus, Message: "404"},
	})
	require.NoError(t, err)

	require.Equal(t, "progress", readEvent(t, reader).name)
	errEvt := readEvent(t, reader)
	require.Equal(t, "error", errEvt.name)
	done := readEvent(t, reader)
	require.Equal(t, "complete", done.name)
	data, ok := done.data["data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, string(catalog.JobStatusCompleted), data["status"])
	require.InDelta(t, 50, data["successRate"], 0.001)

	// The server ends the stream after the terminal event.
	rest := new(bytes.Buffer)
	_, err = rest.ReadFrom(reader)
	require.NoError(t, err)
	require.Empty(t, strings.TrimSpace(rest.String()))
}

func TestEventStreamForFinishedJobSendsStatusOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	srv := httptest.NewServer(h.server.Handler())
	t.Cleanup(srv.Close)
	res := h.startJob(t, "U1")
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/jobs/"+res.JobID+"/cancel", "U1", "").Code)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/jobs/"+res.JobID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(OwnerHeader, "U1")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	evt := readEvent(t, reader)
	require.Equal(t, "status", evt.name)
	data := evt.data["data"].(map[string]any)
	require.Equal(t, string(catalog.JobStatusCancelled), data["status"])

	req, err = http.NewRequest(http.MethodGet, srv.URL+"/v1/jobs/"+res.JobID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(OwnerHeader, "U2")
	resp2, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusForbidden, resp2.StatusCode)
}
