package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/config"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/id/uuid"
	queuememory "github.com/JakeFAU/bulk-brand-fetcher/internal/queue/memory"
)

func testConfig(t *testing.T, siteURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Site.BaseURL = siteURL
	cfg.Queue.TaskDelayMs = 0
	cfg.Worker.MaxRetries = 0
	cfg.Scraper.PageDelayMs = 0
	cfg.HTTP.TimeoutSeconds = 5
	cfg.HTTP.InsecureSkipVerify = false
	return cfg
}

func buildTestApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	app, err := build(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })
	return app
}

func TestBuildServesProbes(t *testing.T) {
	t.Parallel()
	app := buildTestApp(t, testConfig(t, "http://127.0.0.1:1"))

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rr.Code, path)
	}

	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestBuildRequiresAPIKeyWhenAuthEnabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "s3cret"
	app := buildTestApp(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue/status", nil)
	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/queue/status", nil)
	req.Header.Set("X-API-Key", "s3cret")
	rr = httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestBuildWithLocalArchive(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Archive.Provider = "local"
	cfg.Archive.Dir = t.TempDir()
	app := buildTestApp(t, cfg)
	require.NotNil(t, app.dispatch)
}

func TestBuildFailsWhenRedisIsUnreachable(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.KV.Provider = "redis"
	cfg.KV.Redis.Addr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := build(ctx, cfg, zap.NewNop(), prometheus.NewRegistry())
	require.Error(t, err)
	require.Contains(t, err.Error(), "kv store init failed")
}

func TestBuildWithHeadlessDoesNotLaunchBrowser(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Headless.Enabled = true
	app := buildTestApp(t, cfg)
	require.NotNil(t, app.headless)
}

func TestJobRunsToTerminalStatus(t *testing.T) {
	t.Parallel()
	site := httptest.NewServer(http.NotFoundHandler())
	defer site.Close()

	app := buildTestApp(t, testConfig(t, site.URL))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = app.dispatch.Run(ctx) }()

	body := `{"brands":{"acme":"` + site.URL + `/brands/acme"},"storeId":"store-1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	req.Header.Set("X-User-ID", "user-1")
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var started struct {
		JobID       string `json:"jobId"`
		TotalBrands int    `json:"totalBrands"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &started))
	require.Equal(t, 1, started.TotalBrands)

	var job catalog.Job
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+started.JobID, nil)
		req.Header.Set("X-User-ID", "user-1")
		rr := httptest.NewRecorder()
		app.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &job); err != nil {
			return false
		}
		return job.Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, 1, job.ProcessedBrands)
}

func TestAddrHonorsPortOverride(t *testing.T) {
	app := &App{cfg: config.Config{Server: config.ServerConfig{Port: 8080}}}
	t.Setenv("PORT", "9090")
	require.Equal(t, ":9090", app.Addr())
	t.Setenv("PORT", "")
	require.Equal(t, ":8080", app.Addr())
}

func TestDefaultQueuePolicyAllowsThreeAttempts(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("")
	require.NoError(t, err)

	policy := queueRetryPolicy(cfg.Queue)
	require.Equal(t, 2, policy.MaxRetries)
	require.Zero(t, policy.Backoff(0))
	require.Zero(t, policy.Backoff(5))

	q := queuememory.New(queuememory.Config{Retry: policy}, uuid.New(), nil)
	t.Cleanup(func() { _ = q.Close(context.Background()) })

	var calls atomic.Int32
	require.NoError(t, q.Consume("bulk", func(context.Context, queuememory.Envelope) error {
		calls.Add(1)
		return errors.New("site down")
	}))
	dropped := make(chan int, 1)
	q.OnFailure(func(_ context.Context, env queuememory.Envelope, _ error) { dropped <- env.Retries })

	_, err = q.Publish(context.Background(), "bulk", catalog.BrandTask{JobID: "j1", BrandName: "Nike"})
	require.NoError(t, err)

	select {
	case retries := <-dropped:
		require.Equal(t, 2, retries)
	case <-time.After(2 * time.Second):
		t.Fatal("task was never dropped")
	}
	require.EqualValues(t, 3, calls.Load())
}
