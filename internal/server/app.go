// Package server builds the bulk-fetch dependency graph from configuration and
// runs it until the process is asked to stop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/api"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/clock/system"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/config"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/bulk-brand-fetcher/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/bulk-brand-fetcher/internal/fetcher/headless"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/fetcher/promote"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/headless/detector"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/id/uuid"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/job"
	kvmemory "github.com/JakeFAU/bulk-brand-fetcher/internal/kv/memory"
	kvredis "github.com/JakeFAU/bulk-brand-fetcher/internal/kv/redis"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/logging"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/policy/ratelimit"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/progress"
	progresssinks "github.com/JakeFAU/bulk-brand-fetcher/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/bulk-brand-fetcher/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/bulk-brand-fetcher/internal/publisher/pubsub"
	redispublisher "github.com/JakeFAU/bulk-brand-fetcher/internal/publisher/redis"
	queuememory "github.com/JakeFAU/bulk-brand-fetcher/internal/queue/memory"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/scraper/brand"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/scraper/product"
	gcsstorage "github.com/JakeFAU/bulk-brand-fetcher/internal/storage/gcs"
	localstorage "github.com/JakeFAU/bulk-brand-fetcher/internal/storage/local"
	memorystorage "github.com/JakeFAU/bulk-brand-fetcher/internal/storage/memory"
	pgstore "github.com/JakeFAU/bulk-brand-fetcher/internal/storage/postgres"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/store"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/telemetry"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer   *api.Server
	dispatch    *dispatcher.Dispatcher
	queue       *queuememory.TaskQueue
	broadcaster *progress.Broadcaster

	redis     *goredis.Client
	pubsub    *gcppublisher.Publisher
	gcs       *gcsstorage.BlobStore
	runStore  *pgstore.RunStore
	headless  *headlessfetcher.Fetcher
	tracer    *sdktrace.TracerProvider
	registry  prometheus.Registerer
	closeOnce sync.Once
}

// Build creates the application's dependencies. Collectors of the job metrics
// sink are registered with the default Prometheus registry.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (_ *App, err error) {
	app := &App{cfg: cfg, logger: logging.OrNop(logger), registry: reg}
	defer func() {
		if err != nil {
			app.Close(context.Background())
		}
	}()
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("kv", cfg.KV.Provider),
		zap.String("deadletter", cfg.DeadLetter.Provider),
		zap.String("archive", cfg.Archive.Provider),
		zap.Bool("db", cfg.DB.DSN != ""),
	)

	if err = app.setupTracing(ctx); err != nil {
		return nil, err
	}
	clock := system.New()
	ids := uuid.New()

	kv, err := app.setupKV(ctx, clock)
	if err != nil {
		return nil, err
	}
	deadLetters, err := app.setupDeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	archive, err := app.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	runs, err := app.setupDatabase(ctx)
	if err != nil {
		return nil, err
	}
	sinkHub, err := app.setupProgress(ctx, runs)
	if err != nil {
		return nil, err
	}
	app.broadcaster = progress.NewBroadcaster(progress.BroadcasterConfig{Logger: app.logger}, sinkHub)

	registry := job.NewRegistry(job.Config{
		Archive:       archive,
		ArchivePrefix: cfg.Archive.Prefix,
		Logger:        app.logger,
	}, kv, clock, ids, app.broadcaster)

	fetcher, err := app.setupFetcher()
	if err != nil {
		return nil, err
	}
	brands := brand.New(brand.Config{
		BaseURL:       cfg.Site.BaseURL,
		BrandsPath:    cfg.Site.BrandsPath,
		FallbackPages: cfg.Scraper.FallbackPages,
		BatchSize:     cfg.Scraper.BatchSize,
		CacheTTL:      cfg.CacheTTL(),
	}, fetcher, kv, clock, app.logger)
	products := product.New(product.Config{
		BaseURL:   cfg.Site.BaseURL,
		Currency:  cfg.Site.Currency,
		MaxPages:  cfg.Scraper.MaxPages,
		PageDelay: time.Duration(cfg.Scraper.PageDelayMs) * time.Millisecond,
		MaxImages: cfg.Scraper.MaxImages,
	}, fetcher, clock, clock, app.logger)

	app.queue = queuememory.New(queuememory.Config{
		TaskDelay:   time.Duration(cfg.Queue.TaskDelayMs) * time.Millisecond,
		Retry:       queueRetryPolicy(cfg.Queue),
		BaseContext: ctx,
	}, ids, app.logger)

	w := worker.New(worker.Config{
		Retry: catalog.NewRetryPolicy(
			cfg.Worker.MaxRetries,
			time.Duration(cfg.Worker.BackoffBaseSeconds)*time.Second,
			time.Duration(cfg.Worker.BackoffMaxSeconds)*time.Second,
		),
		TaskTimeout:     cfg.TaskTimeout(),
		DeadLetterTopic: cfg.DeadLetter.Topic,
	}, products, registry, deadLetters, clock, app.logger)
	app.logger.Info("worker config",
		zap.Int("max_retries", cfg.Worker.MaxRetries),
		zap.Duration("task_timeout", cfg.TaskTimeout()),
		zap.String("dead_letter_topic", cfg.DeadLetter.Topic),
	)

	app.dispatch = dispatcher.New(dispatcher.Config{
		QueueName:       cfg.Queue.Name,
		Retention:       cfg.Retention(),
		CleanupInterval: time.Duration(cfg.Jobs.CleanupIntervalMinutes) * time.Minute,
		Logger:          app.logger,
	}, registry, app.queue, w, brands, app.broadcaster, clock)

	apiCfg := api.Config{Logger: app.logger}
	if cfg.Auth.Enabled {
		apiCfg.APIKey = cfg.Auth.APIKey
	}
	// A nil *RunStore must not reach the interface field.
	if runs != nil {
		apiCfg.Runs = runs
	}
	app.apiServer = api.NewServer(app.dispatch, apiCfg)
	return app, nil
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Tracing.ServiceName,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracer = tp
	a.logger.Info("tracing enabled", zap.Float64("sample_ratio", a.cfg.Tracing.SampleRatio))
	return nil
}

// redisClient dials the shared Redis client on first use.
func (a *App) redisClient(ctx context.Context) (*goredis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	rc := a.cfg.KV.Redis
	client := goredis.NewClient(&goredis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", rc.Addr, err)
	}
	a.redis = client
	return client, nil
}

func (a *App) setupKV(ctx context.Context, clock catalog.Clock) (catalog.KVStore, error) {
	if a.cfg.KV.Provider != "redis" {
		a.logger.Info("using in-memory kv store")
		return kvmemory.NewStore(clock), nil
	}
	client, err := a.redisClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("kv store init failed: %w", err)
	}
	a.logger.Info("using redis kv store", zap.String("addr", a.cfg.KV.Redis.Addr))
	return kvredis.NewWithClient(client, a.cfg.KV.Prefix), nil
}

func (a *App) setupDeadLetters(ctx context.Context) (catalog.Publisher, error) {
	switch a.cfg.DeadLetter.Provider {
	case "pubsub":
		pub, err := gcppublisher.New(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.pubsub = pub
		a.logger.Info("Pub/Sub dead-letter publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.DeadLetter.Topic),
		)
		return pub, nil
	case "redis":
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("dead-letter publisher init failed: %w", err)
		}
		a.logger.Info("using redis dead-letter lists", zap.String("prefix", a.cfg.KV.Prefix))
		return redispublisher.New(client, a.cfg.KV.Prefix+"deadletter:"), nil
	default:
		a.logger.Warn("No dead-letter backend configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
}

func (a *App) setupArchive(ctx context.Context) (catalog.BlobStore, error) {
	switch a.cfg.Archive.Provider {
	case "gcs":
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.gcs = blobs
		a.logger.Info("archiving finished jobs to GCS", zap.String("bucket", a.cfg.Archive.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Dir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving finished jobs to disk", zap.String("dir", a.cfg.Archive.Dir))
		return blobs, nil
	case "memory":
		a.logger.Info("archiving finished jobs in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupDatabase(ctx context.Context) (*pgstore.RunStore, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("No DSN specified for database, skipping run history")
		return nil, nil
	}
	runs, err := pgstore.NewRunStore(ctx, pgstore.RunStoreConfig{
		DSN:      a.cfg.DB.DSN,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("run store init failed: %w", err)
	}
	a.runStore = runs
	if err := runs.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	a.logger.Info("run store initialized")
	return runs, nil
}

func (a *App) setupProgress(ctx context.Context, runs *pgstore.RunStore) (*progress.Hub, error) {
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	}
	if runs != nil {
		var repo store.RunRepository = runs
		sinkList = append(sinkList, progresssinks.NewStoreSink(repo, a.logger.Named("progress_store")))
		a.logger.Debug("Added run store sink")
	}
	return progress.NewHub(progress.Config{BaseContext: ctx, Logger: a.logger}, sinkList...), nil
}

func (a *App) setupFetcher() (catalog.Fetcher, error) {
	limiter := ratelimit.New(ratelimit.Config{
		RatePerSecond: a.cfg.HTTP.RatePerSecond,
		Burst:         a.cfg.HTTP.Burst,
	})
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:          a.cfg.HTTP.UserAgent,
		Timeout:            a.cfg.RequestTimeout(),
		MaxConnections:     a.cfg.HTTP.MaxConnections,
		InsecureSkipVerify: a.cfg.HTTP.InsecureSkipVerify,
		Limiter:            limiter,
	})
	a.logger.Info("using colly fetcher",
		zap.Int("max_connections", a.cfg.HTTP.MaxConnections),
		zap.Float64("rate_per_second", a.cfg.HTTP.RatePerSecond),
	)
	if !a.cfg.Headless.Enabled {
		return probe, nil
	}
	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.HTTP.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.headless = headless
	a.logger.Info("headless promotion enabled",
		zap.Int("max_parallel", a.cfg.Headless.MaxParallel),
		zap.Int("min_visible_text", a.cfg.Headless.MinVisibleText),
	)
	return promote.New(probe, headless, detector.NewHeuristic(a.cfg.Headless.MinVisibleText), a.logger), nil
}

// Handler exposes the HTTP handler; tests drive it without a listener.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Addr is the listen address. PORT overrides server.port.
func (a *App) Addr() string {
	if p, err := strconv.Atoi(os.Getenv("PORT")); err == nil && p > 0 {
		return fmt.Sprintf(":%d", p)
	}
	return fmt.Sprintf(":%d", a.cfg.Server.Port)
}

// Run serves HTTP and processes brand tasks until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started")
		if err := a.dispatch.Run(ctx); err != nil {
			a.logger.Error("dispatcher stopped", zap.Error(err))
			stop()
		}
	}()

	srv := &http.Server{
		Addr:              a.Addr(),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	a.apiServer.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-dispatchDone
	a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close drains the queue and releases every backend. Later calls do nothing.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() { a.close(ctx) })
}

func (a *App) close(ctx context.Context) {
	if a.queue != nil {
		if err := a.queue.Close(ctx); err != nil {
			a.logger.Warn("task queue close failed", zap.Error(err))
		}
	}
	if a.broadcaster != nil {
		if err := a.broadcaster.Close(ctx); err != nil {
			a.logger.Warn("progress pipeline close failed", zap.Error(err))
		}
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.runStore != nil {
		a.runStore.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// queueRetryPolicy requeues failed tasks immediately; backoff belongs to the
// worker's scrape loop. MaxRetries counts requeues, so attempts are MaxRetries+1.
func queueRetryPolicy(cfg config.QueueConfig) catalog.RetryPolicy {
	return catalog.NewRetryPolicy(cfg.MaxRetries, 0, 0)
}
