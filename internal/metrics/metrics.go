// Package metrics exposes Prometheus collectors for the bulk-fetch service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesFetchedTotal          *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	brandTasksTotal            *prometheus.CounterVec
	brandRetriesTotal          prometheus.Counter
	brandScrapeSeconds         *prometheus.HistogramVec
	deadLettersTotal           prometheus.Counter
	productsScrapedTotal       prometheus.Counter
	queueDepth                 *prometheus.GaugeVec
	queueTaskFailuresTotal     *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	brandCacheTotal            *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkfetch_pages_fetched_total",
				Help: "Pages fetched, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkfetch_fetch_bytes_total",
				Help: "Bytes downloaded, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkfetch_http_requests_total",
				Help: "API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bulkfetch_http_request_duration_seconds",
				Help:    "API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		brandTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkfetch_brand_tasks_total",
				Help: "Brand tasks finished, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		brandRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bulkfetch_brand_retries_total",
				Help: "Brand task retries scheduled by the worker.",
			},
		)

		brandScrapeSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bulkfetch_brand_scrape_duration_seconds",
				Help:    "Wall time per brand task, labeled by outcome.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 240, 600, 1200},
			},
			[]string{"outcome"},
		)

		deadLettersTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bulkfetch_dead_letters_total",
				Help: "Brand tasks routed to the dead-letter sink.",
			},
		)

		productsScrapedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bulkfetch_products_scraped_total",
				Help: "Products recorded against jobs.",
			},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bulkfetch_queue_depth",
				Help: "Pending tasks per named queue.",
			},
			[]string{"queue"},
		)

		queueTaskFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkfetch_queue_task_failures_total",
				Help: "Tasks dropped by the queue after exhausting retries.",
			},
			[]string{"queue"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bulkfetch_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the fetch rate limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		brandCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkfetch_brand_cache_total",
				Help: "Brand directory cache lookups, labeled by result.",
			},
			[]string{"result"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch records one page fetch.
func ObserveFetch(site string, ok bool, bytesFetched int) {
	Init()
	result := "ok"
	if !ok {
		result = "error"
	}
	s := SanitizeSite(site)
	pagesFetchedTotal.WithLabelValues(s, result).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(s).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveBrandTask records a finished brand task.
func ObserveBrandTask(outcome string, duration time.Duration) {
	Init()
	brandTasksTotal.WithLabelValues(outcome).Inc()
	brandScrapeSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveBrandRetry counts a scheduled brand retry.
func ObserveBrandRetry() {
	Init()
	brandRetriesTotal.Inc()
}

// ObserveDeadLetter counts a dead-lettered brand task.
func ObserveDeadLetter() {
	Init()
	deadLettersTotal.Inc()
}

// ObserveProducts adds n recorded products.
func ObserveProducts(n int) {
	Init()
	if n > 0 {
		productsScrapedTotal.Add(float64(n))
	}
}

// SetQueueDepth publishes the pending count of a named queue.
func SetQueueDepth(queue string, depth int) {
	Init()
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// ObserveQueueTaskFailure counts a task dropped by the queue.
func ObserveQueueTaskFailure(queue string) {
	Init()
	queueTaskFailuresTotal.WithLabelValues(queue).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveBrandCache records a brand cache hit or miss.
func ObserveBrandCache(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	brandCacheTotal.WithLabelValues(result).Inc()
}
