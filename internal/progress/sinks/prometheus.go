package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/progress"
)

// PrometheusSink exports job-level metrics derived from the event stream.
type PrometheusSink struct {
	jobsFinished *prometheus.CounterVec
	jobsActive   prometheus.Gauge
	jobDuration  *prometheus.HistogramVec
	successRate  prometheus.Histogram
	brandEvents  *prometheus.CounterVec
	products     prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulkfetch_jobs_finished_total",
			Help: "Jobs that reached a terminal status, by status.",
		}, []string{"status"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bulkfetch_jobs_active",
			Help: "Jobs that reported brands and have not finished.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bulkfetch_job_duration_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"status"}),
		successRate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bulkfetch_job_success_rate_percent",
			Help:    "Share of successful brands per finished job.",
			Buckets: []float64{0, 25, 50, 75, 90, 100},
		}),
		brandEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulkfetch_job_brand_events_total",
			Help: "Brand results reported to job subscribers, by event kind.",
		}, []string{"kind"}),
		products: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulkfetch_job_products_reported_total",
			Help: "Products carried by progress events.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsFinished,
		s.jobsActive,
		s.jobDuration,
		s.successRate,
		s.brandEvents,
		s.products,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register job collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindProgress:
			s.brandEvents.WithLabelValues(string(evt.Kind)).Inc()
			s.products.Add(float64(len(evt.Progress.Products)))
			s.markActive(evt.JobID)
		case progress.KindError:
			s.brandEvents.WithLabelValues(string(evt.Kind)).Inc()
			s.markActive(evt.JobID)
		case progress.KindComplete:
			status := string(evt.Complete.Status)
			s.jobsFinished.WithLabelValues(status).Inc()
			s.jobDuration.WithLabelValues(status).Observe(float64(evt.Complete.DurationMs) / 1000)
			s.successRate.Observe(float64(evt.Complete.SuccessRate))
			s.markDone(evt.JobID)
		case progress.KindCancelled:
			s.jobsFinished.WithLabelValues(string(evt.Kind)).Inc()
			s.markDone(evt.JobID)
		}
	}
	return nil
}

func (s *PrometheusSink) markActive(jobID string) {
	if s.tracker.start(jobID) {
		s.jobsActive.Inc()
	}
}

func (s *PrometheusSink) markDone(jobID string) {
	if s.tracker.complete(jobID) {
		s.jobsActive.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
