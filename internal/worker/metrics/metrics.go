package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ocr"

// Metrics holds the worker collectors. A nil *Metrics is valid and records
// nothing, so components can take one unconditionally.
type Metrics struct {
	registry *prometheus.Registry

	jobsTotal     *prometheus.CounterVec
	retriesTotal  *prometheus.CounterVec
	deadLettered  *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	eventsDropped prometheus.Counter
	eventsFailed  prometheus.Counter
	inFlight      prometheus.Gauge
	jobDuration   *prometheus.HistogramVec
	pagesPerJob   prometheus.Histogram
	pageDuration  *prometheus.HistogramVec
}

// New registers the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs finished by this worker, by outcome and error kind.",
		}, []string{"outcome", "error_kind"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Jobs republished for delayed redelivery.",
		}, []string{"error_kind"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dead_lettered_total",
			Help:      "Jobs routed to the quarantine queue.",
		}, []string{"reason"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_duplicates_total",
			Help:      "Deliveries short-circuited by the idempotency tracker.",
		}, []string{"outcome"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Lifecycle events dropped because the buffer was full.",
		}),
		eventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "Lifecycle events that could not be delivered after retries.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being processed.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of one processing attempt.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		pagesPerJob: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_pages",
			Help:      "Pages produced per completed job.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "page_inference_seconds",
			Help:      "Inference latency per page.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"engine"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsTotal,
		m.retriesTotal,
		m.deadLettered,
		m.duplicates,
		m.eventsDropped,
		m.eventsFailed,
		m.inFlight,
		m.jobDuration,
		m.pagesPerJob,
		m.pageDuration,
	)
	return m
}

// Handler serves the registry in the text exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// JobFinished records one attempt. errorKind is empty for completed jobs.
func (m *Metrics) JobFinished(outcome, errorKind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.jobsTotal.WithLabelValues(outcome, errorKind).Inc()
	m.jobDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) PagesProcessed(pages int) {
	if m == nil {
		return
	}
	m.pagesPerJob.Observe(float64(pages))
}

func (m *Metrics) PageInferred(engine string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pageDuration.WithLabelValues(engine).Observe(elapsed.Seconds())
}

func (m *Metrics) Retried(errorKind string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(errorKind).Inc()
}

func (m *Metrics) DeadLettered(reason string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(reason).Inc()
}

func (m *Metrics) Duplicate(outcome string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) EventFailed() {
	if m == nil {
		return
	}
	m.eventsFailed.Inc()
}
