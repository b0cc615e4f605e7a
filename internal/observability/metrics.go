package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const namespace = "kestrel"

// Metrics holds the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	decisions        *prometheus.CounterVec
	scoringFailures  prometheus.Counter
	logWriteFailures *prometheus.CounterVec
	logWriteRetries  *prometheus.CounterVec
	scoringDuration  prometheus.Histogram
	httpDuration     *prometheus.HistogramVec
	workerProcessed  *prometheus.CounterVec
}

// NewMetrics creates the collectors on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Scored transactions by decision.",
		}, []string{"decision"}),
		scoringFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scoring_failures_total",
			Help:      "Requests that failed because no score could be produced.",
		}),
		logWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_write_failures_total",
			Help:      "Transaction log writes that failed after all retries.",
		}, []string{"stage"}),
		logWriteRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_write_retries_total",
			Help:      "Retried transaction log write attempts.",
		}, []string{"stage"}),
		scoringDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scoring_duration_seconds",
			Help:      "Time spent in the scoring collaborator.",
			Buckets:   prometheus.DefBuckets,
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		workerProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_messages_total",
			Help:      "Messages handled by the async worker by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.decisions,
		m.scoringFailures,
		m.logWriteFailures,
		m.logWriteRetries,
		m.scoringDuration,
		m.httpDuration,
		m.workerProcessed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveDecision(d domain.Decision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(d)).Inc()
}

func (m *Metrics) ObserveScoringFailure() {
	if m == nil {
		return
	}
	m.scoringFailures.Inc()
}

func (m *Metrics) ObserveScoring(d time.Duration) {
	if m == nil {
		return
	}
	m.scoringDuration.Observe(d.Seconds())
}

// ObserveLogWriteFailure counts an exhausted write; stage is "transaction" or "flag".
func (m *Metrics) ObserveLogWriteFailure(stage string) {
	if m == nil {
		return
	}
	m.logWriteFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveLogWriteRetry(stage string) {
	if m == nil {
		return
	}
	m.logWriteRetries.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

func (m *Metrics) ObserveWorker(outcome string) {
	if m == nil {
		return
	}
	m.workerProcessed.WithLabelValues(outcome).Inc()
}
