// Package metrics exposes Prometheus counters for remediation, LLM and webhook activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace is the Prometheus namespace for every metric
const Namespace = "incident_copilot"

// Metrics owns a private registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	remediations    *prometheus.CounterVec
	llmRequests     *prometheus.CounterVec
	llmDuration     *prometheus.HistogramVec
	webhookEvents   *prometheus.CounterVec
	incidentsOpened prometheus.Counter
}

// New creates and registers every collector
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		remediations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "remediation",
			Name:      "attempts_total",
			Help:      "Remediation attempts by outcome code.",
		}, []string{"outcome"}),

		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "LLM requests by provider, operation and status.",
		}, []string{"provider", "operation", "status"}),

		llmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "Histogram of LLM request latencies in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"provider"}),

		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "GitLab webhook deliveries by outcome.",
		}, []string{"outcome"}),

		incidentsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "incident",
			Name:      "opened_total",
			Help:      "Incidents created from failed pipelines.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.remediations,
		m.llmRequests,
		m.llmDuration,
		m.webhookEvents,
		m.incidentsOpened,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveRemediation counts one attempt. outcome is "success" or an error code.
func (m *Metrics) ObserveRemediation(outcome string) {
	if m == nil {
		return
	}
	m.remediations.WithLabelValues(outcome).Inc()
}

// ObserveLLM records one provider call
func (m *Metrics) ObserveLLM(provider, operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(provider, operation, status).Inc()
	m.llmDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveWebhook counts one webhook delivery
func (m *Metrics) ObserveWebhook(outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(outcome).Inc()
}

// IncidentOpened counts a created incident
func (m *Metrics) IncidentOpened() {
	if m == nil {
		return
	}
	m.incidentsOpened.Inc()
}
