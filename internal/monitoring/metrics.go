// Package monitoring publishes pipeline metrics and evaluates SLA targets
// against the job and review stores.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide metric set. Everything registers against a
// private registry so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	DocsProcessed     *prometheus.CounterVec
	ProcessingSeconds prometheus.Histogram
	ProcessingErrors  prometheus.Counter
	ReviewQueueDepth  prometheus.Gauge
	SLABreaches       *prometheus.CounterVec
	SLACurrentValue   *prometheus.GaugeVec
	SLAIsBreaching    *prometheus.GaugeVec
}

// NewMetrics builds and registers the docket metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		DocsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_docs_processed_total",
			Help: "Documents processed, labelled by terminal status.",
		}, []string{"status"}),
		ProcessingSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "docket_doc_processing_seconds",
			Help:    "End-to-end document processing latency in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		ProcessingErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "docket_doc_processing_errors_total",
			Help: "Pipeline runs that failed after exhausting retries.",
		}),
		ReviewQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "docket_review_queue_depth",
			Help: "Review items currently pending.",
		}),
		SLABreaches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_sla_breaches_total",
			Help: "SLA evaluations that found the target breaching.",
		}, []string{"sla"}),
		SLACurrentValue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docket_sla_current_value",
			Help: "Most recent computed value per SLA target.",
		}, []string{"sla"}),
		SLAIsBreaching: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docket_sla_is_breaching",
			Help: "Whether the SLA target is currently breaching (0 or 1).",
		}, []string{"sla"}),
	}
}

// Handler serves this metric set in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
