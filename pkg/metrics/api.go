package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// APIMetrics contains Prometheus metrics for the provisioning and export HTTP API.
type APIMetrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	HTTPResponseSize     *prometheus.HistogramVec
	TemplateRenderTime   *prometheus.HistogramVec
	TemplateRenderErrors *prometheus.CounterVec
	ExportsTotal         *prometheus.CounterVec
}

// NewAPIMetrics creates and registers HTTP API metrics.
func NewAPIMetrics(namespace string) *APIMetrics {
	m := &APIMetrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "response_size_bytes",
				Help:      "Size of HTTP responses",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		TemplateRenderTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "template",
				Name:      "render_duration_seconds",
				Help:      "Duration of template rendering",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05},
			},
			[]string{"template"},
		),
		TemplateRenderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "template",
				Name:      "render_errors_total",
				Help:      "Total number of template rendering errors",
			},
			[]string{"template"},
		),
		ExportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "export",
				Name:      "requests_total",
				Help:      "Total number of database exports",
			},
			[]string{"format", "status"},
		),
	}

	MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.HTTPResponseSize,
		m.TemplateRenderTime,
		m.TemplateRenderErrors,
		m.ExportsTotal,
	)

	return m
}
