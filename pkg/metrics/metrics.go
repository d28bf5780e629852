// Package metrics defines the Prometheus collectors of every MIRRA component and the
// registry they are exposed from.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every MIRRA metric name.
const Namespace = "mirra"

// Registry holds the runtime collectors and every collector created by a New*Metrics
// constructor. Constructors panic when called twice in one process.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewBuildInfoCollector(),
	)
}

// Handler serves Registry, counting its own scrapes.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          Registry,
	}))
}

// MustRegister registers collectors with Registry and panics on conflicts.
func MustRegister(collectors ...prometheus.Collector) {
	Registry.MustRegister(collectors...)
}
