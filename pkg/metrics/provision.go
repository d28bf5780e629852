package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ProvisionMetrics contains Prometheus metrics for gateway provisioning and the
// broker credential file.
type ProvisionMetrics struct {
	CodesIssued         prometheus.Counter
	CodesExpired        prometheus.Counter
	Verifications       *prometheus.CounterVec
	PendingCodes        prometheus.Gauge
	CredentialMutations *prometheus.CounterVec
	BrokerReloads       *prometheus.CounterVec
}

// NewProvisionMetrics creates and registers provisioning metrics.
func NewProvisionMetrics(namespace string) *ProvisionMetrics {
	m := &ProvisionMetrics{
		CodesIssued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provision",
				Name:      "codes_issued_total",
				Help:      "Total number of access codes issued",
			},
		),
		CodesExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provision",
				Name:      "codes_expired_total",
				Help:      "Total number of access codes evicted by expiry",
			},
		),
		Verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provision",
				Name:      "verifications_total",
				Help:      "Total number of access code verifications",
			},
			[]string{"result"}, // result: success, mismatch, not_found, error
		),
		PendingCodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "provision",
				Name:      "pending_codes",
				Help:      "Number of access codes waiting for verification",
			},
		),
		CredentialMutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "credentials",
				Name:      "mutations_total",
				Help:      "Total number of credential file mutations",
			},
			[]string{"operation", "status"}, // operation: set, remove, update
		),
		BrokerReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "credentials",
				Name:      "broker_reloads_total",
				Help:      "Total number of broker reload signals",
			},
			[]string{"status"},
		),
	}

	MustRegister(
		m.CodesIssued,
		m.CodesExpired,
		m.Verifications,
		m.PendingCodes,
		m.CredentialMutations,
		m.BrokerReloads,
	)

	return m
}
