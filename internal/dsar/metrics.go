package dsar

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricConsentChanges = "consent_changes_total"
	MetricOperations     = "dsar_operations_total"
)

// Operation outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics contains Prometheus metrics for the consent and DSAR ledger.
type Metrics struct {
	consentChanges *prometheus.CounterVec
	operations     *prometheus.CounterVec
}

// NewMetrics creates unregistered ledger metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		consentChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricConsentChanges,
				Help: "Total number of consent assertions by type and resulting status",
			},
			[]string{"consent_type", "status"},
		),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricOperations,
				Help: "Total number of data subject operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.consentChanges, m.operations}
}

func (m *Metrics) incConsent(consentType, status string) {
	if m != nil {
		m.consentChanges.WithLabelValues(consentType, status).Inc()
	}
}

func (m *Metrics) observe(operation string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	switch {
	case err == nil:
	case isRejection(err):
		outcome = OutcomeRejected
	default:
		outcome = OutcomeError
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}
