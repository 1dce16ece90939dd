package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricEventsRecorded    = "tracking_events_recorded_total"
	MetricEventsFailed      = "tracking_events_failed_total"
	MetricRedirects         = "affiliate_redirects_total"
	MetricConversionRevenue = "conversion_revenue_cents_total"
)

// Redirect outcomes.
const (
	RedirectRecorded   = "recorded"
	RedirectUnrecorded = "unrecorded" // redirect served but the click was not persisted
	RedirectNotFound   = "not_found"
)

// Metrics contains Prometheus metrics for event ingestion.
type Metrics struct {
	recorded  *prometheus.CounterVec
	failed    *prometheus.CounterVec
	redirects *prometheus.CounterVec
	revenue   prometheus.Counter
}

// NewMetrics creates unregistered ingestion metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		recorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricEventsRecorded,
				Help: "Total number of tracking events recorded by type",
			},
			[]string{"event_type"},
		),
		failed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricEventsFailed,
				Help: "Total number of tracking events rejected or lost by reason",
			},
			[]string{"reason"},
		),
		redirects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRedirects,
				Help: "Total number of affiliate redirects by outcome",
			},
			[]string{"outcome"},
		),
		revenue: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricConversionRevenue,
				Help: "Total conversion revenue recorded, in cents",
			},
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
	return []prometheus.Collector{m.recorded, m.failed, m.redirects, m.revenue}
}

func (m *Metrics) incRecorded(eventType string) {
	if m != nil {
		m.recorded.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) incFailed(reason string) {
	if m != nil {
		m.failed.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) incRedirect(outcome string) {
	if m != nil {
		m.redirects.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) addRevenue(cents int64) {
	if m != nil && cents > 0 {
		m.revenue.Add(float64(cents))
	}
}
