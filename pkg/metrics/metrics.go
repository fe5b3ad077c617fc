// Package metrics exposes the generator-call statistics and queue gauges to
// Prometheus for operator dashboards.
package metrics

import (
	"github.com/docarena/docarena/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the registered collectors.
type Metrics struct {
	CallsTotal      prometheus.Gauge
	CallsSuccessful prometheus.Gauge
	CallsFailed     prometheus.Gauge
	CallRetries     prometheus.Gauge

	QueueDepth prometheus.Gauge
	ActiveRuns prometheus.Gauge
}

// New creates and registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docarena",
			Name:      "generator_calls_total",
			Help:      "Total generator-layer calls for the current run.",
		}),
		CallsSuccessful: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docarena",
			Name:      "generator_calls_successful",
			Help:      "Successful generator-layer calls for the current run.",
		}),
		CallsFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docarena",
			Name:      "generator_calls_failed",
			Help:      "Failed generator-layer calls for the current run.",
		}),
		CallRetries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docarena",
			Name:      "generator_call_retries",
			Help:      "Generator-layer retry attempts for the current run.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docarena",
			Name:      "run_queue_depth",
			Help:      "Pending runs waiting for a worker.",
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docarena",
			Name:      "active_runs",
			Help:      "Runs currently being processed by this pod.",
		}),
	}

	reg.MustRegister(
		m.CallsTotal,
		m.CallsSuccessful,
		m.CallsFailed,
		m.CallRetries,
		m.QueueDepth,
		m.ActiveRuns,
	)
	return m
}

// RecordCallStats mirrors a call-stats snapshot into the gauges.
func (m *Metrics) RecordCallStats(s models.CallStatsSnapshot) {
	m.CallsTotal.Set(float64(s.TotalCalls))
	m.CallsSuccessful.Set(float64(s.SuccessfulCalls))
	m.CallsFailed.Set(float64(s.FailedCalls))
	m.CallRetries.Set(float64(s.Retries))
}
