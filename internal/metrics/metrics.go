// Package metrics exposes Prometheus instrumentation for the ledger.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors registered for the reconciler and API. A nil
// *Metrics is valid and records nothing, so wiring stays optional in tests.
type Metrics struct {
	TradesImported      prometheus.Counter
	PositionsRecomputed prometheus.Counter
	ReconcileDuration   prometheus.Histogram
	APIRequests         *prometheus.CounterVec
}

// New creates and registers the ledger collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TradesImported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_trades_imported_total",
			Help: "Trades appended to the ledger by import batches.",
		}),
		PositionsRecomputed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_positions_recomputed_total",
			Help: "Simple positions created by round-trip segmentation.",
		}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_reconcile_duration_seconds",
			Help:    "Wall time of import reconciliation passes.",
			Buckets: prometheus.DefBuckets,
		}),
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_api_requests_total",
			Help: "API requests by route and status class.",
		}, []string{"route", "status"}),
	}
	reg.MustRegister(m.TradesImported, m.PositionsRecomputed, m.ReconcileDuration, m.APIRequests)
	return m
}

// ObserveImport records one import batch.
func (m *Metrics) ObserveImport(imported int, d time.Duration) {
	if m == nil {
		return
	}
	m.TradesImported.Add(float64(imported))
	m.ReconcileDuration.Observe(d.Seconds())
}

// AddRecomputed records simple positions produced by a reconcile pass.
func (m *Metrics) AddRecomputed(n int) {
	if m == nil {
		return
	}
	m.PositionsRecomputed.Add(float64(n))
}

// CountRequest records one API request.
func (m *Metrics) CountRequest(route, status string) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(route, status).Inc()
}
