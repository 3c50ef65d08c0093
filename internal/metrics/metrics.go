// Package metrics exposes the sync pipeline's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	webhooks     *prometheus.CounterVec
	syncPasses   *prometheus.CounterVec
	syncDuration prometheus.Histogram
	rowsApplied  *prometheus.CounterVec
	sweeps       *prometheus.CounterVec
	cleanups     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finsync",
			Name:      "webhooks_total",
			Help:      "Webhook deliveries by outcome.",
		}, []string{"outcome"}),
		syncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finsync",
			Name:      "sync_passes_total",
			Help:      "Item sync passes by trigger and resulting status.",
		}, []string{"trigger", "status"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "finsync",
			Name:      "sync_pass_duration_seconds",
			Help:      "Duration of item sync passes.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		rowsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finsync",
			Name:      "transaction_rows_total",
			Help:      "Transaction rows written by sync, by kind.",
		}, []string{"kind"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finsync",
			Name:      "sweeps_total",
			Help:      "Scheduler sweeps by name.",
		}, []string{"sweep"}),
		cleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finsync",
			Name:      "cleanup_items_total",
			Help:      "Dormant cleanup actions by kind.",
		}, []string{"action"}),
	}

	reg.MustRegister(m.webhooks, m.syncPasses, m.syncDuration, m.rowsApplied, m.sweeps, m.cleanups)

	return m
}

func (m *Metrics) WebhookReceived(outcome string) {
	if m == nil {
		return
	}

	m.webhooks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SyncPass(trigger, status string, took time.Duration) {
	if m == nil {
		return
	}

	m.syncPasses.WithLabelValues(trigger, status).Inc()
	m.syncDuration.Observe(took.Seconds())
}

func (m *Metrics) RowsApplied(created, updated, removed, pruned int) {
	if m == nil {
		return
	}

	m.rowsApplied.WithLabelValues("created").Add(float64(created))
	m.rowsApplied.WithLabelValues("updated").Add(float64(updated))
	m.rowsApplied.WithLabelValues("removed").Add(float64(removed))
	m.rowsApplied.WithLabelValues("pruned").Add(float64(pruned))
}

func (m *Metrics) Sweep(name string) {
	if m == nil {
		return
	}

	m.sweeps.WithLabelValues(name).Inc()
}

func (m *Metrics) Cleanup(action string, n int) {
	if m == nil {
		return
	}

	m.cleanups.WithLabelValues(action).Add(float64(n))
}
