// Package metrics defines the Prometheus instrumentation for the engine and
// reconciler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the service exports.
type Metrics struct {
	Registry *prometheus.Registry

	// Engine
	CyclesTotal      *prometheus.CounterVec
	CycleErrorsTotal *prometheus.CounterVec
	ActiveRunners    prometheus.Gauge
	MarketOpen       prometheus.Gauge

	// Orders
	OrdersSubmittedTotal *prometheus.CounterVec
	RiskBlockedTotal     prometheus.Counter

	// Reconciler
	ReconcilePassesTotal        prometheus.Counter
	ReconcileDiscrepanciesTotal prometheus.Counter
	ReconcilePendingResolved    prometheus.Counter
}

// New creates a registry with process/Go collectors plus the service's own.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,

		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paperlane_bot_cycles_total",
			Help: "Trading cycles executed, by outcome.",
		}, []string{"outcome"}),
		CycleErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paperlane_bot_cycle_errors_total",
			Help: "Errors that escaped a trading cycle, by bot.",
		}, []string{"bot_id"}),
		ActiveRunners: factory.NewGauge(prometheus.GaugeOpts{
			Name: "paperlane_active_runners",
			Help: "Currently registered bot runners.",
		}),
		MarketOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "paperlane_market_open",
			Help: "1 while the market is open, else 0.",
		}),

		OrdersSubmittedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paperlane_orders_submitted_total",
			Help: "Market orders submitted to the broker, by side and terminal status.",
		}, []string{"side", "status"}),
		RiskBlockedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "paperlane_risk_blocked_total",
			Help: "Buy attempts refused by the risk checks.",
		}),

		ReconcilePassesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "paperlane_reconcile_passes_total",
			Help: "Completed reconciliation passes.",
		}),
		ReconcileDiscrepanciesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "paperlane_reconcile_discrepancies_total",
			Help: "Broker-vs-ledger discrepancies found.",
		}),
		ReconcilePendingResolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "paperlane_reconcile_pending_resolved_total",
			Help: "Pending trades resolved by the reconciler.",
		}),
	}
}
