package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileEscrowMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainsettle",
		Subsystem: "reconciliation",
		Name:      "escrow_mismatches",
		Help:      "Escrow records that disagreed with their chain in the last run.",
	})

	reconcileStuckSettlements = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainsettle",
		Subsystem: "reconciliation",
		Name:      "stuck_settlements",
		Help:      "Settlements stuck in settling in the last run.",
	})

	reconcileStuckPlans = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainsettle",
		Subsystem: "reconciliation",
		Name:      "stuck_plans",
		Help:      "Payment plans stuck in executing in the last run.",
	})

	reconcileOpenEscalations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainsettle",
		Subsystem: "reconciliation",
		Name:      "open_escalations",
		Help:      "Unresolved settlement escalations in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chainsettle",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chainsettle",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Reconciliation checks that could not run.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileEscrowMismatches,
		reconcileStuckSettlements,
		reconcileStuckPlans,
		reconcileOpenEscalations,
		reconcileDuration,
		reconcileErrors,
	)
}
