// Package metrics provides Prometheus metrics for the Manager —
// counters, gauges, and histograms for dispatch, payments, and workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Control Loop ───────────────────────────────────────────────────────────

// Cycles counts control-loop ticks since start.
var Cycles = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "effect",
	Name:      "manager_cycles_total",
	Help:      "Total control loop ticks.",
})

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksCreated counts tasks admitted by the engine.
var TasksCreated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "effect",
	Name:      "tasks_created_total",
	Help:      "Total tasks admitted.",
})

// TasksOffered counts offers sent to workers.
var TasksOffered = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "effect",
	Name:      "tasks_offered_total",
	Help:      "Total task offers dispatched.",
})

// TasksCompleted counts tasks that reached the terminal completed state.
var TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "effect",
	Name:      "tasks_completed_total",
	Help:      "Total completed tasks.",
})

// TasksExpired counts offers and assignments recovered by the sweep.
var TasksExpired = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "effect",
	Name:      "tasks_expired_total",
	Help:      "Total tasks returned to pending by the timeout sweep.",
}, []string{"reason"})

// TasksPending gauges the dispatch backlog.
var TasksPending = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "effect",
	Name:      "tasks_pending",
	Help:      "Tasks currently awaiting dispatch.",
})

// ─── Workers ────────────────────────────────────────────────────────────────

// WorkersConnected gauges connected workers (busy included).
var WorkersConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "effect",
	Name:      "workers_connected",
	Help:      "Number of connected workers.",
})

// ─── Payments ───────────────────────────────────────────────────────────────

// PaymentsAccrued counts payment records created.
var PaymentsAccrued = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "effect",
	Name:      "payments_accrued_total",
	Help:      "Total payment records accrued.",
})

// PaymentsAccruedAmount sums accrued payment amounts.
var PaymentsAccruedAmount = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "effect",
	Name:      "payments_accrued_amount_total",
	Help:      "Total amount across accrued payment records.",
})

// ProofVerifyLatency tracks Groth16 verification duration in seconds.
var ProofVerifyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "effect",
	Name:      "proof_verify_latency_seconds",
	Help:      "Groth16 proof verification duration in seconds.",
	Buckets:   prometheus.DefBuckets,
})

// ProofsRejected counts bulk proof requests rejected by proof verification.
var ProofsRejected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "effect",
	Name:      "proofs_rejected_total",
	Help:      "Total rejected payment proofs.",
})
