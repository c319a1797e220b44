// Package metrics declares the Prometheus collectors for the booking engine.
// Collectors register with the default registry; the api package serves
// them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Booking operations ─────────────────────────────────────────────────────

// BookingOperations counts orchestrator calls by operation and outcome.
var BookingOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "academy",
	Subsystem: "booking",
	Name:      "operations_total",
	Help:      "Booking operations by operation and outcome.",
}, []string{"operation", "outcome"})

// BookingDuration observes how long a unit of work takes.
var BookingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "academy",
	Subsystem: "booking",
	Name:      "duration_seconds",
	Help:      "Booking operation latency.",
	Buckets:   prometheus.DefBuckets,
}, []string{"operation"})

// ─── Credit movements ───────────────────────────────────────────────────────

// CreditsMoved counts credits by ledger entry type (DEBIT / CREDIT).
var CreditsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "academy",
	Subsystem: "credits",
	Name:      "moved_total",
	Help:      "Credits deducted or refunded.",
}, []string{"type"})

// DebtPurged counts debt placeholders deleted after full reversal.
var DebtPurged = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "academy",
	Subsystem: "credits",
	Name:      "debt_purged_total",
	Help:      "Fully reversed debt placeholders removed.",
})

// AuditFailures counts audit records that could not be written.
var AuditFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "academy",
	Subsystem: "audit",
	Name:      "failures_total",
	Help:      "Audit records dropped because the sink failed.",
})

// ─── Ledger audit ───────────────────────────────────────────────────────────

// LedgerDriftGrants is the number of grants whose ledger did not explain
// their balance in the latest audit pass.
var LedgerDriftGrants = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "academy",
	Subsystem: "ledger",
	Name:      "drift_grants",
	Help:      "Grants failing the conservation check in the last audit.",
})

// LedgerAuditRuns counts completed audit passes.
var LedgerAuditRuns = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "academy",
	Subsystem: "ledger",
	Name:      "audit_runs_total",
	Help:      "Completed ledger audit passes.",
})
