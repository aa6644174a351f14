// Package metrics registers the engine's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "evidence"

var (
	// Labels: result (inserted, unchanged, conflict)
	observationWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "observation",
		Name:      "writes_total",
		Help:      "Observation writes by result",
	}, []string{"result"})

	// Labels: action
	ledgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "appends_total",
		Help:      "Ledger entries appended by action",
	}, []string{"action"})

	lineageCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "lineage_cycles_total",
		Help:      "Reference cycles met during lineage traversal",
	})

	// Labels: transition (opened, resolved, dismissed, reopened)
	contradictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "contradiction",
		Name:      "transitions_total",
		Help:      "Contradiction lifecycle transitions",
	}, []string{"transition"})

	// Labels: stage, result
	stageOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "approval",
		Name:      "stage_outcomes_total",
		Help:      "Approval stage outcomes",
	}, []string{"stage", "result"})

	published = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "approval",
		Name:      "published_total",
		Help:      "Content items published",
	})

	// Labels: status
	runSeals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "runs_sealed_total",
		Help:      "Ingestion runs sealed by status",
	}, []string{"status"})

	rawBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "raw_bytes_total",
		Help:      "Bytes of raw evidence stored",
	})

	// Labels: status (ok, error, circuit_open)
	screeningLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "compliance",
		Name:      "screening_seconds",
		Help:      "Compliance screening call latency",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"status"})
)

// RecordObservationWrite counts one PutObservation outcome.
func RecordObservationWrite(result string) {
	observationWrites.WithLabelValues(result).Inc()
}

// RecordLedgerAppend counts one appended entry.
func RecordLedgerAppend(action string) {
	ledgerAppends.WithLabelValues(action).Inc()
}

// RecordLineageCycle counts one cycle warning.
func RecordLineageCycle() {
	lineageCycles.Inc()
}

// RecordContradiction counts one lifecycle transition.
func RecordContradiction(transition string) {
	contradictions.WithLabelValues(transition).Inc()
}

// RecordStageOutcome counts one AgentRun.
func RecordStageOutcome(stage, result string) {
	stageOutcomes.WithLabelValues(stage, result).Inc()
}

// RecordPublished counts one publication.
func RecordPublished() {
	published.Inc()
}

// RecordRunSealed counts one sealed ingestion run.
func RecordRunSealed(status string) {
	runSeals.WithLabelValues(status).Inc()
}

// RecordRawBytes adds stored raw evidence bytes.
func RecordRawBytes(n int64) {
	if n > 0 {
		rawBytes.Add(float64(n))
	}
}

// RecordScreening observes one screening call.
func RecordScreening(status string, d time.Duration) {
	screeningLatency.WithLabelValues(status).Observe(d.Seconds())
}
