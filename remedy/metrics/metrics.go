// Package metrics exposes the pipeline's Prometheus instrumentation. The
// collectors are package-level and registered on the default registry; the
// operator API serves them on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FindingsIngested counts accepted findings by source.
	FindingsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remedy",
		Name:      "findings_ingested_total",
		Help:      "Findings accepted into the dedup store, by source.",
	}, []string{"source"})

	// FindingsRejected counts findings that failed validation.
	FindingsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remedy",
		Name:      "findings_rejected_total",
		Help:      "Malformed findings rejected before reaching the store.",
	})

	// DedupMerges counts findings merged into an existing record.
	DedupMerges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remedy",
		Name:      "dedup_merges_total",
		Help:      "Findings merged into an existing vulnerability record.",
	})

	// CandidateTransitions counts patch lifecycle transitions by target state.
	CandidateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remedy",
		Name:      "candidate_transitions_total",
		Help:      "Patch candidate state transitions, by resulting state.",
	}, []string{"state"})

	// Deployments counts finished deployments by outcome.
	Deployments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remedy",
		Name:      "deployments_total",
		Help:      "Deployment records reaching a terminal state, by outcome.",
	}, []string{"outcome", "strategy"})

	// Rollbacks counts compensating rollbacks by trigger.
	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remedy",
		Name:      "rollbacks_total",
		Help:      "Compensating rollbacks executed, by trigger.",
	}, []string{"trigger"})

	// Anomalies counts anomalous observation windows.
	Anomalies = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remedy",
		Name:      "anomalies_total",
		Help:      "Observation windows that breached an anomaly threshold.",
	})

	// TwinRuns counts digital twin verification runs by result.
	TwinRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remedy",
		Name:      "twin_runs_total",
		Help:      "Digital twin verification runs, by result.",
	}, []string{"result"})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
