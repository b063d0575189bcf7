package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the executor's Prometheus collectors.
type Metrics struct {
	// NodeRuns counts node executions. Labels: node, status (ok, error)
	NodeRuns *prometheus.CounterVec
	// NodeDuration measures node execution time. Labels: node
	NodeDuration *prometheus.HistogramVec
	// Pauses counts HITL gate pauses. Labels: stage
	Pauses *prometheus.CounterVec
	// CriticScore is the distribution of combined critic scores.
	CriticScore prometheus.Histogram
	// Revisions counts critic -> architect loops.
	Revisions prometheus.Counter
}

// NewMetrics registers the collectors with reg. A nil reg selects the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		NodeRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grantflow",
			Subsystem: "graph",
			Name:      "node_runs_total",
			Help:      "Pipeline node executions",
		}, []string{"node", "status"}),
		NodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "grantflow",
			Subsystem: "graph",
			Name:      "node_duration_seconds",
			Help:      "Pipeline node execution time in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"node"}),
		Pauses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grantflow",
			Subsystem: "graph",
			Name:      "hitl_pauses_total",
			Help:      "Runs suspended at a human review gate",
		}, []string{"stage"}),
		CriticScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "grantflow",
			Subsystem: "critic",
			Name:      "combined_score",
			Help:      "Distribution of combined critic scores",
			Buckets:   []float64{2, 4, 5, 6, 7, 7.5, 8, 8.5, 9, 9.25, 10},
		}),
		Revisions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "grantflow",
			Subsystem: "graph",
			Name:      "revisions_total",
			Help:      "Critic verdicts that sent the draft back to the architect",
		}),
	}
}
