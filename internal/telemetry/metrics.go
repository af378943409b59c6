package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// experimentsTotal counts lifecycle events.
	// Labels: event (experiment_started, experiment_committed, ...)
	experimentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adaptive_loop",
		Subsystem: "experiment",
		Name:      "events_total",
		Help:      "Experiment lifecycle events by type",
	}, []string{"event"})

	// experimentDuration measures wall-clock time from start to terminal state.
	// Labels: outcome (committed, discarded, aborted)
	experimentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "adaptive_loop",
		Subsystem: "experiment",
		Name:      "duration_seconds",
		Help:      "Experiment duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"outcome"})

	// committedImprovement tracks measured improvement of committed candidates.
	committedImprovement = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "adaptive_loop",
		Subsystem: "experiment",
		Name:      "committed_improvement_ratio",
		Help:      "Measured relative improvement of committed candidates",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})
)

// MetricsSink records events as Prometheus metrics.
type MetricsSink struct{}

func outcomeLabel(t EventType) string {
	switch t {
	case ExperimentCommitted:
		return "committed"
	case ExperimentDiscarded:
		return "discarded"
	case ExperimentAborted:
		return "aborted"
	default:
		return ""
	}
}

func (MetricsSink) Emit(_ context.Context, ev Event) error {
	experimentsTotal.WithLabelValues(string(ev.Type)).Inc()
	if outcome := outcomeLabel(ev.Type); outcome != "" {
		experimentDuration.WithLabelValues(outcome).Observe(ev.Duration.Seconds())
	}
	if ev.Type == ExperimentCommitted {
		committedImprovement.Observe(ev.Improvement)
	}
	return nil
}
