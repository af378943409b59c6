package experiment

// #region imports
import (
	"fmt"

	"github.com/danielpatrickdp/adaptive-loop/internal/strategy"
)

// #endregion

// Policy decides whether measurements justify committing a candidate.
type Policy interface {
	Evaluate(m Measurements, c strategy.Candidate) (Evaluation, error)
}

// #region threshold-policy

// ThresholdPolicy checks hard vetoes first, then requires the targeted
// metric to improve by at least the configured threshold.
type ThresholdPolicy struct {
	config PolicyConfig
}

// NewThresholdPolicy creates a policy with the given configuration.
func NewThresholdPolicy(config PolicyConfig) *ThresholdPolicy {
	return &ThresholdPolicy{config: config}
}

// Evaluate never returns an error; the signature leaves room for policies
// that consult external state.
func (p *ThresholdPolicy) Evaluate(m Measurements, c strategy.Candidate) (Evaluation, error) {
	metric := c.ExpectedEffect.Metric
	if metric == "" {
		metric = strategy.MetricLatency
	}
	ev := Evaluation{
		Metric:         metric,
		Improvement:    Improvement(m, metric),
		ErrorRateDelta: m.Candidate.ErrorRate - m.Baseline.ErrorRate,
		Equivalence:    m.Equivalence,
	}

	// --- Hard veto pass ---

	if m.Samples < p.config.MinSamples {
		ev.Vetoes = append(ev.Vetoes, Veto{
			Type:   VetoInsufficientSamples,
			Reason: fmt.Sprintf("%d samples below minimum %d", m.Samples, p.config.MinSamples),
		})
	}
	if ev.ErrorRateDelta > p.config.ErrorRateTolerance {
		ev.Vetoes = append(ev.Vetoes, Veto{
			Type: VetoErrorRegression,
			Reason: fmt.Sprintf("error rate rose from %.4f to %.4f",
				m.Baseline.ErrorRate, m.Candidate.ErrorRate),
		})
	}
	if m.Equivalence < p.config.MinEquivalence {
		ev.Vetoes = append(ev.Vetoes, Veto{
			Type:   VetoOutputMismatch,
			Reason: fmt.Sprintf("output equivalence %.4f below %.4f", m.Equivalence, p.config.MinEquivalence),
		})
	}
	if len(ev.Vetoes) > 0 {
		ev.Reason = fmt.Sprintf("hard veto: %s", ev.Vetoes[0].Reason)
		return ev, nil
	}

	// --- Improvement threshold ---

	if ev.Improvement < p.config.ImprovementThreshold {
		ev.Reason = fmt.Sprintf("%s improvement %.4f below threshold %.4f",
			metric, ev.Improvement, p.config.ImprovementThreshold)
		return ev, nil
	}
	ev.Success = true
	ev.Reason = fmt.Sprintf("%s improved by %.4f", metric, ev.Improvement)
	return ev, nil
}

// #endregion threshold-policy

// #region helpers

// Improvement returns the relative improvement of candidate over baseline
// on metric. A zero baseline yields zero.
func Improvement(m Measurements, metric strategy.Metric) float64 {
	switch metric {
	case strategy.MetricErrorRate:
		if m.Baseline.ErrorRate == 0 {
			return 0
		}
		return (m.Baseline.ErrorRate - m.Candidate.ErrorRate) / m.Baseline.ErrorRate
	default:
		if m.Baseline.MeanLatency == 0 {
			return 0
		}
		return float64(m.Baseline.MeanLatency-m.Candidate.MeanLatency) / float64(m.Baseline.MeanLatency)
	}
}

// #endregion helpers
