package strategy

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/adaptive-loop/internal/analyzer"
)

// Built-in strategy names.
const (
	NameFastPath        = "fast-path"
	NameMemoize         = "memoize"
	NameInputGuard      = "input-guard"
	NameAdvisoryRewrite = "advisory-rewrite"
)

// RegisterDefaults registers the built-in strategies on e.
func RegisterDefaults(e *Engine) error {
	regs := []struct {
		kind analyzer.SignalKind
		name string
		fn   Func
	}{
		{analyzer.KindHotPath, NameFastPath, FastPathStrategy},
		{analyzer.KindRedundant, NameMemoize, MemoizeStrategy(e.config.MemoCapacity)},
		{analyzer.KindErrorProne, NameInputGuard, InputGuardStrategy},
		{analyzer.KindHotPath, NameAdvisoryRewrite, AdvisoryRewriteStrategy},
		{analyzer.KindRedundant, NameAdvisoryRewrite, AdvisoryRewriteStrategy},
	}
	for _, r := range regs {
		if err := e.Register(r.kind, r.name, r.fn); err != nil {
			return err
		}
	}
	return nil
}

// FastPathStrategy short-circuits a latency hot path.
func FastPathStrategy(in Input) (Draft, bool) {
	var ev analyzer.HotPathEvidence
	found := false
	for _, e := range in.Signal.Evidence {
		if hp, ok := e.(analyzer.HotPathEvidence); ok {
			ev, found = hp, true
			break
		}
	}
	if !found {
		return Draft{}, false
	}
	return Draft{
		Transform: FastPath{Shape: dominantShape(in.Analysis), Threshold: ev.Threshold},
		Rationale: fmt.Sprintf("hot path: %s", ev.Describe()),
		Effect:    Effect{Metric: MetricLatency, Improvement: 0.25 + 0.25*in.Signal.Strength},
	}, true
}

// MemoizeStrategy caches a dominant input shape. Impure targets are declined.
func MemoizeStrategy(capacity int) Func {
	return func(in Input) (Draft, bool) {
		for _, e := range in.Signal.Evidence {
			red, ok := e.(analyzer.RedundancyEvidence)
			if !ok || !red.Pure {
				continue
			}
			return Draft{
				Transform: Memoize{KeyShape: red.Tag, Capacity: capacity},
				Rationale: fmt.Sprintf("redundant computation: %s", red.Describe()),
				Effect:    Effect{Metric: MetricLatency, Improvement: 0.8 * red.Share},
			}, true
		}
		return Draft{}, false
	}
}

// InputGuardStrategy rejects the input shapes that concentrate failures.
func InputGuardStrategy(in Input) (Draft, bool) {
	for _, e := range in.Signal.Evidence {
		es, ok := e.(analyzer.ErrorShapeEvidence)
		if !ok || len(es.Shapes) == 0 {
			continue
		}
		shapes := make([]string, len(es.Shapes))
		for i, s := range es.Shapes {
			shapes[i] = s.Tag
		}
		return Draft{
			Transform: InputGuard{Shapes: shapes},
			Rationale: fmt.Sprintf("error-prone input: %s", es.Describe()),
			Effect:    Effect{Metric: MetricErrorRate, Improvement: math.Min(0.9, 0.4+0.5*in.Signal.Strength)},
		}, true
	}
	return Draft{}, false
}

// AdvisoryRewriteStrategy adopts an advised body. It declines without advice.
func AdvisoryRewriteStrategy(in Input) (Draft, bool) {
	if in.Advice == nil || in.Advice.Body == "" {
		return Draft{}, false
	}
	rationale := in.Advice.Rationale
	if rationale == "" {
		rationale = "advised rewrite"
	}
	return Draft{
		Transform: AdvisoryRewrite{Body: in.Advice.Body, Rationale: rationale, Source: in.Advice.Source},
		Rationale: rationale,
		Effect:    Effect{Metric: MetricLatency, Improvement: 0.3 * in.Signal.Strength},
	}, true
}

// dominantShape returns the redundancy evidence tag if analysis found one.
func dominantShape(res analyzer.Result) string {
	sig, ok := res.Strongest(analyzer.KindRedundant)
	if !ok {
		return ""
	}
	for _, e := range sig.Evidence {
		if red, ok := e.(analyzer.RedundancyEvidence); ok {
			return red.Tag
		}
	}
	return ""
}
