// Package analyzer turns usage statistics into optimization signals.
package analyzer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-loop/internal/faults"
	"github.com/danielpatrickdp/adaptive-loop/internal/usage"
)

// #region detector

// Detector inspects one target's input and reports signals.
type Detector interface {
	ID() string
	Weight() float64
	Detect(ctx context.Context, in Input) ([]Signal, error)
}

// DetectorFunc adapts a plain function into a Detector.
type DetectorFunc struct {
	Name string
	W    float64
	Fn   func(ctx context.Context, in Input) ([]Signal, error)
}

func (d DetectorFunc) ID() string      { return d.Name }
func (d DetectorFunc) Weight() float64 { return d.W }

func (d DetectorFunc) Detect(ctx context.Context, in Input) ([]Signal, error) {
	return d.Fn(ctx, in)
}

// #endregion detector

// #region registry

// Registry holds detectors in registration order.
type Registry struct {
	detectors []Detector
	ids       map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[string]struct{})}
}

// Register adds d. Duplicate IDs are rejected.
func (r *Registry) Register(d Detector) error {
	if d == nil || d.ID() == "" {
		return eris.New("register detector: missing id")
	}
	if _, dup := r.ids[d.ID()]; dup {
		return eris.Errorf("register detector: %q already registered", d.ID())
	}
	r.ids[d.ID()] = struct{}{}
	r.detectors = append(r.detectors, d)
	return nil
}

// Detectors returns the registered detectors in order.
func (r *Registry) Detectors() []Detector {
	return append([]Detector(nil), r.detectors...)
}

// #endregion registry

// #region analyzer

// Analyzer runs every registered detector against a target.
type Analyzer struct {
	config   AnalyzerConfig
	registry *Registry
	logger   *zap.Logger
}

// NewAnalyzer creates an Analyzer. A nil logger disables logging.
func NewAnalyzer(config AnalyzerConfig, registry *Registry, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Analyzer{config: config, registry: registry, logger: logger.Named("analyzer")}
}

type detectorRun struct {
	signals []Signal
	err     error
}

// Analyze runs all detectors and merges their signals. A failing detector
// degrades confidence but never fails the analysis.
func (a *Analyzer) Analyze(ctx context.Context, target string, stat usage.Statistic, structural *Structural) Result {
	in := Input{Target: target, Stat: stat, Structural: structural}
	res := Result{Target: target, Samples: stat.Count}

	var (
		all         []Signal
		totalWeight float64
		healthy     float64
		firedWeight float64
		firedScore  float64
	)
	for _, d := range a.registry.detectors {
		w := d.Weight()
		totalWeight += w

		signals, err := a.runDetector(ctx, d, in)
		if err != nil {
			res.Degraded = append(res.Degraded, DetectorFailure{
				Detector: d.ID(),
				Err:      faults.Wrap(faults.AnalysisDegraded, err, "detector "+d.ID()),
			})
			a.logger.Warn("detector failed",
				zap.String("target", target),
				zap.String("detector", d.ID()),
				zap.Error(err))
			continue
		}
		healthy += w

		best := 0.0
		for _, s := range signals {
			if s.Target != "" && s.Target != target {
				continue
			}
			s.Target = target
			s.Detector = d.ID()
			s.Strength = clamp01(s.Strength)
			if s.Strength > best {
				best = s.Strength
			}
			all = append(all, s)
		}
		if best > 0 {
			firedWeight += w
			firedScore += w * best
		}
	}

	res.Signals = merge(all)
	if firedWeight > 0 && totalWeight > 0 {
		conf := firedScore / firedWeight
		conf *= healthy / totalWeight
		if a.config.MinSamples > 0 {
			conf *= math.Min(1, float64(stat.Count)/float64(a.config.MinSamples))
		}
		res.Confidence = clamp01(conf)
	}
	return res
}

// runDetector bounds one detector by the per-detector timeout and converts
// panics into errors. A detector that ignores its context is abandoned.
func (a *Analyzer) runDetector(ctx context.Context, d Detector, in Input) ([]Signal, error) {
	timeout := a.config.DetectorTimeout
	if timeout <= 0 {
		timeout = DefaultAnalyzerConfig().DetectorTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan detectorRun, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- detectorRun{err: eris.Errorf("detector panicked: %v", r)}
			}
		}()
		signals, err := d.Detect(dctx, in)
		done <- detectorRun{signals: signals, err: err}
	}()

	select {
	case run := <-done:
		return run.signals, run.err
	case <-dctx.Done():
		return nil, eris.Wrapf(dctx.Err(), "detector timed out after %s", timeout)
	}
}

// merge collapses signals by kind, keeping the strongest detector's
// attribution and every detector's evidence.
func merge(signals []Signal) []Signal {
	byKind := make(map[SignalKind]*Signal)
	var order []SignalKind
	for _, s := range signals {
		cur, ok := byKind[s.Kind]
		if !ok {
			cp := s
			cp.Evidence = append([]Evidence(nil), s.Evidence...)
			byKind[s.Kind] = &cp
			order = append(order, s.Kind)
			continue
		}
		cur.Evidence = append(cur.Evidence, s.Evidence...)
		if s.Strength > cur.Strength {
			cur.Strength = s.Strength
			cur.Detector = s.Detector
		}
	}
	out := make([]Signal, 0, len(order))
	for _, k := range order {
		out = append(out, *byKind[k])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// #endregion analyzer

// #region helpers

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x), x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}

// Summary renders a one-line description of a statistic.
func Summary(stat usage.Statistic) string {
	return fmt.Sprintf("%d calls, error rate %.3f, mean %s, p95 %s",
		stat.Count, stat.ErrorRate, stat.MeanLatency().Round(time.Microsecond), stat.Latency.Quantile(0.95))
}

// #endregion helpers
