package strategy

// #region imports
import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danielpatrickdp/adaptive-loop/internal/advisory"
	"github.com/danielpatrickdp/adaptive-loop/internal/analyzer"
	"github.com/danielpatrickdp/adaptive-loop/internal/version"
)

// #endregion

// #region transform

// Transform describes a change to a target's body. The set of
// implementations is closed.
type Transform interface {
	Name() string
	isTransform()
}

// FastPath short-circuits the dominant call shape.
type FastPath struct {
	Shape     string
	Threshold time.Duration
}

// Memoize caches results keyed by input shape. Only valid for pure targets.
type Memoize struct {
	KeyShape string
	Capacity int
}

// InputGuard rejects failing input shapes before the expensive work.
type InputGuard struct {
	Shapes []string
}

// AdvisoryRewrite replaces the body with an externally suggested one.
type AdvisoryRewrite struct {
	Body      string
	Rationale string
	Source    string
}

func (FastPath) Name() string        { return "fast-path" }
func (Memoize) Name() string         { return "memoize" }
func (InputGuard) Name() string      { return "input-guard" }
func (AdvisoryRewrite) Name() string { return "advisory-rewrite" }

func (FastPath) isTransform()        {}
func (Memoize) isTransform()         {}
func (InputGuard) isTransform()      {}
func (AdvisoryRewrite) isTransform() {}

// Describe renders a transform for logs and rationale text.
func Describe(t Transform) string {
	switch t := t.(type) {
	case FastPath:
		return fmt.Sprintf("fast path for shape %q (threshold %s)", t.Shape, t.Threshold)
	case Memoize:
		return fmt.Sprintf("memoize on shape %q (capacity %d)", t.KeyShape, t.Capacity)
	case InputGuard:
		return fmt.Sprintf("guard shapes [%s]", strings.Join(t.Shapes, ", "))
	case AdvisoryRewrite:
		return fmt.Sprintf("rewrite suggested by %s", t.Source)
	default:
		return "unknown transform"
	}
}

// #endregion transform

// #region effect

// Metric is the measurement a candidate is expected to improve.
type Metric string

const (
	MetricLatency   Metric = "latency"
	MetricErrorRate Metric = "error_rate"
)

// Effect is an expected relative improvement (0.25 = 25% better).
type Effect struct {
	Metric      Metric
	Improvement float64
}

// #endregion effect

// #region strategy

// Input is what a strategy function sees.
type Input struct {
	Target   string
	Signal   analyzer.Signal
	Analysis analyzer.Result
	Base     version.Record
	Advice   *advisory.Suggestion // nil when no advice was obtained
}

// Draft is a strategy's proposal before the engine assigns identity and renders it.
type Draft struct {
	Transform Transform
	Rationale string
	Effect    Effect
}

// Func proposes a draft for one signal, or declines.
type Func func(in Input) (Draft, bool)

// Renderer produces the body that applies a transform to a base version.
type Renderer interface {
	Render(ctx context.Context, target string, base version.Record, t Transform) (string, error)
}

// #endregion strategy

// #region candidate

// Candidate is a concrete, rendered proposal.
type Candidate struct {
	ID             string
	Target         string
	BaseVersion    int
	Transform      Transform
	ProposedBody   string
	Rationale      string
	ExpectedEffect Effect
	Strategy       string
	Signal         analyzer.SignalKind
}

// Rejection reasons.
const (
	RejectPriority     = "priority"
	RejectRenderFailed = "render_failed"
)

// Rejection records a draft or candidate that will not be tried.
type Rejection struct {
	Strategy  string
	Candidate *Candidate // nil when rendering failed
	Reason    string
	Err       error
}

// Proposal is the engine's output for one target, ranked best first.
type Proposal struct {
	Target     string
	Candidates []Candidate
	Rejected   []Rejection
	Advice     *advisory.Suggestion
	AdviceErr  error
	Skipped    string // set when no strategy ran
}

// Selected returns the top-ranked candidate.
func (p Proposal) Selected() (Candidate, bool) {
	if len(p.Candidates) == 0 {
		return Candidate{}, false
	}
	return p.Candidates[0], true
}

// #endregion candidate

// #region config

// EngineConfig bounds proposal generation.
type EngineConfig struct {
	MinSamples    int
	AdviceTimeout time.Duration
	MemoCapacity  int
}

// DefaultEngineConfig returns sensible defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MinSamples:    50,
		AdviceTimeout: 2 * time.Second,
		MemoCapacity:  256,
	}
}

// #endregion config
