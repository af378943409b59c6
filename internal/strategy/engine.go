// Package strategy turns analysis signals into ranked, rendered candidates.
package strategy

// #region imports
import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-loop/internal/advisory"
	"github.com/danielpatrickdp/adaptive-loop/internal/analyzer"
	"github.com/danielpatrickdp/adaptive-loop/internal/version"
)

// #endregion

// #region engine

type registered struct {
	name string
	fn   Func
}

// Engine proposes candidates for analyzed targets.
type Engine struct {
	config   EngineConfig
	byKind   map[analyzer.SignalKind][]registered
	renderer Renderer
	advisor  advisory.Service
	memory   *Memory
	logger   *zap.Logger
	newID    func() string
}

// NewEngine creates an Engine. advisor and memory may be nil.
func NewEngine(config EngineConfig, renderer Renderer, advisor advisory.Service, memory *Memory, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		config:   config,
		byKind:   make(map[analyzer.SignalKind][]registered),
		renderer: renderer,
		advisor:  advisor,
		memory:   memory,
		logger:   logger.Named("strategy"),
		newID:    func() string { return uuid.New().String() },
	}
}

// Register adds fn under name for signals of kind. A name may be registered
// once per kind.
func (e *Engine) Register(kind analyzer.SignalKind, name string, fn Func) error {
	if name == "" || fn == nil {
		return eris.New("register strategy: missing name or func")
	}
	for _, r := range e.byKind[kind] {
		if r.name == name {
			return eris.Errorf("register strategy: %q already registered for %s", name, kind)
		}
	}
	e.byKind[kind] = append(e.byKind[kind], registered{name: name, fn: fn})
	return nil
}

// #endregion engine

// #region propose

// Propose generates candidates against base. Advice is requested once, before
// any strategy runs; without it only heuristic strategies produce candidates.
func (e *Engine) Propose(ctx context.Context, res analyzer.Result, base version.Record) Proposal {
	p := Proposal{Target: res.Target}
	if len(res.Signals) == 0 {
		p.Skipped = "no signals"
		return p
	}
	if res.Samples < e.config.MinSamples {
		p.Skipped = "insufficient samples"
		return p
	}

	p.Advice, p.AdviceErr = e.advise(ctx, res, base)

	seen := make(map[string]struct{})
	for _, sig := range res.Signals {
		for _, r := range e.byKind[sig.Kind] {
			if _, dup := seen[r.name]; dup {
				continue
			}
			draft, ok := r.fn(Input{
				Target:   res.Target,
				Signal:   sig,
				Analysis: res,
				Base:     base,
				Advice:   p.Advice,
			})
			if !ok {
				continue
			}
			seen[r.name] = struct{}{}
			draft.Effect.Improvement = e.blend(ctx, r.name, sig.Kind, draft.Effect.Improvement)

			body, err := e.renderer.Render(ctx, res.Target, base, draft.Transform)
			if err != nil {
				e.logger.Warn("render failed",
					zap.String("target", res.Target),
					zap.String("strategy", r.name),
					zap.Error(err))
				p.Rejected = append(p.Rejected, Rejection{
					Strategy: r.name,
					Reason:   RejectRenderFailed,
					Err:      eris.Wrapf(err, "render %s", r.name),
				})
				continue
			}
			p.Candidates = append(p.Candidates, Candidate{
				ID:             e.newID(),
				Target:         res.Target,
				BaseVersion:    base.Version,
				Transform:      draft.Transform,
				ProposedBody:   body,
				Rationale:      e.rationale(draft, p.Advice),
				ExpectedEffect: draft.Effect,
				Strategy:       r.name,
				Signal:         sig.Kind,
			})
		}
	}

	sort.SliceStable(p.Candidates, func(i, j int) bool {
		a, b := p.Candidates[i], p.Candidates[j]
		if a.ExpectedEffect.Improvement != b.ExpectedEffect.Improvement {
			return a.ExpectedEffect.Improvement > b.ExpectedEffect.Improvement
		}
		return a.Strategy < b.Strategy
	})
	for i := 1; i < len(p.Candidates); i++ {
		c := p.Candidates[i]
		p.Rejected = append(p.Rejected, Rejection{Strategy: c.Strategy, Candidate: &c, Reason: RejectPriority})
	}
	return p
}

func (e *Engine) advise(ctx context.Context, res analyzer.Result, base version.Record) (*advisory.Suggestion, error) {
	if e.advisor == nil {
		return nil, advisory.ErrUnavailable
	}
	actx := ctx
	if e.config.AdviceTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.config.AdviceTimeout)
		defer cancel()
	}
	kinds := make([]string, len(res.Signals))
	for i, s := range res.Signals {
		kinds[i] = string(s.Kind)
	}
	sug, err := e.advisor.Suggest(actx, advisory.Request{
		Purpose: advisory.PurposeRewrite,
		Target:  res.Target,
		Body:    base.Body,
		Signals: kinds,
	})
	if err != nil {
		e.logger.Info("proceeding without advice", zap.String("target", res.Target), zap.Error(err))
		return nil, err
	}
	if sug.Empty() {
		return nil, nil
	}
	return &sug, nil
}

// blend averages the heuristic estimate with learned history when enough
// history exists.
func (e *Engine) blend(ctx context.Context, name string, kind analyzer.SignalKind, heuristic float64) float64 {
	if e.memory == nil {
		return heuristic
	}
	learned, n, ok, err := e.memory.Learned(ctx, name, kind)
	if err != nil {
		e.logger.Warn("strategy memory unavailable", zap.String("strategy", name), zap.Error(err))
		return heuristic
	}
	if !ok {
		return heuristic
	}
	e.logger.Debug("blending learned improvement",
		zap.String("strategy", name),
		zap.Int("samples", n),
		zap.Float64("learned", learned))
	return (heuristic + learned) / 2
}

func (e *Engine) rationale(d Draft, advice *advisory.Suggestion) string {
	parts := []string{d.Rationale, Describe(d.Transform)}
	if _, isRewrite := d.Transform.(AdvisoryRewrite); !isRewrite && advice != nil && advice.Rationale != "" {
		parts = append(parts, "advice: "+advice.Rationale)
	}
	return strings.Join(parts, "; ")
}

// #endregion propose
