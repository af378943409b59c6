// Package sim is a deterministic code toolkit. Candidates are not executed;
// their behaviour is derived from recorded invocations and a per-transform
// profile, so replay runs are reproducible.
package sim

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-loop/internal/analyzer"
	"github.com/danielpatrickdp/adaptive-loop/internal/experiment"
	"github.com/danielpatrickdp/adaptive-loop/internal/faults"
	"github.com/danielpatrickdp/adaptive-loop/internal/strategy"
	"github.com/danielpatrickdp/adaptive-loop/internal/usage"
	"github.com/danielpatrickdp/adaptive-loop/internal/version"
)

// #region types

// Profile maps transform names to candidate behaviour. Missing entries mean
// factor 1 and no injected errors or mismatches.
type Profile struct {
	LatencyFactor map[string]float64
	ErrorRate     map[string]float64
	MismatchRate  map[string]float64
}

// Target is a simulated function.
type Target struct {
	Name    string
	Pure    bool
	Profile Profile
}

// Versions is the read side of the version store.
type Versions interface {
	Get(target string, v int) (version.Record, bool)
	Current(target string) (version.Record, bool)
}

// #endregion types

// #region toolkit

// Toolkit implements experiment.Toolkit and strategy.Renderer.
type Toolkit struct {
	versions Versions
	logger   *zap.Logger

	mu      sync.Mutex
	targets map[string]Target
	live    map[string]int
	swaps   int
}

var (
	_ experiment.Toolkit = (*Toolkit)(nil)
	_ strategy.Renderer  = (*Toolkit)(nil)
)

// NewToolkit creates a toolkit that reads bodies from versions.
func NewToolkit(versions Versions, logger *zap.Logger) *Toolkit {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Toolkit{
		versions: versions,
		logger:   logger.Named("sim"),
		targets:  make(map[string]Target),
		live:     make(map[string]int),
	}
}

// Register adds or replaces a simulated target.
func (t *Toolkit) Register(target Target) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Name] = target
}

func (t *Toolkit) target(name string) (Target, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tg, ok := t.targets[name]
	return tg, ok
}

// Structural reports static information for the analyzer.
func (t *Toolkit) Structural(name string) *analyzer.Structural {
	tg, ok := t.target(name)
	if !ok {
		return nil
	}
	s := &analyzer.Structural{Pure: tg.Pure}
	if rec, ok := t.versions.Current(name); ok {
		s.Body = rec.Body
		s.Version = rec.Version
	}
	return s
}

// Body returns the body of version v.
func (t *Toolkit) Body(_ context.Context, target string, v int) (string, error) {
	rec, ok := t.versions.Get(target, v)
	if !ok {
		return "", eris.Wrapf(faults.ErrUnknownVersion, "%s v%d", target, v)
	}
	return rec.Body, nil
}

// SwapCurrent makes version v live.
func (t *Toolkit) SwapCurrent(ctx context.Context, target string, v int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := t.versions.Get(target, v); !ok {
		return eris.Wrapf(faults.ErrUnknownVersion, "swap %s v%d", target, v)
	}
	t.mu.Lock()
	t.live[target] = v
	t.swaps++
	t.mu.Unlock()
	t.logger.Debug("swapped", zap.String("target", target), zap.Int("version", v))
	return nil
}

// Live returns the version last swapped in, or 0.
func (t *Toolkit) Live(target string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live[target]
}

// Swaps counts SwapCurrent calls.
func (t *Toolkit) Swaps() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.swaps
}

// Render applies a transform to a base body. Rewrites replace the body,
// everything else appends an annotation line.
func (t *Toolkit) Render(_ context.Context, target string, base version.Record, tr strategy.Transform) (string, error) {
	if _, ok := t.target(target); !ok {
		return "", eris.Wrapf(faults.ErrUnknownTarget, "render %s", target)
	}
	switch tr := tr.(type) {
	case strategy.AdvisoryRewrite:
		if strings.TrimSpace(tr.Body) == "" {
			return "", eris.New("empty rewrite body")
		}
		return tr.Body, nil
	case strategy.InputGuard:
		shapes := append([]string(nil), tr.Shapes...)
		sort.Strings(shapes)
		return fmt.Sprintf("%s\n# input-guard %s", base.Body, strings.Join(shapes, ",")), nil
	case nil:
		return "", eris.New("nil transform")
	default:
		return fmt.Sprintf("%s\n# %s", base.Body, strategy.Describe(tr)), nil
	}
}

// Apply builds an isolated handle for c.
func (t *Toolkit) Apply(ctx context.Context, c strategy.Candidate) (experiment.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tg, ok := t.target(c.Target)
	if !ok {
		return nil, eris.Wrapf(faults.ErrUnknownTarget, "apply %s", c.Target)
	}
	if _, ok := t.versions.Get(c.Target, c.BaseVersion); !ok {
		return nil, eris.Wrapf(faults.ErrUnknownVersion, "apply %s v%d", c.Target, c.BaseVersion)
	}
	cand := candidateExec{
		transform: c.Transform.Name(),
		factor:    lookup(tg.Profile.LatencyFactor, c.Transform.Name(), 1),
		errRate:   lookup(tg.Profile.ErrorRate, c.Transform.Name(), 0),
		mismatch:  lookup(tg.Profile.MismatchRate, c.Transform.Name(), 0),
	}
	if g, ok := c.Transform.(strategy.InputGuard); ok {
		cand.guarded = make(map[string]struct{}, len(g.Shapes))
		for _, s := range g.Shapes {
			cand.guarded[s] = struct{}{}
		}
	}
	return handle{candidate: cand}, nil
}

func lookup(m map[string]float64, key string, def float64) float64 {
	if v, ok := m[key]; ok {
		return v
	}
	return def
}

// #endregion toolkit

// #region executors

type handle struct {
	candidate candidateExec
}

func (h handle) Baseline() experiment.Executor  { return baselineExec{} }
func (h handle) Candidate() experiment.Executor { return h.candidate }
func (h handle) Release(context.Context) error   { return nil }

// baselineExec reproduces the recorded invocation.
type baselineExec struct{}

func (baselineExec) Invoke(ctx context.Context, ev usage.Event) (experiment.Observation, error) {
	if err := ctx.Err(); err != nil {
		return experiment.Observation{}, err
	}
	return recorded(ev), nil
}

func recorded(ev usage.Event) experiment.Observation {
	obs := experiment.Observation{Output: "out:" + ev.Input, Latency: ev.Duration}
	if ev.Failed() {
		obs.Output = ""
		obs.Err = eris.Errorf("recorded failure for %q", ev.Input)
	}
	return obs
}

type candidateExec struct {
	transform string
	factor    float64
	errRate   float64
	mismatch  float64
	guarded   map[string]struct{}
}

func (c candidateExec) Invoke(ctx context.Context, ev usage.Event) (experiment.Observation, error) {
	if err := ctx.Err(); err != nil {
		return experiment.Observation{}, err
	}
	obs := recorded(ev)
	obs.Latency = time.Duration(float64(ev.Duration) * c.factor)
	if obs.Err != nil && c.guards(ev) {
		obs.Err = nil
		obs.Output = "guarded"
	}
	if obs.Err == nil && roll(c.transform, "error", ev.Input) < c.errRate {
		obs.Output = ""
		obs.Err = eris.Errorf("%s failed on %q", c.transform, ev.Input)
	}
	if obs.Err == nil && roll(c.transform, "mismatch", ev.Input) < c.mismatch {
		obs.Output = "diverged:" + ev.Input
	}
	return obs, nil
}

func (c candidateExec) guards(ev usage.Event) bool {
	for _, tag := range ev.Tags {
		if _, ok := c.guarded[tag]; ok {
			return true
		}
	}
	return false
}

// roll maps its inputs to a stable value in [0, 1).
func roll(parts ...string) float64 {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return float64(h.Sum64()>>11) / float64(1<<53)
}

// #endregion executors
