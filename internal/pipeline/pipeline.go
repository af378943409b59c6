// Package pipeline drives the loop: snapshot, analyze, propose, experiment,
// decide. Targets are processed in parallel; each target is processed by at
// most one pass at a time.
package pipeline

// #region imports
import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/adaptive-loop/internal/analyzer"
	"github.com/danielpatrickdp/adaptive-loop/internal/experiment"
	"github.com/danielpatrickdp/adaptive-loop/internal/faults"
	"github.com/danielpatrickdp/adaptive-loop/internal/strategy"
	"github.com/danielpatrickdp/adaptive-loop/internal/usage"
	"github.com/danielpatrickdp/adaptive-loop/internal/version"
)

// #endregion

// #region types

// Stage names how far a pass got.
type Stage string

const (
	StageSnapshot   Stage = "snapshot"
	StageAnalyze    Stage = "analyze"
	StagePropose    Stage = "propose"
	StageExperiment Stage = "experiment"
)

// Skip reasons.
const (
	SkipBusy         = "target busy"
	SkipNoUsage      = "no usage recorded"
	SkipNoCandidates = "no candidates"
)

// Outcome is the result of one pass over one target. Errors are values.
type Outcome struct {
	Target   string
	Stage    Stage
	Analysis analyzer.Result
	Proposal strategy.Proposal
	Result   *experiment.Result
	Skipped  string
	Err      error
}

// Committed reports whether the pass produced a new version.
func (o Outcome) Committed() bool {
	return o.Result != nil && o.Result.Final == experiment.StateCommitted
}

// Config tunes the driver.
type Config struct {
	Concurrency    int           // targets processed in parallel
	Interval       time.Duration // periodic sweep over all targets (0 disables)
	SnapshotWithin time.Duration // restrict analysis to recent events (0 = whole window)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		Interval:    time.Minute,
	}
}

// StructuralSource supplies optional static information about a target.
type StructuralSource interface {
	Structural(target string) *analyzer.Structural
}

// Versions is the read side of the decision engine.
type Versions interface {
	Current(target string) (version.Record, bool)
}

// Executor runs one experiment to a terminal state.
type Executor interface {
	Execute(ctx context.Context, c strategy.Candidate) (experiment.Result, error)
}

// #endregion types

// #region pipeline

// Pipeline wires the stages together.
type Pipeline struct {
	tracker    *usage.Tracker
	analyzer   *analyzer.Analyzer
	strategies *strategy.Engine
	runner     Executor
	versions   Versions
	structure  StructuralSource
	cfg        Config
	logger     *zap.Logger

	locks sync.Map // target -> *sync.Mutex

	// Observe, when set, receives every outcome produced by Run.
	Observe func(Outcome)
}

// New creates a Pipeline. structure may be nil.
func New(
	cfg Config,
	tracker *usage.Tracker,
	an *analyzer.Analyzer,
	strategies *strategy.Engine,
	runner Executor,
	versions Versions,
	structure StructuralSource,
	logger *zap.Logger,
) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		tracker:    tracker,
		analyzer:   an,
		strategies: strategies,
		runner:     runner,
		versions:   versions,
		structure:  structure,
		cfg:        cfg,
		logger:     logger.Named("pipeline"),
	}
}

func (p *Pipeline) lockFor(target string) *sync.Mutex {
	mu, _ := p.locks.LoadOrStore(target, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// RunTarget makes one pass over target. A target already being processed is
// skipped, not queued.
func (p *Pipeline) RunTarget(ctx context.Context, target string) Outcome {
	out := Outcome{Target: target, Stage: StageSnapshot}
	mu := p.lockFor(target)
	if !mu.TryLock() {
		out.Skipped = SkipBusy
		return out
	}
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}
	stat, ok := p.tracker.Snapshot(target, p.cfg.SnapshotWithin)
	if !ok || stat.Count == 0 {
		out.Skipped = SkipNoUsage
		return out
	}
	base, ok := p.versions.Current(target)
	if !ok {
		out.Err = eris.Wrapf(faults.ErrUnknownTarget, "pipeline %s", target)
		return out
	}

	out.Stage = StageAnalyze
	var structural *analyzer.Structural
	if p.structure != nil {
		structural = p.structure.Structural(target)
	}
	out.Analysis = p.analyzer.Analyze(ctx, target, stat, structural)

	out.Stage = StagePropose
	out.Proposal = p.strategies.Propose(ctx, out.Analysis, base)
	selected, ok := out.Proposal.Selected()
	if !ok {
		out.Skipped = out.Proposal.Skipped
		if out.Skipped == "" {
			out.Skipped = SkipNoCandidates
		}
		return out
	}

	out.Stage = StageExperiment
	res, err := p.runner.Execute(ctx, selected)
	if err != nil {
		out.Err = err
		return out
	}
	out.Result = &res
	return out
}

// RunAll makes one pass over every tracked target, in parallel up to
// Concurrency. Outcomes are returned in target order.
func (p *Pipeline) RunAll(ctx context.Context) []Outcome {
	targets := p.tracker.Targets()
	outcomes := make([]Outcome, len(targets))

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, target := range targets {
		g.Go(func() error {
			outcomes[i] = p.RunTarget(ctx, target)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		p.log(o)
	}
	return outcomes
}

// Run reacts to window rolls and sweeps all targets every Interval until ctx
// is done. In-flight passes finish before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if p.cfg.Interval > 0 {
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	defer g.Wait() //nolint:errcheck

	for {
		select {
		case <-ctx.Done():
			return nil
		case rolled := <-p.tracker.Rolled():
			g.Go(func() error {
				o := p.RunTarget(ctx, rolled.Target)
				p.log(o)
				p.observe(o)
				return nil
			})
		case <-tick:
			for _, o := range p.RunAll(ctx) {
				p.observe(o)
			}
		}
	}
}

func (p *Pipeline) observe(o Outcome) {
	if p.Observe != nil {
		p.Observe(o)
	}
}

func (p *Pipeline) log(o Outcome) {
	fields := []zap.Field{zap.String("target", o.Target), zap.String("stage", string(o.Stage))}
	switch {
	case o.Err != nil:
		p.logger.Warn("pass failed", append(fields, zap.Error(o.Err))...)
	case o.Skipped != "":
		p.logger.Debug("pass skipped", append(fields, zap.String("reason", o.Skipped))...)
	case o.Result != nil:
		p.logger.Info("pass complete", append(fields,
			zap.String("experiment_id", o.Result.ExperimentID),
			zap.String("state", string(o.Result.Final)),
			zap.Float64("improvement", o.Result.Evaluation.Improvement))...)
	}
}

// #endregion pipeline
