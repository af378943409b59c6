package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-loop/internal/advisory"
	"github.com/danielpatrickdp/adaptive-loop/internal/analyzer"
	"github.com/danielpatrickdp/adaptive-loop/internal/decision"
	"github.com/danielpatrickdp/adaptive-loop/internal/experiment"
	"github.com/danielpatrickdp/adaptive-loop/internal/replay"
	"github.com/danielpatrickdp/adaptive-loop/internal/sim"
	"github.com/danielpatrickdp/adaptive-loop/internal/strategy"
	"github.com/danielpatrickdp/adaptive-loop/internal/telemetry"
	"github.com/danielpatrickdp/adaptive-loop/internal/usage"
	"github.com/danielpatrickdp/adaptive-loop/internal/version"
)

// #region harness-types

// SkippedState is reported for targets that never reached an experiment.
const SkippedState = "skipped"

// TargetReport compares one target's outcome with the fixture's expectation.
type TargetReport struct {
	Target          string
	ExpectedState   string
	ExpectedVersion int
	State           string
	Version         int
	Strategy        string
	Improvement     float64
	Reason          string
	Pass            bool
}

// Report summarizes a fixture replay.
type Report struct {
	Description string
	Targets     []TargetReport
	Outcomes    []Outcome
}

// Pass reports whether every expectation was met.
func (r Report) Pass() bool {
	for _, t := range r.Targets {
		if !t.Pass {
			return false
		}
	}
	return true
}

// #endregion harness-types

// #region harness

// Loop is a fully wired in-memory loop over the simulated toolkit.
type Loop struct {
	Tracker    *usage.Tracker
	Versions   *version.Store
	Toolkit    *sim.Toolkit
	Analyzer   *analyzer.Analyzer
	Strategies *strategy.Engine
	Decisions  *decision.Engine
	Runner     *experiment.Runner
	Pipeline   *Pipeline
}

// NewFixtureLoop builds a Loop seeded with the fixture's targets and traffic.
func NewFixtureLoop(ctx context.Context, f *replay.Fixture, logger *zap.Logger) (*Loop, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	versions := version.NewStore(nil, logger)
	toolkit := sim.NewToolkit(versions, logger)

	total := 0
	for _, t := range f.Targets {
		for _, g := range t.Events {
			total += g.Count
		}
	}
	trackerCfg := usage.DefaultTrackerConfig()
	if total > trackerCfg.WindowSize {
		trackerCfg.WindowSize = total
	}
	tracker := usage.NewTracker(trackerCfg, logger)

	start := time.Now().Add(-time.Minute)
	for _, t := range f.Targets {
		if _, err := versions.Init(ctx, t.Name, t.Body); err != nil {
			return nil, eris.Wrapf(err, "init %s", t.Name)
		}
		toolkit.Register(sim.Target{
			Name: t.Name,
			Pure: t.Pure,
			Profile: sim.Profile{
				LatencyFactor: t.Profile.LatencyFactor,
				ErrorRate:     t.Profile.ErrorRate,
				MismatchRate:  t.Profile.MismatchRate,
			},
		})
		tracker.Warm(t.Recorded(start))
	}

	var advisor advisory.Service = advisory.Unavailable{}
	if a := f.Advisory; a != nil && !a.Unavailable {
		advisor = advisory.Static{Suggestion: advisory.Suggestion{Body: a.Body, Rationale: a.Rationale, Source: "fixture"}}
	}

	anCfg := analyzer.DefaultAnalyzerConfig()
	strCfg := strategy.DefaultEngineConfig()
	polCfg := experiment.DefaultPolicyConfig()
	runCfg := experiment.DefaultRunnerConfig()
	if c := f.Config; c.MinSamples > 0 {
		anCfg.MinSamples = c.MinSamples
		strCfg.MinSamples = c.MinSamples
		polCfg.MinSamples = c.MinSamples
	}
	if f.Config.ImprovementThreshold > 0 {
		polCfg.ImprovementThreshold = f.Config.ImprovementThreshold
	}
	if f.Config.WorkloadSize > 0 {
		runCfg.WorkloadSize = f.Config.WorkloadSize
	}
	if f.Config.TimeoutMS > 0 {
		runCfg.Timeout = time.Duration(f.Config.TimeoutMS) * time.Millisecond
	}

	registry := analyzer.NewDefaultRegistry(analyzer.DefaultDetectorConfig())
	if f.Advisory != nil {
		if err := registry.Register(analyzer.AdvisoryDetector(advisor)); err != nil {
			return nil, err
		}
	}
	an := analyzer.NewAnalyzer(anCfg, registry, logger)

	memory := strategy.NewMemory(&strategy.MemoryLog{})
	engine := strategy.NewEngine(strCfg, toolkit, advisor, memory, logger)
	if err := strategy.RegisterDefaults(engine); err != nil {
		return nil, err
	}

	decisions := decision.NewEngine(versions, toolkit, nil, memory, logger)
	runner := experiment.NewRunner(
		runCfg,
		toolkit,
		replay.NewSampler(tracker, replay.DefaultSamplerConfig()),
		experiment.NewThresholdPolicy(polCfg),
		decisions,
		telemetry.NewFanout(logger, telemetry.NewLogSink(logger)),
		logger,
	)

	return &Loop{
		Tracker:    tracker,
		Versions:   versions,
		Toolkit:    toolkit,
		Analyzer:   an,
		Strategies: engine,
		Decisions:  decisions,
		Runner:     runner,
		Pipeline:   New(DefaultConfig(), tracker, an, engine, runner, decisions, toolkit, logger),
	}, nil
}

// Replay runs one pass over every fixture target and checks expectations.
func Replay(ctx context.Context, f *replay.Fixture, logger *zap.Logger) (Report, error) {
	loop, err := NewFixtureLoop(ctx, f, logger)
	if err != nil {
		return Report{}, err
	}
	outcomes := loop.Pipeline.RunAll(ctx)
	byTarget := make(map[string]Outcome, len(outcomes))
	for _, o := range outcomes {
		byTarget[o.Target] = o
	}

	report := Report{Description: f.Description, Outcomes: outcomes}
	for _, exp := range f.Expected {
		tr := TargetReport{
			Target:          exp.Target,
			ExpectedState:   exp.State,
			ExpectedVersion: exp.Version,
			State:           SkippedState,
		}
		o := byTarget[exp.Target]
		switch {
		case o.Result != nil:
			tr.State = string(o.Result.Final)
			tr.Strategy = o.Result.Strategy
			tr.Improvement = o.Result.Evaluation.Improvement
			tr.Reason = o.Result.Reason
		case o.Err != nil:
			tr.State = "error"
			tr.Reason = o.Err.Error()
		default:
			tr.Reason = o.Skipped
		}
		if cur, ok := loop.Versions.Current(exp.Target); ok {
			tr.Version = cur.Version
		}
		tr.Pass = tr.State == exp.State && (exp.Version == 0 || tr.Version == exp.Version)
		report.Targets = append(report.Targets, tr)
	}
	return report, nil
}

// Summarize renders a report for terminal output.
func Summarize(r Report) string {
	var b strings.Builder
	if r.Description != "" {
		fmt.Fprintf(&b, "%s\n", r.Description)
	}
	fmt.Fprintf(&b, "%-24s %-10s %-10s %-8s %-18s %s\n", "TARGET", "EXPECTED", "GOT", "VERSION", "STRATEGY", "RESULT")
	passed := 0
	for _, t := range r.Targets {
		verdict := "FAIL"
		if t.Pass {
			verdict = "ok"
			passed++
		}
		fmt.Fprintf(&b, "%-24s %-10s %-10s v%-7d %-18s %s", t.Target, t.ExpectedState, t.State, t.Version, t.Strategy, verdict)
		if !t.Pass && t.Reason != "" {
			fmt.Fprintf(&b, " (%s)", t.Reason)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%d/%d expectations met\n", passed, len(r.Targets))
	return b.String()
}

// #endregion harness
