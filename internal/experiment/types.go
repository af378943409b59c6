package experiment

import (
	"context"
	"time"

	"github.com/danielpatrickdp/adaptive-loop/internal/analyzer"
	"github.com/danielpatrickdp/adaptive-loop/internal/strategy"
	"github.com/danielpatrickdp/adaptive-loop/internal/usage"
	"github.com/danielpatrickdp/adaptive-loop/internal/version"
)

// #region toolkit

// Observation is the result of one replayed invocation. Err is the
// invocation's own failure and counts toward the error rate.
type Observation struct {
	Output  string
	Latency time.Duration
	Err     error
}

// Executor replays one recorded invocation. A returned error is a harness
// fault, not an invocation failure.
type Executor interface {
	Invoke(ctx context.Context, ev usage.Event) (Observation, error)
}

// Handle is an isolated copy of a target with the candidate applied.
type Handle interface {
	Baseline() Executor
	Candidate() Executor
	Release(ctx context.Context) error
}

// Isolator applies a candidate to an isolated copy of its target.
type Isolator interface {
	Apply(ctx context.Context, c strategy.Candidate) (Handle, error)
}

// Toolkit is the external code toolkit.
type Toolkit interface {
	Isolator
	Body(ctx context.Context, target string, v int) (string, error)
	SwapCurrent(ctx context.Context, target string, v int) error
}

// Decider records terminal decisions. decision.Engine implements it.
type Decider interface {
	Begin(target string, base int, experimentID string) error
	Commit(ctx context.Context, c strategy.Candidate, r Result) (version.Record, error)
	Discard(ctx context.Context, r Result) error
	Abort(ctx context.Context, r Result) error
}

// #endregion toolkit

// #region measurements

// SetupData is everything Run needs.
type SetupData struct {
	ExperimentID string
	Candidate    strategy.Candidate
	Handle       Handle
	Workload     []usage.Event
	StartedAt    time.Time
}

// Arm summarizes one side of a comparison.
type Arm struct {
	Samples      int
	Errors       int
	ErrorRate    float64
	MeanLatency  time.Duration
	P95          time.Duration
	TotalLatency time.Duration
}

// Measurements compares baseline and candidate over the same workload.
type Measurements struct {
	Samples     int
	Baseline    Arm
	Candidate   Arm
	Compared    int     // invocations where both arms succeeded
	Equivalence float64 // share of compared invocations with identical output
}

// #endregion measurements

// #region evaluation

// VetoType enumerates hard veto categories.
type VetoType string

const (
	VetoInsufficientSamples VetoType = "insufficient_samples"
	VetoErrorRegression     VetoType = "error_regression"
	VetoOutputMismatch      VetoType = "output_mismatch"
)

// Veto is a detected hard veto condition.
type Veto struct {
	Type   VetoType
	Reason string
}

// Evaluation is the policy verdict.
type Evaluation struct {
	Success        bool
	Metric         strategy.Metric
	Improvement    float64 // measured relative improvement on Metric
	ErrorRateDelta float64 // candidate minus baseline
	Equivalence    float64
	Vetoes         []Veto
	Reason         string
}

// #endregion evaluation

// #region result

// Transition is one recorded state change.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// Result is the immutable audit record of one experiment.
type Result struct {
	ExperimentID string
	CandidateID  string
	Target       string
	Strategy     string
	Signal       analyzer.SignalKind
	Expected     float64 // improvement the strategy predicted
	BaseVersion  int
	Success      bool
	Evaluation   Evaluation
	Original     Arm
	Candidate    Arm
	Final        State
	Reason       string
	StartedAt    time.Time
	MeasuredAt   time.Time
	Transitions  []Transition
}

// #endregion result

// #region config

// RunnerConfig bounds an experiment.
type RunnerConfig struct {
	Timeout         time.Duration // wall-clock budget for setup, run and evaluate
	DecisionTimeout time.Duration // budget for commit/discard/abort bookkeeping
	CleanupTimeout  time.Duration
	WorkloadSize    int
}

// DefaultRunnerConfig returns sensible defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Timeout:         30 * time.Second,
		DecisionTimeout: 10 * time.Second,
		CleanupTimeout:  5 * time.Second,
		WorkloadSize:    200,
	}
}

// PolicyConfig holds thresholds for experiment evaluation.
type PolicyConfig struct {
	ImprovementThreshold float64 // minimum relative improvement on the targeted metric
	ErrorRateTolerance   float64 // allowed candidate error-rate increase
	MinSamples           int
	MinEquivalence       float64
}

// DefaultPolicyConfig returns sensible defaults.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		ImprovementThreshold: 0.20,
		ErrorRateTolerance:   0,
		MinSamples:           30,
		MinEquivalence:       0.99,
	}
}

// #endregion config
