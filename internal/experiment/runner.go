// Package experiment trials a candidate against its baseline on replayed
// traffic and drives the lifecycle to exactly one terminal state.
package experiment

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-loop/internal/faults"
	"github.com/danielpatrickdp/adaptive-loop/internal/replay"
	"github.com/danielpatrickdp/adaptive-loop/internal/strategy"
	"github.com/danielpatrickdp/adaptive-loop/internal/telemetry"
	"github.com/danielpatrickdp/adaptive-loop/internal/usage"
)

// #endregion

var tracer = otel.Tracer("adaptive-loop/experiment")

// #region runner

// Runner executes experiments.
type Runner struct {
	config   RunnerConfig
	isolator Isolator
	source   replay.Source
	policy   Policy
	decider  Decider
	sink     telemetry.Sink
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// NewRunner creates a Runner. policy defaults to a ThresholdPolicy with
// default thresholds; sink and logger may be nil.
func NewRunner(
	config RunnerConfig,
	isolator Isolator,
	source replay.Source,
	policy Policy,
	decider Decider,
	sink telemetry.Sink,
	logger *zap.Logger,
) *Runner {
	defaults := DefaultRunnerConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.DecisionTimeout <= 0 {
		config.DecisionTimeout = defaults.DecisionTimeout
	}
	if config.CleanupTimeout <= 0 {
		config.CleanupTimeout = defaults.CleanupTimeout
	}
	if config.WorkloadSize <= 0 {
		config.WorkloadSize = defaults.WorkloadSize
	}
	if policy == nil {
		policy = NewThresholdPolicy(DefaultPolicyConfig())
	}
	if sink == nil {
		sink = telemetry.NewFanout(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		config:   config,
		isolator: isolator,
		source:   source,
		policy:   policy,
		decider:  decider,
		sink:     sink,
		logger:   logger.Named("experiment"),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}
}

// #endregion runner

// #region phases

// Setup samples a workload and applies the candidate to an isolated copy.
func (r *Runner) Setup(ctx context.Context, c strategy.Candidate) (SetupData, error) {
	workload, err := r.source.Sample(ctx, c.Target, r.config.WorkloadSize)
	if err != nil {
		return SetupData{}, eris.Wrapf(err, "sample workload for %s", c.Target)
	}
	if len(workload) == 0 {
		return SetupData{}, eris.Errorf("no recorded workload for %s", c.Target)
	}
	handle, err := r.isolator.Apply(ctx, c)
	if err != nil {
		return SetupData{}, eris.Wrapf(err, "apply candidate %s", c.ID)
	}
	return SetupData{Candidate: c, Handle: handle, Workload: workload, StartedAt: r.now()}, nil
}

// Run replays the workload through baseline and candidate.
func (r *Runner) Run(ctx context.Context, sd SetupData) (Measurements, error) {
	if sd.Handle == nil {
		return Measurements{}, eris.New("run without setup")
	}
	base, cand := sd.Handle.Baseline(), sd.Handle.Candidate()
	var (
		m          Measurements
		baseHist   usage.Histogram
		candHist   usage.Histogram
		equivalent int
	)
	for _, ev := range sd.Workload {
		if err := ctx.Err(); err != nil {
			return m, err
		}
		b, err := invoke(ctx, base, ev)
		if err != nil {
			return m, eris.Wrap(err, "baseline invocation")
		}
		c, err := invoke(ctx, cand, ev)
		if err != nil {
			return m, eris.Wrap(err, "candidate invocation")
		}
		m.Samples++
		observe(&m.Baseline, &baseHist, b)
		observe(&m.Candidate, &candHist, c)
		if b.Err == nil && c.Err == nil {
			m.Compared++
			if b.Output == c.Output {
				equivalent++
			}
		}
	}
	finish(&m.Baseline, baseHist)
	finish(&m.Candidate, candHist)
	m.Equivalence = 1
	if m.Compared > 0 {
		m.Equivalence = float64(equivalent) / float64(m.Compared)
	}
	return m, nil
}

// Cleanup releases the isolated copy. Failures are logged only.
func (r *Runner) Cleanup(sd SetupData, outcome State) {
	if sd.Handle == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.config.CleanupTimeout)
	defer cancel()
	if err := sd.Handle.Release(ctx); err != nil {
		r.logger.Warn("cleanup failed",
			zap.String("experiment_id", sd.ExperimentID),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
	}
}

// invoke times the call when the executor reports no latency of its own.
func invoke(ctx context.Context, ex Executor, ev usage.Event) (Observation, error) {
	start := time.Now()
	obs, err := ex.Invoke(ctx, ev)
	if err != nil {
		return obs, err
	}
	if obs.Latency == 0 {
		obs.Latency = time.Since(start)
	}
	return obs, nil
}

func observe(a *Arm, h *usage.Histogram, o Observation) {
	a.Samples++
	if o.Err != nil {
		a.Errors++
	}
	a.TotalLatency += o.Latency
	h.Observe(o.Latency)
}

func finish(a *Arm, h usage.Histogram) {
	if a.Samples == 0 {
		return
	}
	a.ErrorRate = float64(a.Errors) / float64(a.Samples)
	a.MeanLatency = a.TotalLatency / time.Duration(a.Samples)
	a.P95 = h.Quantile(0.95)
}

// #endregion phases

// #region execute

// Execute runs the full lifecycle for c. The returned error is non-nil only
// when the experiment could not begin; every begun experiment returns a
// Result in a terminal state.
func (r *Runner) Execute(ctx context.Context, c strategy.Candidate) (Result, error) {
	id := r.newID()
	if err := r.decider.Begin(c.Target, c.BaseVersion, id); err != nil {
		return Result{}, eris.Wrapf(err, "begin experiment for %s", c.Target)
	}

	ctx, span := tracer.Start(ctx, "experiment.execute", trace.WithAttributes(
		attribute.String("experiment.id", id),
		attribute.String("target", c.Target),
		attribute.String("strategy", c.Strategy),
		attribute.Int("base_version", c.BaseVersion),
	))
	defer span.End()

	exp := newExperiment(id, c, r.now)
	r.emit(ctx, telemetry.Event{
		Type:         telemetry.ExperimentStarted,
		ExperimentID: id,
		Target:       c.Target,
		CandidateID:  c.ID,
		Strategy:     c.Strategy,
		At:           exp.StartedAt,
	})

	var (
		sd   SetupData
		once sync.Once
	)
	defer once.Do(func() { r.Cleanup(sd, exp.State) })

	runCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	ev, trialErr := r.trial(runCtx, exp, &sd)
	cancel()

	// Bookkeeping continues past the trial budget so the decision is recorded.
	dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.DecisionTimeout)
	defer dcancel()

	var res Result
	switch {
	case trialErr != nil:
		res = r.abort(dctx, exp, trialErr)
	case ev.Success:
		res = r.commit(dctx, exp, ev)
	default:
		res = r.discard(dctx, exp, ev, ev.Reason)
	}

	once.Do(func() { r.Cleanup(sd, exp.State) })

	span.SetAttributes(attribute.String("state", string(res.Final)))
	if res.Final == StateAborted {
		span.SetStatus(codes.Error, res.Reason)
	}
	r.logger.Info("experiment finished",
		zap.String("experiment_id", id),
		zap.String("target", c.Target),
		zap.String("strategy", c.Strategy),
		zap.String("state", string(res.Final)),
		zap.String("reason", res.Reason))
	return res, nil
}

// trial runs setup, run and evaluate under ctx. Each phase runs in its own
// goroutine so an unresponsive collaborator cannot outlive the budget.
func (r *Runner) trial(ctx context.Context, exp *Experiment, sd *SetupData) (Evaluation, error) {
	setup, err := runPhase(ctx, func(ctx context.Context) (SetupData, error) {
		return r.Setup(ctx, exp.Candidate)
	}, func(late SetupData) {
		r.Cleanup(late, StateAborted)
	})
	if err != nil {
		return Evaluation{}, r.phaseError(ctx, "setup", err)
	}
	setup.ExperimentID = exp.ID
	*sd = setup
	exp.Setup = sd

	if err := exp.transition(StateRunning, ""); err != nil {
		return Evaluation{}, err
	}
	m, err := runPhase(ctx, func(ctx context.Context) (Measurements, error) {
		return r.Run(ctx, setup)
	}, nil)
	if err != nil {
		return Evaluation{}, r.phaseError(ctx, "run", err)
	}
	exp.Measurements = &m

	if err := exp.transition(StateEvaluating, ""); err != nil {
		return Evaluation{}, err
	}
	ev, err := runPhase(ctx, func(context.Context) (Evaluation, error) {
		return r.policy.Evaluate(m, exp.Candidate)
	}, nil)
	if err != nil {
		return Evaluation{}, r.phaseError(ctx, "evaluate", err)
	}
	return ev, nil
}

func (r *Runner) phaseError(ctx context.Context, phase string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return faults.Wrap(faults.ExperimentTimeout, err, phase+" exceeded budget")
	}
	return eris.Wrap(err, phase)
}

// runPhase runs fn in a goroutine and returns early when ctx ends. A value
// produced after the caller gave up is handed to orphan.
func runPhase[T any](ctx context.Context, fn func(context.Context) (T, error), orphan func(T)) (T, error) {
	type outcome struct {
		val T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: eris.Errorf("phase panicked: %v", p)}
			}
		}()
		v, err := fn(ctx)
		ch <- outcome{val: v, err: err}
	}()

	select {
	case o := <-ch:
		return o.val, o.err
	case <-ctx.Done():
		if orphan != nil {
			go func() {
				if o := <-ch; o.err == nil {
					orphan(o.val)
				}
			}()
		}
		var zero T
		return zero, ctx.Err()
	}
}

// #endregion execute

// #region decide

func (r *Runner) commit(ctx context.Context, exp *Experiment, ev Evaluation) Result {
	r.must(exp.transition(StateSuccess, ev.Reason))
	r.must(exp.transition(StateCommitting, ""))
	res := r.result(exp, ev, StateCommitted, ev.Reason)

	rec, err := r.decider.Commit(ctx, exp.Candidate, res)
	if err == nil {
		r.must(exp.transition(StateCommitted, fmt.Sprintf("v%d", rec.Version)))
		res = r.result(exp, ev, StateCommitted, ev.Reason)
		r.emitTerminal(ctx, exp, telemetry.ExperimentCommitted, res)
		return res
	}
	if errors.Is(err, faults.ErrStaleBase) {
		return r.discard(ctx, exp, ev, "base version moved: "+err.Error())
	}
	return r.abort(ctx, exp, err)
}

func (r *Runner) discard(ctx context.Context, exp *Experiment, ev Evaluation, reason string) Result {
	if exp.State == StateEvaluating {
		r.must(exp.transition(StateFailure, reason))
	}
	r.must(exp.transition(StateDiscarding, reason))
	res := r.result(exp, ev, StateDiscarded, reason)
	if err := r.decider.Discard(ctx, res); err != nil {
		r.logger.Error("recording discard failed", zap.String("experiment_id", exp.ID), zap.Error(err))
	}
	r.must(exp.transition(StateDiscarded, ""))
	res = r.result(exp, ev, StateDiscarded, reason)
	r.emitTerminal(ctx, exp, telemetry.ExperimentDiscarded, res)
	return res
}

func (r *Runner) abort(ctx context.Context, exp *Experiment, cause error) Result {
	trace.SpanFromContext(ctx).RecordError(cause)
	reason := cause.Error()
	if k, ok := faults.KindOf(cause); ok && !strings.HasPrefix(reason, k.String()) {
		reason = k.String() + ": " + reason
	}
	var ev Evaluation
	r.must(exp.transition(StateAborting, reason))
	res := r.result(exp, ev, StateAborted, reason)
	if err := r.decider.Abort(ctx, res); err != nil {
		r.logger.Error("recording abort failed", zap.String("experiment_id", exp.ID), zap.Error(err))
	}
	r.must(exp.transition(StateAborted, ""))
	res = r.result(exp, ev, StateAborted, reason)
	r.emitTerminal(ctx, exp, telemetry.ExperimentAborted, res)
	return res
}

func (r *Runner) result(exp *Experiment, ev Evaluation, final State, reason string) Result {
	res := Result{
		ExperimentID: exp.ID,
		CandidateID:  exp.Candidate.ID,
		Target:       exp.Candidate.Target,
		Strategy:     exp.Candidate.Strategy,
		Signal:       exp.Candidate.Signal,
		Expected:     exp.Candidate.ExpectedEffect.Improvement,
		BaseVersion:  exp.Candidate.BaseVersion,
		Success:      ev.Success && final == StateCommitted,
		Evaluation:   ev,
		Final:        final,
		Reason:       reason,
		StartedAt:    exp.StartedAt,
		MeasuredAt:   r.now(),
		Transitions:  append([]Transition(nil), exp.Transitions...),
	}
	if exp.Measurements != nil {
		res.Original = exp.Measurements.Baseline
		res.Candidate = exp.Measurements.Candidate
	}
	return res
}

// must logs an illegal transition. The runner only requests legal ones, so
// this indicates a bug rather than a runtime condition.
func (r *Runner) must(err error) {
	if err != nil {
		r.logger.DPanic("illegal experiment transition", zap.Error(err))
	}
}

func (r *Runner) emit(ctx context.Context, ev telemetry.Event) {
	if err := r.sink.Emit(ctx, ev); err != nil {
		r.logger.Warn("telemetry emit failed", zap.Error(err))
	}
}

func (r *Runner) emitTerminal(ctx context.Context, exp *Experiment, t telemetry.EventType, res Result) {
	r.emit(ctx, telemetry.Event{
		Type:         t,
		ExperimentID: exp.ID,
		Target:       exp.Candidate.Target,
		CandidateID:  exp.Candidate.ID,
		Strategy:     exp.Candidate.Strategy,
		Reason:       res.Reason,
		Improvement:  res.Evaluation.Improvement,
		Duration:     res.MeasuredAt.Sub(exp.StartedAt),
		At:           res.MeasuredAt,
	})
}

// #endregion decide
