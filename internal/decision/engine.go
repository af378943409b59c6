// Package decision applies experiment verdicts to the version history and
// enforces one active experiment per target.
package decision

// #region imports
import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-loop/internal/experiment"
	"github.com/danielpatrickdp/adaptive-loop/internal/faults"
	"github.com/danielpatrickdp/adaptive-loop/internal/resilience"
	"github.com/danielpatrickdp/adaptive-loop/internal/strategy"
	"github.com/danielpatrickdp/adaptive-loop/internal/version"
)

// #endregion

// #region interfaces

// Swapper makes a version live in the running application.
type Swapper interface {
	SwapCurrent(ctx context.Context, target string, v int) error
}

// ResultLog stores experiment results for audit.
type ResultLog interface {
	AppendResult(ctx context.Context, r experiment.Result) error
	Results(ctx context.Context, target string, limit int) ([]experiment.Result, error)
}

// Learner receives the measured outcome of every decided experiment.
type Learner interface {
	Record(ctx context.Context, o strategy.Outcome) error
}

// #endregion interfaces

// #region engine

// Engine implements experiment.Decider on top of a version.Store.
type Engine struct {
	versions *version.Store
	swapper  Swapper
	results  ResultLog
	learner  Learner
	retry    resilience.RetryConfig
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]string // target -> experiment ID
	memLog []experiment.Result
}

// NewEngine creates an Engine. swapper, results and learner may be nil.
func NewEngine(versions *version.Store, swapper Swapper, results ResultLog, learner Learner, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("decision")
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger(logger, "swap current version")
	return &Engine{
		versions: versions,
		swapper:  swapper,
		results:  results,
		learner:  learner,
		retry:    retry,
		logger:   logger,
		active:   make(map[string]string),
	}
}

var _ experiment.Decider = (*Engine)(nil)

// Begin marks experimentID as the active experiment for target. base must
// still be the current version; a candidate built on an older version is
// rejected before any work is done.
func (e *Engine) Begin(target string, base int, experimentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.versions.Current(target)
	if !ok {
		return eris.Wrapf(faults.ErrUnknownTarget, "begin %s", target)
	}
	if cur.Version != base {
		return eris.Wrapf(faults.ErrStaleBase, "begin %s: candidate base v%d, current v%d", target, base, cur.Version)
	}
	if id, busy := e.active[target]; busy {
		return eris.Wrapf(faults.ErrDuplicateActive, "begin %s: experiment %s still active", target, id)
	}
	e.active[target] = experimentID
	return nil
}

// Active returns the active experiment for target.
func (e *Engine) Active(target string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.active[target]
	return id, ok
}

// end clears the active slot if it still belongs to experimentID.
func (e *Engine) end(target, experimentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[target] == experimentID {
		delete(e.active, target)
	}
}

// Commit appends the candidate body as a new version and makes it live.
// A stale base leaves the store unchanged and keeps the experiment active so
// the caller can discard it.
func (e *Engine) Commit(ctx context.Context, c strategy.Candidate, r experiment.Result) (version.Record, error) {
	if !r.Success || r.Final != experiment.StateCommitted {
		return version.Record{}, eris.Wrapf(faults.ErrNotSuccessful, "commit %s (experiment %s)", c.Target, r.ExperimentID)
	}
	if cur, ok := e.Active(c.Target); !ok || cur != r.ExperimentID {
		return version.Record{}, eris.Wrapf(faults.ErrIllegalState, "commit %s: experiment %s is not active", c.Target, r.ExperimentID)
	}
	rec, err := e.versions.Append(ctx, c.Target, c.BaseVersion, c.ProposedBody, r.ExperimentID)
	if err != nil {
		return version.Record{}, eris.Wrapf(err, "commit %s", c.Target)
	}
	e.swap(ctx, rec)
	e.record(ctx, r)
	e.learn(ctx, r)
	e.end(c.Target, r.ExperimentID)
	return rec, nil
}

// Discard records a rejected candidate. The live version is untouched.
func (e *Engine) Discard(ctx context.Context, r experiment.Result) error {
	defer e.end(r.Target, r.ExperimentID)
	e.learn(ctx, r)
	return e.record(ctx, r)
}

// Abort records an experiment that did not complete.
func (e *Engine) Abort(ctx context.Context, r experiment.Result) error {
	defer e.end(r.Target, r.ExperimentID)
	return e.record(ctx, r)
}

// Rollback restores an earlier version and makes it live.
func (e *Engine) Rollback(ctx context.Context, target string, to int) (version.Record, error) {
	before, _ := e.versions.Current(target)
	rec, err := e.versions.Rollback(ctx, target, to)
	if err != nil {
		return version.Record{}, err
	}
	if rec.Version != before.Version {
		e.swap(ctx, rec)
	}
	return rec, nil
}

// Current returns the live version of target.
func (e *Engine) Current(target string) (version.Record, bool) {
	return e.versions.Current(target)
}

// History returns every version of target.
func (e *Engine) History(target string) []version.Record {
	return e.versions.History(target)
}

// Results returns recent experiment results for target, newest first.
func (e *Engine) Results(ctx context.Context, target string, limit int) ([]experiment.Result, error) {
	if e.results != nil {
		return e.results.Results(ctx, target, limit)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []experiment.Result
	for i := len(e.memLog) - 1; i >= 0; i-- {
		if target != "" && e.memLog[i].Target != target {
			continue
		}
		out = append(out, e.memLog[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Sync pushes every target's current version to the swapper, e.g. after a
// restart. Failures are collected, not fatal.
func (e *Engine) Sync(ctx context.Context) error {
	if e.swapper == nil {
		return nil
	}
	var failed []string
	for _, target := range e.versions.Targets() {
		rec, ok := e.versions.Current(target)
		if !ok {
			continue
		}
		err := resilience.Do(ctx, e.retry, func(ctx context.Context) error {
			return e.swapper.SwapCurrent(ctx, target, rec.Version)
		})
		if err != nil {
			e.logger.Error("sync failed", zap.String("target", target), zap.Int("version", rec.Version), zap.Error(err))
			failed = append(failed, target)
		}
	}
	if len(failed) > 0 {
		return eris.Errorf("sync failed for %d targets: %v", len(failed), failed)
	}
	return nil
}

// #endregion engine

// #region helpers

// swap makes rec live. The version is already durable, so a swap failure is
// logged and left for the next Sync.
func (e *Engine) swap(ctx context.Context, rec version.Record) {
	if e.swapper == nil {
		return
	}
	err := resilience.Do(ctx, e.retry, func(ctx context.Context) error {
		return e.swapper.SwapCurrent(ctx, rec.Target, rec.Version)
	})
	if err != nil {
		e.logger.Error("swap current failed; live version lags the store",
			zap.String("target", rec.Target),
			zap.Int("version", rec.Version),
			zap.Error(err))
	}
}

func (e *Engine) record(ctx context.Context, r experiment.Result) error {
	if e.results == nil {
		e.mu.Lock()
		e.memLog = append(e.memLog, r)
		e.mu.Unlock()
		return nil
	}
	err := resilience.Do(ctx, e.retry, func(ctx context.Context) error {
		return e.results.AppendResult(ctx, r)
	})
	if err != nil {
		e.logger.Error("persist result failed", zap.String("experiment_id", r.ExperimentID), zap.Error(err))
		return faults.Wrap(faults.TransientIO, err, "persist result "+r.ExperimentID)
	}
	return nil
}

// learn feeds completed trials to the strategy memory. Aborted experiments
// measured nothing and are skipped.
func (e *Engine) learn(ctx context.Context, r experiment.Result) {
	if e.learner == nil || r.Strategy == "" || r.Original.Samples == 0 {
		return
	}
	o := strategy.Outcome{
		ExperimentID: r.ExperimentID,
		Target:       r.Target,
		Strategy:     r.Strategy,
		Signal:       r.Signal,
		Metric:       r.Evaluation.Metric,
		Expected:     r.Expected,
		Measured:     r.Evaluation.Improvement,
		Committed:    r.Final == experiment.StateCommitted,
		CreatedAt:    r.MeasuredAt,
	}
	if err := e.learner.Record(ctx, o); err != nil {
		e.logger.Warn("record strategy outcome failed", zap.String("strategy", r.Strategy), zap.Error(err))
	}
}

// #endregion helpers
