package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-loop/internal/analyzer"
	"github.com/danielpatrickdp/adaptive-loop/internal/experiment"
	"github.com/danielpatrickdp/adaptive-loop/internal/faults"
	"github.com/danielpatrickdp/adaptive-loop/internal/strategy"
	"github.com/danielpatrickdp/adaptive-loop/internal/version"
)

type swapLog struct {
	mu    sync.Mutex
	swaps []string
	fail  error
}

func (s *swapLog) SwapCurrent(_ context.Context, target string, v int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.swaps = append(s.swaps, fmt.Sprintf("%s@%d", target, v))
	return nil
}

func (s *swapLog) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.swaps...)
}

func setup(t *testing.T) (*Engine, *version.Store, *swapLog) {
	t.Helper()
	store := version.NewStore(nil, nil)
	_, err := store.Init(context.Background(), "cart.total", "v1 body")
	require.NoError(t, err)
	swaps := &swapLog{}
	return NewEngine(store, swaps, nil, nil, nil), store, swaps
}

func candidate(base int) strategy.Candidate {
	return strategy.Candidate{
		ID:             "cand-1",
		Target:         "cart.total",
		BaseVersion:    base,
		ProposedBody:   "v2 body",
		Strategy:       strategy.NameMemoize,
		Signal:         analyzer.KindRedundant,
		ExpectedEffect: strategy.Effect{Metric: strategy.MetricLatency, Improvement: 0.5},
	}
}

func committed(id string) experiment.Result {
	return experiment.Result{
		ExperimentID: id,
		Target:       "cart.total",
		Strategy:     strategy.NameMemoize,
		Signal:       analyzer.KindRedundant,
		Expected:     0.5,
		Success:      true,
		Final:        experiment.StateCommitted,
		Evaluation:   experiment.Evaluation{Success: true, Metric: strategy.MetricLatency, Improvement: 0.4},
		Original:     experiment.Arm{Samples: 100},
		MeasuredAt:   time.Now(),
	}
}

func TestBeginOneActivePerTarget(t *testing.T) {
	e, _, _ := setup(t)

	const n = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		dups int
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.Begin("cart.total", 1, fmt.Sprintf("exp-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, faults.ErrDuplicateActive):
				dups++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, dups)
	_, ok := e.Active("cart.total")
	assert.True(t, ok)
}

func TestBeginUnknownTarget(t *testing.T) {
	e, _, _ := setup(t)
	err := e.Begin("nope", 1, "exp-1")
	assert.ErrorIs(t, err, faults.ErrUnknownTarget)
}

func TestBeginRejectsStaleBase(t *testing.T) {
	e, store, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, e.Begin("cart.total", 1, "exp-1"))
	_, err := e.Commit(ctx, candidate(1), committed("exp-1"))
	require.NoError(t, err)

	// A candidate proposed against v1 can no longer start.
	err = e.Begin("cart.total", 1, "exp-2")
	require.ErrorIs(t, err, faults.ErrStaleBase)
	assert.True(t, faults.Is(err, faults.InvariantViolation))
	_, active := e.Active("cart.total")
	assert.False(t, active)

	_, err = e.Rollback(ctx, "cart.total", 1)
	require.NoError(t, err)
	assert.ErrorIs(t, e.Begin("cart.total", 2, "exp-3"), faults.ErrStaleBase)
	require.NoError(t, e.Begin("cart.total", 3, "exp-3"))
	assert.Len(t, store.History("cart.total"), 3)
}

func TestCommitAppendsAndSwaps(t *testing.T) {
	e, store, swaps := setup(t)
	ctx := context.Background()
	require.NoError(t, e.Begin("cart.total", 1, "exp-1"))

	rec, err := e.Commit(ctx, candidate(1), committed("exp-1"))
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
	assert.Equal(t, "exp-1", rec.SourceExperimentID)

	cur, _ := store.Current("cart.total")
	assert.Equal(t, "v2 body", cur.Body)
	assert.Equal(t, []string{"cart.total@2"}, swaps.list())

	_, active := e.Active("cart.total")
	assert.False(t, active)

	results, err := e.Results(ctx, "cart.total", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "exp-1", results[0].ExperimentID)
}

func TestCommitRejectsUnsuccessful(t *testing.T) {
	e, store, _ := setup(t)
	require.NoError(t, e.Begin("cart.total", 1, "exp-1"))

	r := committed("exp-1")
	r.Success = false
	_, err := e.Commit(context.Background(), candidate(1), r)
	assert.ErrorIs(t, err, faults.ErrNotSuccessful)
	assert.Len(t, store.History("cart.total"), 1)
}

func TestCommitRequiresActiveExperiment(t *testing.T) {
	e, _, _ := setup(t)
	_, err := e.Commit(context.Background(), candidate(1), committed("exp-1"))
	assert.ErrorIs(t, err, faults.ErrIllegalState)
}

func TestCommitStaleBaseThenDiscard(t *testing.T) {
	e, store, swaps := setup(t)
	ctx := context.Background()
	require.NoError(t, e.Begin("cart.total", 1, "exp-1"))
	// Another writer moves the target while the experiment runs.
	_, err := store.Append(ctx, "cart.total", 1, "concurrent body", "other")
	require.NoError(t, err)

	_, err = e.Commit(ctx, candidate(1), committed("exp-1"))
	require.ErrorIs(t, err, faults.ErrStaleBase)
	assert.Empty(t, swaps.list())

	// Still active until the runner discards.
	_, active := e.Active("cart.total")
	assert.True(t, active)

	r := committed("exp-1")
	r.Success = false
	r.Final = experiment.StateDiscarded
	require.NoError(t, e.Discard(ctx, r))
	_, active = e.Active("cart.total")
	assert.False(t, active)

	cur, _ := store.Current("cart.total")
	assert.Equal(t, 2, cur.Version)
	assert.Equal(t, "concurrent body", cur.Body)
}

func TestAbortReleasesSlot(t *testing.T) {
	e, _, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, e.Begin("cart.total", 1, "exp-1"))
	require.NoError(t, e.Abort(ctx, experiment.Result{ExperimentID: "exp-1", Target: "cart.total", Final: experiment.StateAborted}))
	require.NoError(t, e.Begin("cart.total", 1, "exp-2"))
}

func TestStaleEndDoesNotReleaseNewerExperiment(t *testing.T) {
	e, _, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, e.Begin("cart.total", 1, "exp-2"))
	require.NoError(t, e.Abort(ctx, experiment.Result{ExperimentID: "exp-1", Target: "cart.total"}))
	id, ok := e.Active("cart.total")
	require.True(t, ok)
	assert.Equal(t, "exp-2", id)
}

func TestSwapFailureKeepsCommit(t *testing.T) {
	e, store, swaps := setup(t)
	e.retry.MaxAttempts = 1
	swaps.fail = errors.New("hot reload refused")
	require.NoError(t, e.Begin("cart.total", 1, "exp-1"))

	rec, err := e.Commit(context.Background(), candidate(1), committed("exp-1"))
	require.NoError(t, err)
	cur, _ := store.Current("cart.total")
	assert.Equal(t, rec, cur)
}

func TestRollback(t *testing.T) {
	e, _, swaps := setup(t)
	ctx := context.Background()
	require.NoError(t, e.Begin("cart.total", 1, "exp-1"))
	_, err := e.Commit(ctx, candidate(1), committed("exp-1"))
	require.NoError(t, err)

	rec, err := e.Rollback(ctx, "cart.total", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Version)
	assert.Equal(t, "v1 body", rec.Body)
	assert.Equal(t, 1, rec.RestoredFrom)

	again, err := e.Rollback(ctx, "cart.total", 1)
	require.NoError(t, err)
	assert.Equal(t, rec, again)
	assert.Equal(t, []string{"cart.total@2", "cart.total@3"}, swaps.list())
	assert.Len(t, e.History("cart.total"), 3)

	_, err = e.Rollback(ctx, "cart.total", 9)
	assert.ErrorIs(t, err, faults.ErrUnknownVersion)
}

func TestLearnerRecordsOutcomes(t *testing.T) {
	store := version.NewStore(nil, nil)
	ctx := context.Background()
	_, err := store.Init(ctx, "cart.total", "v1 body")
	require.NoError(t, err)
	log := &strategy.MemoryLog{}
	e := NewEngine(store, nil, nil, strategy.NewMemory(log), nil)

	require.NoError(t, e.Begin("cart.total", 1, "exp-1"))
	_, err = e.Commit(ctx, candidate(1), committed("exp-1"))
	require.NoError(t, err)

	outcomes, err := log.Outcomes(ctx, strategy.NameMemoize, analyzer.KindRedundant)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Committed)
	assert.InDelta(t, 0.4, outcomes[0].Measured, 1e-9)
	assert.InDelta(t, 0.5, outcomes[0].Expected, 1e-9)
}

func TestDiscardsTeachMemory(t *testing.T) {
	store := version.NewStore(nil, nil)
	ctx := context.Background()
	_, err := store.Init(ctx, "cart.total", "v1 body")
	require.NoError(t, err)
	log := &strategy.MemoryLog{}
	memory := strategy.NewMemory(log)
	e := NewEngine(store, nil, nil, memory, nil)

	for i := range 3 {
		id := fmt.Sprintf("exp-%d", i)
		require.NoError(t, e.Begin("cart.total", 1, id))
		r := committed(id)
		r.Success = false
		r.Final = experiment.StateDiscarded
		r.Evaluation.Success = false
		r.Evaluation.Improvement = -0.3
		require.NoError(t, e.Discard(ctx, r))
	}

	outcomes, err := log.Outcomes(ctx, strategy.NameMemoize, analyzer.KindRedundant)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.False(t, o.Committed)
		assert.InDelta(t, 0.5, o.Expected, 1e-9)
	}

	learned, n, ok, err := memory.Learned(ctx, strategy.NameMemoize, analyzer.KindRedundant)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, n)
	assert.InDelta(t, -0.3, learned, 1e-9)
	assert.Len(t, store.History("cart.total"), 1)
}

func TestSync(t *testing.T) {
	e, store, swaps := setup(t)
	ctx := context.Background()
	_, err := store.Init(ctx, "search.rank", "body")
	require.NoError(t, err)

	require.NoError(t, e.Sync(ctx))
	assert.ElementsMatch(t, []string{"cart.total@1", "search.rank@1"}, swaps.list())
}
