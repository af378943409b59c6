package sim

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-loop/internal/faults"
	"github.com/danielpatrickdp/adaptive-loop/internal/strategy"
	"github.com/danielpatrickdp/adaptive-loop/internal/usage"
	"github.com/danielpatrickdp/adaptive-loop/internal/version"
)

func newToolkit(t *testing.T, profile Profile) (*Toolkit, *version.Store) {
	t.Helper()
	store := version.NewStore(nil, nil)
	_, err := store.Init(context.Background(), "price", "return base * rate")
	require.NoError(t, err)
	tk := NewToolkit(store, nil)
	tk.Register(Target{Name: "price", Pure: true, Profile: profile})
	return tk, store
}

func events(n int, outcome usage.Outcome, tag string) []usage.Event {
	out := make([]usage.Event, n)
	for i := range out {
		out[i] = usage.Event{
			Target:   "price",
			Duration: 10 * time.Millisecond,
			Outcome:  outcome,
			Tags:     []string{tag},
			Input:    fmt.Sprintf("%s#%d", tag, i),
		}
	}
	return out
}

func TestRender(t *testing.T) {
	tk, store := newToolkit(t, Profile{})
	base, _ := store.Current("price")
	ctx := context.Background()

	body, err := tk.Render(ctx, "price", base, strategy.Memoize{KeyShape: "sku", Capacity: 8})
	require.NoError(t, err)
	assert.Contains(t, body, base.Body)
	assert.Contains(t, body, "memoize")

	body, err = tk.Render(ctx, "price", base, strategy.AdvisoryRewrite{Body: "return cached"})
	require.NoError(t, err)
	assert.Equal(t, "return cached", body)

	_, err = tk.Render(ctx, "price", base, strategy.AdvisoryRewrite{Body: "  "})
	assert.Error(t, err)

	_, err = tk.Render(ctx, "missing", base, strategy.FastPath{})
	assert.ErrorIs(t, err, faults.ErrUnknownTarget)
}

func TestApplyScalesLatency(t *testing.T) {
	tk, _ := newToolkit(t, Profile{LatencyFactor: map[string]float64{"memoize": 0.5}})
	ctx := context.Background()
	h, err := tk.Apply(ctx, strategy.Candidate{Target: "price", BaseVersion: 1, Transform: strategy.Memoize{}})
	require.NoError(t, err)

	ev := events(1, usage.OutcomeOK, "sku")[0]
	base, err := h.Baseline().Invoke(ctx, ev)
	require.NoError(t, err)
	cand, err := h.Candidate().Invoke(ctx, ev)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Millisecond, base.Latency)
	assert.Equal(t, 5*time.Millisecond, cand.Latency)
	assert.Equal(t, base.Output, cand.Output)
	require.NoError(t, h.Release(ctx))
}

func TestApplyInjectsDeterministically(t *testing.T) {
	profile := Profile{
		ErrorRate:    map[string]float64{"fast-path": 0.3},
		MismatchRate: map[string]float64{"fast-path": 0.2},
	}
	tk, _ := newToolkit(t, profile)
	ctx := context.Background()
	c := strategy.Candidate{Target: "price", BaseVersion: 1, Transform: strategy.FastPath{Shape: "sku"}}

	count := func() (errs, mismatches int) {
		h, err := tk.Apply(ctx, c)
		require.NoError(t, err)
		for _, ev := range events(1000, usage.OutcomeOK, "sku") {
			obs, err := h.Candidate().Invoke(ctx, ev)
			require.NoError(t, err)
			switch {
			case obs.Err != nil:
				errs++
			case obs.Output != "out:"+ev.Input:
				mismatches++
			}
		}
		return errs, mismatches
	}

	e1, m1 := count()
	e2, m2 := count()
	assert.Equal(t, e1, e2)
	assert.Equal(t, m1, m2)
	assert.InDelta(t, 300, e1, 60)
	// Mismatches are drawn from the 70% that did not fail.
	assert.InDelta(t, 140, m1, 50)
}

func TestInputGuardRecoversGuardedShapes(t *testing.T) {
	tk, _ := newToolkit(t, Profile{})
	ctx := context.Background()
	h, err := tk.Apply(ctx, strategy.Candidate{
		Target:      "price",
		BaseVersion: 1,
		Transform:   strategy.InputGuard{Shapes: []string{"empty-cart"}},
	})
	require.NoError(t, err)

	guarded := events(1, usage.OutcomeError, "empty-cart")[0]
	obs, err := h.Candidate().Invoke(ctx, guarded)
	require.NoError(t, err)
	assert.NoError(t, obs.Err)
	assert.Equal(t, "guarded", obs.Output)

	other := events(1, usage.OutcomeError, "sku")[0]
	obs, err = h.Candidate().Invoke(ctx, other)
	require.NoError(t, err)
	assert.Error(t, obs.Err)

	base, err := h.Baseline().Invoke(ctx, guarded)
	require.NoError(t, err)
	assert.Error(t, base.Err)
}

func TestApplyUnknownVersion(t *testing.T) {
	tk, _ := newToolkit(t, Profile{})
	_, err := tk.Apply(context.Background(), strategy.Candidate{Target: "price", BaseVersion: 7, Transform: strategy.Memoize{}})
	assert.ErrorIs(t, err, faults.ErrUnknownVersion)
}

func TestSwapAndStructural(t *testing.T) {
	tk, store := newToolkit(t, Profile{})
	ctx := context.Background()
	_, err := store.Append(ctx, "price", 1, "v2", "exp")
	require.NoError(t, err)

	require.NoError(t, tk.SwapCurrent(ctx, "price", 2))
	assert.Equal(t, 2, tk.Live("price"))
	assert.Equal(t, 1, tk.Swaps())
	assert.ErrorIs(t, tk.SwapCurrent(ctx, "price", 5), faults.ErrUnknownVersion)

	body, err := tk.Body(ctx, "price", 1)
	require.NoError(t, err)
	assert.Equal(t, "return base * rate", body)

	s := tk.Structural("price")
	require.NotNil(t, s)
	assert.True(t, s.Pure)
	assert.Equal(t, 2, s.Version)
	assert.Nil(t, tk.Structural("missing"))
}

func TestInvokeHonoursCancellation(t *testing.T) {
	tk, _ := newToolkit(t, Profile{})
	ctx, cancel := context.WithCancel(context.Background())
	h, err := tk.Apply(ctx, strategy.Candidate{Target: "price", BaseVersion: 1, Transform: strategy.Memoize{}})
	require.NoError(t, err)
	cancel()
	_, err = h.Candidate().Invoke(ctx, events(1, usage.OutcomeOK, "sku")[0])
	assert.ErrorIs(t, err, context.Canceled)
}
