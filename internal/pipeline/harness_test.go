package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-loop/internal/replay"
)

func loadFixture(t *testing.T, name string) *replay.Fixture {
	t.Helper()
	f, err := replay.LoadFixture(filepath.Join("testdata", name))
	require.NoError(t, err)
	return f
}

func TestReplayInputGuard(t *testing.T) {
	report, err := Replay(context.Background(), loadFixture(t, "input_guard.yaml"), nil)
	require.NoError(t, err)
	require.Len(t, report.Targets, 1)

	tr := report.Targets[0]
	assert.True(t, tr.Pass, "%+v", tr)
	assert.Equal(t, "input-guard", tr.Strategy)
	assert.Equal(t, 2, tr.Version)
	assert.InDelta(t, 1.0, tr.Improvement, 1e-9)
	assert.True(t, report.Pass())
}

func TestReplayMixed(t *testing.T) {
	report, err := Replay(context.Background(), loadFixture(t, "mixed.json"), nil)
	require.NoError(t, err)
	require.Len(t, report.Targets, 3)
	require.Len(t, report.Outcomes, 3)

	got := make(map[string]TargetReport)
	for _, tr := range report.Targets {
		got[tr.Target] = tr
		assert.True(t, tr.Pass, "%+v", tr)
	}
	assert.Equal(t, "committed", got["cart.total"].State)
	assert.Equal(t, "discarded", got["search.rank"].State)
	assert.Equal(t, SkippedState, got["profile.load"].State)
	assert.NotEmpty(t, got["profile.load"].Reason)
	assert.True(t, report.Pass())
}

func TestReplayReportsMismatch(t *testing.T) {
	f := fixture(cartTarget(replay.FixtureProfile{
		LatencyFactor: map[string]float64{"memoize": 0.4},
	}))
	f.Expected = []replay.FixtureOutcome{{Target: "cart.total", State: "discarded", Version: 1}}

	report, err := Replay(context.Background(), f, nil)
	require.NoError(t, err)
	require.Len(t, report.Targets, 1)
	assert.False(t, report.Targets[0].Pass)
	assert.Equal(t, "committed", report.Targets[0].State)
	assert.False(t, report.Pass())
}

func TestSummarize(t *testing.T) {
	r := Report{
		Description: "two targets",
		Targets: []TargetReport{
			{Target: "a", ExpectedState: "committed", State: "committed", Version: 2, Strategy: "memoize", Pass: true},
			{Target: "b", ExpectedState: "committed", State: "discarded", Version: 1, Reason: "error regression"},
		},
	}
	out := Summarize(r)
	assert.Contains(t, out, "two targets\n")
	assert.Contains(t, out, "TARGET")
	assert.Contains(t, out, "(error regression)")
	assert.Contains(t, out, "1/2 expectations met")
}
