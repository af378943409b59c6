package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-loop/internal/config"
	"github.com/danielpatrickdp/adaptive-loop/internal/experiment"
	"github.com/danielpatrickdp/adaptive-loop/internal/replay"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	yaml := fmt.Sprintf(`
store:
  driver: sqlite
  path: %q
flush:
  interval: 10ms
pipeline:
  interval: 20ms
`, filepath.Join(dir, "loop.db"))
	path := filepath.Join(dir, "adaptive.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	c, err := config.Load(path)
	require.NoError(t, err)
	return c
}

func cartFixture() *replay.Fixture {
	return &replay.Fixture{Targets: []replay.FixtureTarget{{
		Name:   "cart.total",
		Body:   "sum(line.price * line.qty for line in cart)",
		Pure:   true,
		Events: []replay.FixtureEventGroup{{Count: 300, LatencyMS: 80, Outcome: "ok", Tags: []string{"sku"}}},
		Profile: replay.FixtureProfile{
			LatencyFactor: map[string]float64{"memoize": 0.4},
		},
	}}}
}

func TestDaemonCommitsAndPersists(t *testing.T) {
	ctx := context.Background()
	c := testConfig(t)
	b, err := openBackend(ctx, c.Store)
	require.NoError(t, err)
	defer b.Close()

	d, err := newDaemon(ctx, c, b, cartFixture(), nil)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, 1, d.toolkit.Live("cart.total"))

	require.NoError(t, d.feed(ctx, feedOptions{Repeat: 1}))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.run(runCtx, nil) }()

	require.Eventually(t, func() bool {
		recs, err := b.LoadVersions(ctx, "cart.total")
		return err == nil && len(recs) >= 2
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	recs, err := b.LoadVersions(ctx, "cart.total")
	require.NoError(t, err)
	assert.Equal(t, 1, recs[0].Version)
	assert.NotEmpty(t, recs[1].SourceExperimentID)

	results, err := b.Results(ctx, "cart.total", 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	var first *experiment.Result
	for i := range results {
		if results[i].ExperimentID == recs[1].SourceExperimentID {
			first = &results[i]
		}
	}
	require.NotNil(t, first, "no result for the experiment that produced v2")
	assert.Equal(t, experiment.StateCommitted, first.Final)

	events, err := b.(eventSource).RecentEvents(ctx, "cart.total", 1000)
	require.NoError(t, err)
	assert.Len(t, events, 300)

	lifecycle, err := b.(lifecycleSource).Lifecycle(ctx, first.ExperimentID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(lifecycle), 2)
}

func TestDaemonRestartRestoresState(t *testing.T) {
	ctx := context.Background()
	c := testConfig(t)
	b, err := openBackend(ctx, c.Store)
	require.NoError(t, err)
	defer b.Close()

	first, err := newDaemon(ctx, c, b, cartFixture(), nil)
	require.NoError(t, err)
	_, err = first.versions.Append(ctx, "cart.total", 1, "cached body", "exp-1")
	require.NoError(t, err)
	require.NoError(t, first.feed(ctx, feedOptions{Repeat: 1}))

	// Run only long enough for the flusher to drain on shutdown.
	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, first.run(runCtx, nil))

	second, err := newDaemon(ctx, c, b, cartFixture(), nil)
	require.NoError(t, err)
	cur, ok := second.versions.Current("cart.total")
	require.True(t, ok)
	assert.Equal(t, 2, cur.Version)
	assert.Equal(t, 2, second.toolkit.Live("cart.total"))

	stat, ok := second.tracker.Snapshot("cart.total", 0)
	require.True(t, ok)
	assert.Equal(t, 300, stat.Count)
}

func TestNewAdvisor(t *testing.T) {
	c := &config.Config{}
	c.Advisory.Provider = "none"
	svc, closeFn, err := newAdvisor(c, nil)
	require.NoError(t, err)
	assert.Nil(t, svc)
	assert.Nil(t, closeFn)

	c.Advisory = config.AdvisoryConfig{Provider: "anthropic", APIKey: "test", Model: "m", MaxTokens: 16}
	svc, closeFn, err = newAdvisor(c, nil)
	require.NoError(t, err)
	assert.NotNil(t, svc)
	assert.Nil(t, closeFn)

	c.Advisory = config.AdvisoryConfig{Provider: "grpc", GRPCAddr: "localhost:1"}
	svc, closeFn, err = newAdvisor(c, nil)
	require.NoError(t, err)
	assert.NotNil(t, svc)
	require.NotNil(t, closeFn)
	assert.NoError(t, closeFn())

	c.Advisory.Provider = "oracle"
	_, _, err = newAdvisor(c, nil)
	assert.Error(t, err)
}
