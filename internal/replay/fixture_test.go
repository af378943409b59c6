package replay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-loop/internal/usage"
)

const yamlFixture = `
description: two groups
config:
  improvement_threshold: 0.25
targets:
  - name: cart.total
    body: "sum(items)"
    pure: true
    events:
      - count: 3
        latency_ms: 80
        tags: [standard]
      - count: 1
        latency_ms: 5
        outcome: error
        tags: [empty]
        input: "{}"
    profile:
      latency_factor:
        fast-path: 0.5
expected:
  - target: cart.total
    state: committed
    version: 2
`

const jsonFixture = `{
  "description": "json",
  "targets": [{"name": "a", "events": [{"count": 2, "latency_ms": 1}]}],
  "expected": [{"target": "a", "state": "discarded", "version": 1}]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFixtureYAML(t *testing.T) {
	f, err := LoadFixture(writeFile(t, "f.yaml", yamlFixture))
	require.NoError(t, err)
	assert.Equal(t, 0.25, f.Config.ImprovementThreshold)
	require.Len(t, f.Targets, 1)
	assert.True(t, f.Targets[0].Pure)
	assert.Equal(t, 0.5, f.Targets[0].Profile.LatencyFactor["fast-path"])
	assert.Equal(t, FixtureOutcome{Target: "cart.total", State: "committed", Version: 2}, f.Expected[0])
}

func TestLoadFixtureJSON(t *testing.T) {
	f, err := LoadFixture(writeFile(t, "f.json", jsonFixture))
	require.NoError(t, err)
	assert.Equal(t, "json", f.Description)
	assert.Len(t, f.Targets[0].Events, 1)
}

func TestLoadFixtureErrors(t *testing.T) {
	_, err := LoadFixture(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadFixture(writeFile(t, "bad.json", "{not valid json}"))
	assert.Error(t, err)

	_, err = LoadFixture(writeFile(t, "dup.json",
		`{"targets": [{"name": "a"}, {"name": "a"}]}`))
	assert.Error(t, err)

	_, err = LoadFixture(writeFile(t, "orphan.json",
		`{"targets": [{"name": "a"}], "expected": [{"target": "b"}]}`))
	assert.Error(t, err)

	_, err = LoadFixture(writeFile(t, "outcome.json",
		`{"targets": [{"name": "a", "events": [{"count": 1, "outcome": "maybe"}]}]}`))
	assert.Error(t, err)
}

func TestRecordedInterleavesGroups(t *testing.T) {
	f, err := LoadFixture(writeFile(t, "f.yaml", yamlFixture))
	require.NoError(t, err)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	events := f.Targets[0].Recorded(start)

	require.Len(t, events, 4)
	assert.Equal(t, []string{"standard"}, events[0].Tags)
	assert.Equal(t, []string{"empty"}, events[1].Tags)
	assert.Equal(t, usage.OutcomeError, events[1].Outcome)
	assert.Equal(t, "{}", events[1].Input)
	assert.Equal(t, "standard#1", events[2].Input)
	assert.Equal(t, 80*time.Millisecond, events[0].Duration)
	assert.Equal(t, start.Add(3*time.Millisecond), events[3].Timestamp)
	assert.Equal(t, "cart.total", events[3].Target)
}
