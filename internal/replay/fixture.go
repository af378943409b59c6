package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/adaptive-loop/internal/usage"
)

// #region fixture-types

// Fixture describes recorded traffic for a set of targets, how simulated
// candidates behave, and the outcome each target is expected to reach.
type Fixture struct {
	Description string           `json:"description" yaml:"description"`
	Config      FixtureConfig    `json:"config" yaml:"config"`
	Advisory    *FixtureAdvice   `json:"advisory,omitempty" yaml:"advisory,omitempty"`
	Targets     []FixtureTarget  `json:"targets" yaml:"targets"`
	Expected    []FixtureOutcome `json:"expected" yaml:"expected"`
}

// FixtureConfig overrides loop thresholds for the run. Zero values keep defaults.
type FixtureConfig struct {
	ImprovementThreshold float64 `json:"improvement_threshold" yaml:"improvement_threshold"`
	MinSamples           int     `json:"min_samples" yaml:"min_samples"`
	WorkloadSize         int     `json:"workload_size" yaml:"workload_size"`
	TimeoutMS            int     `json:"timeout_ms" yaml:"timeout_ms"`
}

// FixtureAdvice is a canned advisory response. Unavailable simulates an outage.
type FixtureAdvice struct {
	Unavailable bool   `json:"unavailable" yaml:"unavailable"`
	Body        string `json:"body" yaml:"body"`
	Rationale   string `json:"rationale" yaml:"rationale"`
}

// FixtureTarget is one target's initial body, traffic, and simulated behaviour.
type FixtureTarget struct {
	Name    string              `json:"name" yaml:"name"`
	Body    string              `json:"body" yaml:"body"`
	Pure    bool                `json:"pure" yaml:"pure"`
	Events  []FixtureEventGroup `json:"events" yaml:"events"`
	Profile FixtureProfile      `json:"profile" yaml:"profile"`
}

// FixtureEventGroup expands into Count identical invocations.
type FixtureEventGroup struct {
	Count     int      `json:"count" yaml:"count"`
	LatencyMS float64  `json:"latency_ms" yaml:"latency_ms"`
	Outcome   string   `json:"outcome" yaml:"outcome"`
	Tags      []string `json:"tags" yaml:"tags"`
	Input     string   `json:"input" yaml:"input"`
}

// FixtureProfile maps transform names to simulated candidate behaviour.
type FixtureProfile struct {
	LatencyFactor map[string]float64 `json:"latency_factor" yaml:"latency_factor"`
	ErrorRate     map[string]float64 `json:"error_rate" yaml:"error_rate"`
	MismatchRate  map[string]float64 `json:"mismatch_rate" yaml:"mismatch_rate"`
}

// FixtureOutcome is the expected terminal state and resulting version.
type FixtureOutcome struct {
	Target  string `json:"target" yaml:"target"`
	State   string `json:"state" yaml:"state"`
	Version int    `json:"version" yaml:"version"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads a JSON or YAML fixture, chosen by file extension.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read fixture %s", path)
	}
	var f Fixture
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	default:
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "parse fixture %s", path)
	}
	if err := f.Validate(); err != nil {
		return nil, eris.Wrapf(err, "invalid fixture %s", path)
	}
	return &f, nil
}

// Validate checks structural consistency.
func (f *Fixture) Validate() error {
	names := make(map[string]struct{}, len(f.Targets))
	for _, t := range f.Targets {
		if t.Name == "" {
			return eris.New("target without name")
		}
		if _, dup := names[t.Name]; dup {
			return eris.Errorf("duplicate target %q", t.Name)
		}
		names[t.Name] = struct{}{}
		for _, g := range t.Events {
			switch usage.Outcome(g.Outcome) {
			case "", usage.OutcomeOK, usage.OutcomeError:
			default:
				return eris.Errorf("target %q: unknown outcome %q", t.Name, g.Outcome)
			}
		}
	}
	for _, e := range f.Expected {
		if _, ok := names[e.Target]; !ok {
			return eris.Errorf("expectation for unknown target %q", e.Target)
		}
	}
	return nil
}

// Recorded expands the target's event groups into events spaced one
// millisecond apart from start. Groups are interleaved round-robin so every
// window slice sees the same mix.
func (t FixtureTarget) Recorded(start time.Time) []usage.Event {
	remaining := make([]int, len(t.Events))
	total := 0
	for i, g := range t.Events {
		remaining[i] = g.Count
		total += g.Count
	}
	out := make([]usage.Event, 0, total)
	for len(out) < total {
		for i, g := range t.Events {
			if remaining[i] == 0 {
				continue
			}
			seq := g.Count - remaining[i]
			remaining[i]--
			outcome := usage.Outcome(g.Outcome)
			if outcome == "" {
				outcome = usage.OutcomeOK
			}
			input := g.Input
			if input == "" {
				input = fmt.Sprintf("%s#%d", strings.Join(g.Tags, "+"), seq)
			}
			out = append(out, usage.Event{
				Target:    t.Name,
				Timestamp: start.Add(time.Duration(len(out)) * time.Millisecond),
				Duration:  time.Duration(g.LatencyMS * float64(time.Millisecond)),
				Outcome:   outcome,
				Tags:      append([]string(nil), g.Tags...),
				Input:     input,
			})
		}
	}
	return out
}

// #endregion fixture-loader
