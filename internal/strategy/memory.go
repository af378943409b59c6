package strategy

// #region imports
import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/danielpatrickdp/adaptive-loop/internal/analyzer"
)

// #endregion

// #region outcome

// Outcome is the measured result of one experiment, keyed by the strategy
// and signal kind that produced the candidate.
type Outcome struct {
	ExperimentID string
	Target       string
	Strategy     string
	Signal       analyzer.SignalKind
	Metric       Metric
	Expected     float64
	Measured     float64
	Committed    bool
	CreatedAt    time.Time
}

// OutcomeLog stores experiment outcomes.
type OutcomeLog interface {
	RecordOutcome(ctx context.Context, o Outcome) error
	Outcomes(ctx context.Context, strategy string, kind analyzer.SignalKind) ([]Outcome, error)
}

// MemoryLog is an in-process OutcomeLog.
type MemoryLog struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (l *MemoryLog) RecordOutcome(_ context.Context, o Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, o)
	return nil
}

func (l *MemoryLog) Outcomes(_ context.Context, strategy string, kind analyzer.SignalKind) ([]Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Outcome
	for _, o := range l.outcomes {
		if o.Strategy == strategy && o.Signal == kind {
			out = append(out, o)
		}
	}
	return out, nil
}

// #endregion outcome

// #region memory

// MinLearnedSamples is the sample count below which history is ignored.
const MinLearnedSamples = 3

// Memory turns past outcomes into a decay-weighted improvement estimate.
type Memory struct {
	log      OutcomeLog
	halfLife time.Duration
	now      func() time.Time
}

// NewMemory creates a Memory over log with a 7-day half-life.
func NewMemory(log OutcomeLog) *Memory {
	return &Memory{log: log, halfLife: 7 * 24 * time.Hour, now: time.Now}
}

// Record stores one outcome.
func (m *Memory) Record(ctx context.Context, o Outcome) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = m.now().UTC()
	}
	return m.log.RecordOutcome(ctx, o)
}

// Learned returns the decay-weighted mean measured improvement for strategy
// on kind. ok is false with fewer than MinLearnedSamples outcomes.
func (m *Memory) Learned(ctx context.Context, strategy string, kind analyzer.SignalKind) (float64, int, bool, error) {
	outcomes, err := m.log.Outcomes(ctx, strategy, kind)
	if err != nil {
		return 0, 0, false, err
	}
	if len(outcomes) < MinLearnedSamples {
		return 0, len(outcomes), false, nil
	}
	now := m.now()
	halfLifeHours := m.halfLife.Hours()
	var weightedSum, totalWeight float64
	for _, o := range outcomes {
		ageHours := math.Max(0, now.Sub(o.CreatedAt).Hours())
		w := math.Exp(-ageHours / halfLifeHours)
		weightedSum += o.Measured * w
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0, len(outcomes), false, nil
	}
	return weightedSum / totalWeight, len(outcomes), true, nil
}

// #endregion memory
