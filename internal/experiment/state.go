package experiment

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/danielpatrickdp/adaptive-loop/internal/faults"
	"github.com/danielpatrickdp/adaptive-loop/internal/strategy"
)

// State is an experiment lifecycle state.
type State string

const (
	StateSetup      State = "setup"
	StateRunning    State = "running"
	StateEvaluating State = "evaluating"
	StateSuccess    State = "success"
	StateFailure    State = "failure"
	StateCommitting State = "committing"
	StateCommitted  State = "committed"
	StateDiscarding State = "discarding"
	StateDiscarded  State = "discarded"
	StateAborting   State = "aborting"
	StateAborted    State = "aborted"
)

var transitions = map[State][]State{
	StateSetup:      {StateRunning},
	StateRunning:    {StateEvaluating},
	StateEvaluating: {StateSuccess, StateFailure},
	StateSuccess:    {StateCommitting},
	StateFailure:    {StateDiscarding},
	StateCommitting: {StateCommitted, StateDiscarding},
	StateDiscarding: {StateDiscarded},
	StateAborting:   {StateAborted},
}

// Terminal reports whether s is Committed, Discarded or Aborted.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateDiscarded || s == StateAborted
}

// CanTransition reports whether from -> to is legal. Every non-terminal
// state except Aborting may abort.
func CanTransition(from, to State) bool {
	if to == StateAborting {
		return !from.Terminal() && from != StateAborting
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Experiment is the mutable lifecycle of one candidate trial. It is owned by
// a single Execute call.
type Experiment struct {
	ID           string
	Candidate    strategy.Candidate
	State        State
	StartedAt    time.Time
	Setup        *SetupData
	Measurements *Measurements
	Transitions  []Transition

	now func() time.Time
}

func newExperiment(id string, c strategy.Candidate, now func() time.Time) *Experiment {
	return &Experiment{ID: id, Candidate: c, State: StateSetup, StartedAt: now(), now: now}
}

func (e *Experiment) transition(to State, reason string) error {
	if !CanTransition(e.State, to) {
		return eris.Wrapf(faults.ErrIllegalState, "experiment %s: %s -> %s", e.ID, e.State, to)
	}
	e.Transitions = append(e.Transitions, Transition{From: e.State, To: to, At: e.now(), Reason: reason})
	e.State = to
	return nil
}
