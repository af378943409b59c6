package experiment

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-loop/internal/faults"
	"github.com/danielpatrickdp/adaptive-loop/internal/strategy"
)

var allStates = []State{
	StateSetup, StateRunning, StateEvaluating, StateSuccess, StateFailure, StateCommitting,
	StateCommitted, StateDiscarding, StateDiscarded, StateAborting, StateAborted,
}

func TestEveryNonTerminalStateMayAbort(t *testing.T) {
	for _, s := range allStates {
		want := !s.Terminal() && s != StateAborting
		assert.Equal(t, want, CanTransition(s, StateAborting), "state %s", s)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	for _, from := range []State{StateCommitted, StateDiscarded, StateAborted} {
		for _, to := range allStates {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StateCommitting, StateDiscarding))
	assert.True(t, CanTransition(StateEvaluating, StateFailure))
	assert.False(t, CanTransition(StateSetup, StateEvaluating))
	assert.False(t, CanTransition(StateFailure, StateCommitting))
	assert.False(t, CanTransition(StateSuccess, StateCommitted))
}

func TestExperimentRejectsIllegalTransition(t *testing.T) {
	now := time.Now()
	exp := newExperiment("e1", strategy.Candidate{}, func() time.Time { return now })
	require.NoError(t, exp.transition(StateRunning, ""))

	err := exp.transition(StateCommitted, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrIllegalState))
	assert.Equal(t, StateRunning, exp.State)
	assert.Len(t, exp.Transitions, 1)
}
