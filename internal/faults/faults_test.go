package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"

	"github.com/danielpatrickdp/adaptive-loop/internal/resilience"
)

func TestIs_KindMatchesThroughWrapping(t *testing.T) {
	err := eris.Wrapf(ErrStaleBase, "commit %s", "T")

	assert.ErrorIs(t, err, ErrStaleBase)
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.NotErrorIs(t, err, ErrDuplicateActive)
	assert.NotErrorIs(t, err, ErrExperimentTimeout)
	assert.True(t, Is(err, InvariantViolation))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(AnalysisDegraded, nil, "detector"))

	cause := errors.New("deadline")
	err := Wrap(AnalysisDegraded, cause, "detector advisory")
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrAnalysisDegraded)
	assert.Equal(t, "analysis_degraded: detector advisory: deadline", err.Error())
}

func TestKindOf(t *testing.T) {
	_, ok := KindOf(nil)
	assert.False(t, ok)

	k, ok := KindOf(fmt.Errorf("flush: %w", resilience.Transient(errors.New("locked"))))
	assert.True(t, ok)
	assert.Equal(t, TransientIO, k)

	k, ok = KindOf(New(ExperimentTimeout, "budget exceeded"))
	assert.True(t, ok)
	assert.Equal(t, ExperimentTimeout, k)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "transient_io", TransientIO.String())
	assert.Equal(t, "invariant_violation", InvariantViolation.String())
	assert.Equal(t, "experiment_timeout", ExperimentTimeout.String())
	assert.Equal(t, "analysis_degraded", AnalysisDegraded.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
