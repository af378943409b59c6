package advisory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-loop/internal/resilience"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testCircuit(threshold int) (*circuit, *clock, *[]CircuitState) {
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	var seen []CircuitState
	c := newCircuit(threshold, time.Second, func(_, to CircuitState, _ error) {
		seen = append(seen, to)
	})
	c.now = clk.now
	return c, clk, &seen
}

func TestCircuitAdmitsOneTrial(t *testing.T) {
	c, clk, seen := testCircuit(1)
	require.NoError(t, c.admit())
	c.report(resilience.Transient(errors.New("connection reset")))

	err := c.admit()
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, ErrUnavailable)

	clk.advance(2 * time.Second)
	require.NoError(t, c.admit())
	assert.ErrorIs(t, c.admit(), ErrCircuitOpen)

	c.report(nil)
	state, cause := c.current()
	assert.Equal(t, CircuitClosed, state)
	assert.NoError(t, cause)
	assert.NoError(t, c.admit())
	assert.Equal(t, []CircuitState{CircuitOpen, CircuitTrial, CircuitClosed}, *seen)
}

func TestCircuitFailedTrialRestartsCooldown(t *testing.T) {
	c, clk, _ := testCircuit(1)
	c.report(context.DeadlineExceeded)
	clk.advance(2 * time.Second)
	require.NoError(t, c.admit())

	c.report(context.DeadlineExceeded)
	state, cause := c.current()
	assert.Equal(t, CircuitOpen, state)
	assert.ErrorIs(t, cause, context.DeadlineExceeded)
	assert.ErrorIs(t, c.admit(), ErrCircuitOpen)

	clk.advance(2 * time.Second)
	assert.NoError(t, c.admit())
}

func TestCircuitCountsOnlyOutages(t *testing.T) {
	c, _, seen := testCircuit(2)
	for range 5 {
		require.NoError(t, c.admit())
		c.report(errors.New("reply is not JSON"))
	}
	state, _ := c.current()
	assert.Equal(t, CircuitClosed, state)

	c.report(ErrUnavailable)
	c.report(errors.New("reply is not JSON"))
	c.report(ErrUnavailable)
	state, _ = c.current()
	assert.Equal(t, CircuitClosed, state, "a reply between outages resets the count")

	c.report(ErrUnavailable)
	state, _ = c.current()
	assert.Equal(t, CircuitOpen, state)
	assert.Equal(t, []CircuitState{CircuitOpen}, *seen)
}

func TestCircuitCanceledTrialLeavesItOpen(t *testing.T) {
	c, clk, _ := testCircuit(1)
	c.report(ErrUnavailable)
	clk.advance(2 * time.Second)
	require.NoError(t, c.admit())

	c.report(context.Canceled)
	state, _ := c.current()
	assert.Equal(t, CircuitOpen, state)
	// Cooldown already passed, so the next caller is the trial.
	assert.NoError(t, c.admit())
}
