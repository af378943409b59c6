package advisory

// #region imports
import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/danielpatrickdp/adaptive-loop/internal/resilience"
)

// #endregion

// #region circuit

// CircuitState is how the guard currently regards the advisory service.
type CircuitState string

const (
	CircuitClosed CircuitState = "closed"
	CircuitOpen   CircuitState = "open"
	CircuitTrial  CircuitState = "trial"
)

// ErrCircuitOpen is returned without calling the service while it is
// considered down.
var ErrCircuitOpen = eris.Wrap(ErrUnavailable, "advisory circuit open")

// outage reports whether err says the service is down rather than that one
// request went wrong. An unusable reply still proves the service answers.
func outage(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		resilience.IsTransient(err)
}

// circuit stops calling the service after consecutive outages. After the
// cooldown exactly one trial call runs; the rest are turned away until the
// trial reports.
type circuit struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(from, to CircuitState, cause error)

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	cause    error
}

func newCircuit(threshold int, cooldown time.Duration, onChange func(from, to CircuitState, cause error)) *circuit {
	return &circuit{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		onChange:  onChange,
		state:     CircuitClosed,
	}
}

// admit reports whether a call may go out now.
func (c *circuit) admit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case CircuitClosed:
		return nil
	case CircuitTrial:
		return eris.Wrap(ErrCircuitOpen, "trial call in flight")
	}
	if wait := c.cooldown - c.now().Sub(c.openedAt); wait > 0 {
		return eris.Wrapf(ErrCircuitOpen, "next trial in %s", wait.Round(time.Millisecond))
	}
	c.set(CircuitTrial, c.cause)
	return nil
}

// report records the outcome of an admitted call.
func (c *circuit) report(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// The caller gave up; that says nothing about the service.
	if errors.Is(err, context.Canceled) {
		if c.state == CircuitTrial {
			c.set(CircuitOpen, c.cause)
		}
		return
	}
	if !outage(err) {
		c.failures = 0
		if c.state != CircuitClosed {
			c.set(CircuitClosed, nil)
		}
		return
	}

	c.failures++
	if c.state == CircuitTrial || c.failures >= c.threshold {
		c.openedAt = c.now()
		if c.state == CircuitOpen {
			c.cause = err
			return
		}
		c.set(CircuitOpen, err)
	}
}

func (c *circuit) set(to CircuitState, cause error) {
	from := c.state
	c.state = to
	c.cause = cause
	if c.onChange != nil && from != to {
		c.onChange(from, to, cause)
	}
}

func (c *circuit) current() (CircuitState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.cause
}

// #endregion circuit
