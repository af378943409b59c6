// Package faults defines the error taxonomy shared by every stage of the loop.
package faults

import (
	"errors"
	"fmt"

	"github.com/danielpatrickdp/adaptive-loop/internal/resilience"
)

// #region kind

// Kind classifies an error by how the loop must react to it.
type Kind int

const (
	// TransientIO is retryable: persistence writes, advisory calls.
	TransientIO Kind = iota + 1
	// InvariantViolation is always rejected and never retried silently.
	InvariantViolation
	// ExperimentTimeout forces the abort path.
	ExperimentTimeout
	// AnalysisDegraded means a detector failed; analysis continued without it.
	AnalysisDegraded
)

func (k Kind) String() string {
	switch k {
	case TransientIO:
		return "transient_io"
	case InvariantViolation:
		return "invariant_violation"
	case ExperimentTimeout:
		return "experiment_timeout"
	case AnalysisDegraded:
		return "analysis_degraded"
	default:
		return "unknown"
	}
}

// #endregion kind

// #region error

// Error is a classified error. A bare Error{Kind: k} used as an errors.Is target
// matches any Error of the same kind.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Reason == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Reason == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality against a bare kind target, identity otherwise.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason == "" && t.Err == nil {
		return e.Kind == t.Kind
	}
	return e == t
}

// New returns a classified error with no cause.
func New(kind Kind, reason string) error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap classifies err. Returns nil when err is nil.
func Wrap(kind Kind, err error, reason string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// #endregion error

// #region sentinels

// Kind-only targets for errors.Is.
var (
	ErrTransientIO        = &Error{Kind: TransientIO}
	ErrInvariantViolation = &Error{Kind: InvariantViolation}
	ErrExperimentTimeout  = &Error{Kind: ExperimentTimeout}
	ErrAnalysisDegraded   = &Error{Kind: AnalysisDegraded}
)

// Specific invariant violations.
var (
	ErrStaleBase       = &Error{Kind: InvariantViolation, Reason: "stale base version"}
	ErrDuplicateActive = &Error{Kind: InvariantViolation, Reason: "experiment already active for target"}
	ErrNotSuccessful   = &Error{Kind: InvariantViolation, Reason: "commit requires a successful evaluation"}
	ErrUnknownTarget   = &Error{Kind: InvariantViolation, Reason: "unknown target"}
	ErrUnknownVersion  = &Error{Kind: InvariantViolation, Reason: "unknown version"}
	ErrIllegalState    = &Error{Kind: InvariantViolation, Reason: "illegal state transition"}
)

// #endregion sentinels

// #region classify

// KindOf returns the kind of err. Unclassified transient network failures
// are reported as TransientIO.
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return 0, false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	if resilience.IsTransient(err) {
		return TransientIO, true
	}
	return 0, false
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// #endregion classify
