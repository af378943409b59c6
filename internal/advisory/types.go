// Package advisory is the boundary to an optional external service that
// suggests findings and rewrites. The loop never depends on it.
package advisory

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// #region types

// Purpose selects what the service is asked for.
type Purpose string

const (
	PurposeDetect  Purpose = "detect"
	PurposeRewrite Purpose = "rewrite"
)

// Request describes the target and what is known about it.
type Request struct {
	Purpose Purpose
	Target  string
	Body    string
	Summary string   // human-readable usage summary
	Signals []string // signal kinds already detected
}

// Finding is a suggested signal.
type Finding struct {
	Kind     string
	Strength float64
	Note     string
}

// Suggestion is the service's answer. Any field may be empty.
type Suggestion struct {
	Body      string
	Rationale string
	Source    string
	Findings  []Finding
}

// Empty reports whether the suggestion carries nothing usable.
func (s Suggestion) Empty() bool {
	return s.Body == "" && s.Rationale == "" && len(s.Findings) == 0
}

// Service suggests findings or rewrites for a target.
type Service interface {
	Suggest(ctx context.Context, req Request) (Suggestion, error)
}

// ErrUnavailable is returned when no advice can be obtained.
var ErrUnavailable = eris.New("advisory service unavailable")

// #endregion types

// #region config

// GuardConfig bounds calls to a Service.
type GuardConfig struct {
	Timeout          time.Duration
	RatePerSecond    float64
	Burst            int
	FailureThreshold int
	ResetTimeout     time.Duration
	MaxAttempts      int
}

// DefaultGuardConfig returns sensible defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:          2 * time.Second,
		RatePerSecond:    2,
		Burst:            4,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MaxAttempts:      2,
	}
}

// #endregion config
