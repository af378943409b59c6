package analyzer

import (
	"fmt"
	"time"

	"github.com/danielpatrickdp/adaptive-loop/internal/usage"
)

// #region signal

// SignalKind names an optimization opportunity.
type SignalKind string

const (
	KindHotPath    SignalKind = "hot-path"
	KindRedundant  SignalKind = "redundant-computation"
	KindErrorProne SignalKind = "error-prone-input-shape"
)

// Known reports whether k is one of the built-in kinds.
func (k SignalKind) Known() bool {
	switch k {
	case KindHotPath, KindRedundant, KindErrorProne:
		return true
	}
	return false
}

// Signal is one detected opportunity on a target.
type Signal struct {
	Target   string
	Kind     SignalKind
	Strength float64 // 0-1
	Detector string
	Evidence []Evidence
}

// #endregion signal

// #region evidence

// Evidence backs a signal. The set of implementations is closed.
type Evidence interface {
	Describe() string
	isEvidence()
}

// HotPathEvidence records the latency profile that triggered a hot-path signal.
type HotPathEvidence struct {
	P95       time.Duration
	Mean      time.Duration
	Count     int
	Threshold time.Duration
}

func (e HotPathEvidence) Describe() string {
	return fmt.Sprintf("p95 %s over threshold %s across %d calls (mean %s)", e.P95, e.Threshold, e.Count, e.Mean)
}

func (HotPathEvidence) isEvidence() {}

// ShapeError is the error profile of one input shape (tag).
type ShapeError struct {
	Tag       string
	Count     int
	ErrorRate float64
}

// ErrorShapeEvidence records which input shapes concentrate failures.
type ErrorShapeEvidence struct {
	ErrorRate float64
	Shapes    []ShapeError
}

func (e ErrorShapeEvidence) Describe() string {
	if len(e.Shapes) == 0 {
		return fmt.Sprintf("error rate %.2f", e.ErrorRate)
	}
	return fmt.Sprintf("error rate %.2f, worst shape %q at %.2f", e.ErrorRate, e.Shapes[0].Tag, e.Shapes[0].ErrorRate)
}

func (ErrorShapeEvidence) isEvidence() {}

// RedundancyEvidence records a dominant repeated input shape.
type RedundancyEvidence struct {
	Tag   string
	Share float64
	Pure  bool
}

func (e RedundancyEvidence) Describe() string {
	return fmt.Sprintf("shape %q covers %.0f%% of calls (pure=%t)", e.Tag, e.Share*100, e.Pure)
}

func (RedundancyEvidence) isEvidence() {}

// AdvisoryEvidence carries a finding from the external advisory service.
type AdvisoryEvidence struct {
	Source string
	Note   string
}

func (e AdvisoryEvidence) Describe() string {
	return fmt.Sprintf("%s: %s", e.Source, e.Note)
}

func (AdvisoryEvidence) isEvidence() {}

// #endregion evidence

// #region input

// Structural is optional static information about a target.
type Structural struct {
	Body    string
	Version int
	Pure    bool // no side effects; output depends only on input
}

// Input is what every detector sees.
type Input struct {
	Target     string
	Stat       usage.Statistic
	Structural *Structural
}

// #endregion input

// #region result

// DetectorFailure records a detector that errored, panicked, or timed out.
type DetectorFailure struct {
	Detector string
	Err      error
}

// Result is the analysis output for one target.
type Result struct {
	Target     string
	Signals    []Signal
	Confidence float64
	Samples    int
	Degraded   []DetectorFailure
}

// Strongest returns the highest-strength signal of kind k.
func (r Result) Strongest(k SignalKind) (Signal, bool) {
	for _, s := range r.Signals {
		if s.Kind == k {
			return s, true
		}
	}
	return Signal{}, false
}

// #endregion result

// #region config

// AnalyzerConfig bounds analysis.
type AnalyzerConfig struct {
	DetectorTimeout time.Duration
	MinSamples      int // samples needed for full confidence
}

// DefaultAnalyzerConfig returns sensible defaults.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		DetectorTimeout: 250 * time.Millisecond,
		MinSamples:      100,
	}
}

// DetectorConfig tunes the built-in detectors.
type DetectorConfig struct {
	LatencyThreshold   time.Duration // hot-path p95 floor
	VolumeSaturation   int           // call count at which volume contributes fully
	ErrorRateThreshold float64
	ErrorRateCeiling   float64 // error rate mapped to strength 1
	MinErrors          int
	DominantShare      float64 // redundant-computation share floor
	ImpureDiscount     float64
	MinShapeCount      int
}

// DefaultDetectorConfig returns sensible defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		LatencyThreshold:   50 * time.Millisecond,
		VolumeSaturation:   500,
		ErrorRateThreshold: 0.10,
		ErrorRateCeiling:   0.50,
		MinErrors:          3,
		DominantShare:      0.80,
		ImpureDiscount:     0.60,
		MinShapeCount:      20,
	}
}

// #endregion config
