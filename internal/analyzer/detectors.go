package analyzer

import (
	"context"
	"math"
	"sort"

	"github.com/danielpatrickdp/adaptive-loop/internal/advisory"
)

// Built-in detector IDs.
const (
	DetectorHotPath    = "hot-path"
	DetectorErrorProne = "error-prone-input-shape"
	DetectorRedundant  = "redundant-computation"
	DetectorAdvisory   = "advisory"
)

// AdvisoryWeight keeps advisory findings from dominating confidence.
const AdvisoryWeight = 0.5

// #region builtins

// NewDefaultRegistry registers the three heuristic detectors.
func NewDefaultRegistry(cfg DetectorConfig) *Registry {
	r := NewRegistry()
	// IDs are distinct constants; Register cannot fail here.
	_ = r.Register(HotPathDetector(cfg))
	_ = r.Register(ErrorProneDetector(cfg))
	_ = r.Register(RedundancyDetector(cfg))
	return r
}

// HotPathDetector fires when p95 latency reaches the threshold. Strength
// blends how far latency exceeds it with call volume.
func HotPathDetector(cfg DetectorConfig) Detector {
	return DetectorFunc{Name: DetectorHotPath, W: 1, Fn: func(_ context.Context, in Input) ([]Signal, error) {
		st := in.Stat
		if st.Count == 0 || cfg.LatencyThreshold <= 0 {
			return nil, nil
		}
		p95 := st.Latency.Quantile(0.95)
		if p95 < cfg.LatencyThreshold {
			return nil, nil
		}
		latency := math.Min(1, float64(p95)/float64(2*cfg.LatencyThreshold))
		volume := 1.0
		if cfg.VolumeSaturation > 0 {
			volume = math.Min(1, float64(st.Count)/float64(cfg.VolumeSaturation))
		}
		return []Signal{{
			Kind:     KindHotPath,
			Strength: 0.5*latency + 0.5*volume,
			Evidence: []Evidence{HotPathEvidence{
				P95:       p95,
				Mean:      st.MeanLatency(),
				Count:     st.Count,
				Threshold: cfg.LatencyThreshold,
			}},
		}}, nil
	}}
}

// ErrorProneDetector fires when the window's error rate reaches the
// threshold and names the input shapes that fail most.
func ErrorProneDetector(cfg DetectorConfig) Detector {
	return DetectorFunc{Name: DetectorErrorProne, W: 1, Fn: func(_ context.Context, in Input) ([]Signal, error) {
		st := in.Stat
		if st.Count == 0 || st.Errors < cfg.MinErrors || st.ErrorRate < cfg.ErrorRateThreshold {
			return nil, nil
		}
		var shapes []ShapeError
		for tag, ts := range st.Tags {
			if ts.Errors == 0 || ts.ErrorRate() < st.ErrorRate {
				continue
			}
			shapes = append(shapes, ShapeError{Tag: tag, Count: ts.Count, ErrorRate: ts.ErrorRate()})
		}
		sort.Slice(shapes, func(i, j int) bool {
			if shapes[i].ErrorRate != shapes[j].ErrorRate {
				return shapes[i].ErrorRate > shapes[j].ErrorRate
			}
			return shapes[i].Tag < shapes[j].Tag
		})
		ceiling := cfg.ErrorRateCeiling
		if ceiling <= 0 {
			ceiling = 1
		}
		return []Signal{{
			Kind:     KindErrorProne,
			Strength: math.Min(1, st.ErrorRate/ceiling),
			Evidence: []Evidence{ErrorShapeEvidence{ErrorRate: st.ErrorRate, Shapes: shapes}},
		}}, nil
	}}
}

// RedundancyDetector fires when one input shape dominates the window, which
// makes the target a memoization candidate. Impure targets are discounted.
func RedundancyDetector(cfg DetectorConfig) Detector {
	return DetectorFunc{Name: DetectorRedundant, W: 1, Fn: func(_ context.Context, in Input) ([]Signal, error) {
		st := in.Stat
		if st.Count < cfg.MinShapeCount || len(st.Tags) == 0 {
			return nil, nil
		}
		var (
			bestTag   string
			bestCount int
		)
		for tag, ts := range st.Tags {
			if ts.Count > bestCount || (ts.Count == bestCount && tag < bestTag) {
				bestTag, bestCount = tag, ts.Count
			}
		}
		share := float64(bestCount) / float64(st.Count)
		if share < cfg.DominantShare {
			return nil, nil
		}
		pure := in.Structural != nil && in.Structural.Pure
		strength := share
		if !pure {
			strength *= cfg.ImpureDiscount
		}
		return []Signal{{
			Kind:     KindRedundant,
			Strength: strength,
			Evidence: []Evidence{RedundancyEvidence{Tag: bestTag, Share: share, Pure: pure}},
		}}, nil
	}}
}

// #endregion builtins

// #region advisory

// AdvisoryDetector asks the advisory service for findings. Unknown kinds are
// ignored. An unavailable service is reported as a detector failure.
func AdvisoryDetector(svc advisory.Service) Detector {
	return DetectorFunc{Name: DetectorAdvisory, W: AdvisoryWeight, Fn: func(ctx context.Context, in Input) ([]Signal, error) {
		req := advisory.Request{
			Purpose: advisory.PurposeDetect,
			Target:  in.Target,
			Summary: Summary(in.Stat),
		}
		if in.Structural != nil {
			req.Body = in.Structural.Body
		}
		sug, err := svc.Suggest(ctx, req)
		if err != nil {
			return nil, err
		}
		var out []Signal
		for _, f := range sug.Findings {
			kind := SignalKind(f.Kind)
			if !kind.Known() {
				continue
			}
			out = append(out, Signal{
				Kind:     kind,
				Strength: f.Strength,
				Evidence: []Evidence{AdvisoryEvidence{Source: sug.Source, Note: f.Note}},
			})
		}
		return out, nil
	}}
}

// #endregion advisory
