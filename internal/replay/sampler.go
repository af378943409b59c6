// Package replay selects recorded workloads for experiments and loads
// replay fixtures.
package replay

import (
	"context"
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/danielpatrickdp/adaptive-loop/internal/usage"
)

// #region source

// Source yields a representative workload for a target.
type Source interface {
	Sample(ctx context.Context, target string, n int) ([]usage.Event, error)
}

// RecentSource exposes retained events; usage.Tracker satisfies it.
type RecentSource interface {
	Recent(target string, n int) []usage.Event
}

// #endregion source

// #region sampler

// SamplerConfig controls workload sampling.
type SamplerConfig struct {
	PoolSize int    // recent events considered per sample (0 = whole window)
	Seed     uint64 // fixed seed makes samples reproducible
}

// DefaultSamplerConfig returns sensible defaults.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{PoolSize: 1000, Seed: 1}
}

// Sampler draws a stratified sample from recent traffic. Events are grouped
// by (tags, outcome); each stratum gets at least one slot when n allows and
// the rest are allocated in proportion to stratum size.
type Sampler struct {
	src RecentSource
	cfg SamplerConfig
}

// NewSampler creates a Sampler over src.
func NewSampler(src RecentSource, cfg SamplerConfig) *Sampler {
	return &Sampler{src: src, cfg: cfg}
}

type stratum struct {
	key    string
	events []usage.Event
	take   int
}

// Sample returns up to n events, oldest first within each stratum. The
// result is deterministic for a given pool, target and seed.
func (s *Sampler) Sample(ctx context.Context, target string, n int) ([]usage.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pool := s.src.Recent(target, s.cfg.PoolSize)
	if n <= 0 || len(pool) == 0 {
		return nil, nil
	}
	if n >= len(pool) {
		return pool, nil
	}

	strata := stratify(pool)
	allocate(strata, n, len(pool))

	h := fnv.New64a()
	h.Write([]byte(target))
	rng := rand.New(rand.NewPCG(s.cfg.Seed, h.Sum64()))

	out := make([]usage.Event, 0, n)
	for _, st := range strata {
		idx := rng.Perm(len(st.events))[:st.take]
		sort.Ints(idx)
		for _, i := range idx {
			out = append(out, st.events[i])
		}
	}
	return out, nil
}

func strataKey(ev usage.Event) string {
	tags := append([]string(nil), ev.Tags...)
	sort.Strings(tags)
	return strings.Join(tags, ",") + "|" + string(ev.Outcome)
}

func stratify(pool []usage.Event) []*stratum {
	byKey := make(map[string]*stratum)
	var out []*stratum
	for _, ev := range pool {
		k := strataKey(ev)
		st, ok := byKey[k]
		if !ok {
			st = &stratum{key: k}
			byKey[k] = st
			out = append(out, st)
		}
		st.events = append(st.events, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].events) != len(out[j].events) {
			return len(out[i].events) > len(out[j].events)
		}
		return out[i].key < out[j].key
	})
	return out
}

// allocate assigns take counts summing to n. Strata are ordered largest
// first, so when n is smaller than the stratum count the largest win.
func allocate(strata []*stratum, n, total int) {
	remaining := n
	for _, st := range strata {
		if remaining == 0 {
			break
		}
		st.take = 1
		remaining--
	}
	if remaining == 0 {
		return
	}
	// Proportional share of what is left, floored, then top up in order.
	budget := remaining
	for _, st := range strata {
		extra := budget * len(st.events) / total
		if room := len(st.events) - st.take; extra > room {
			extra = room
		}
		st.take += extra
		remaining -= extra
	}
	for remaining > 0 {
		progressed := false
		for _, st := range strata {
			if remaining == 0 {
				break
			}
			if st.take < len(st.events) {
				st.take++
				remaining--
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// #endregion sampler

// #region static

// Static is a Source over a fixed workload, used by fixtures and tests.
type Static map[string][]usage.Event

func (s Static) Sample(_ context.Context, target string, n int) ([]usage.Event, error) {
	events := s[target]
	if n > 0 && n < len(events) {
		events = events[:n]
	}
	return append([]usage.Event(nil), events...), nil
}

// #endregion static
