package usage

import (
	"math/bits"
	"time"
)

// #region event

// Outcome is the result class of a single invocation.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
)

// Event records one invocation of a tracked target.
type Event struct {
	Target    string
	Timestamp time.Time
	Duration  time.Duration
	Outcome   Outcome
	Tags      []string
	Input     string // serialized argument shape, used for replay
}

// Failed reports whether the invocation errored.
func (e Event) Failed() bool {
	return e.Outcome == OutcomeError
}

// #endregion event

// #region histogram

// NumBuckets bounds the latency histogram. Bucket 0 holds sub-microsecond
// latencies; bucket i holds [2^(i-1), 2^i) microseconds.
const NumBuckets = 40

// Histogram is a log2-scaled latency histogram. It is a value type so copies
// are independent snapshots.
type Histogram struct {
	Buckets [NumBuckets]int64
}

func bucketFor(d time.Duration) int {
	us := d.Microseconds()
	if us <= 0 {
		return 0
	}
	b := bits.Len64(uint64(us))
	if b >= NumBuckets {
		return NumBuckets - 1
	}
	return b
}

// BucketUpper returns the exclusive upper bound of bucket i.
func BucketUpper(i int) time.Duration {
	if i <= 0 {
		return time.Microsecond
	}
	return time.Duration(uint64(1)<<uint(i)) * time.Microsecond
}

// Observe adds one sample.
func (h *Histogram) Observe(d time.Duration) {
	h.Buckets[bucketFor(d)]++
}

func (h *Histogram) remove(d time.Duration) {
	h.Buckets[bucketFor(d)]--
}

// Total returns the number of samples.
func (h Histogram) Total() int64 {
	var n int64
	for _, c := range h.Buckets {
		n += c
	}
	return n
}

// Quantile returns the upper bound of the bucket containing quantile q.
func (h Histogram) Quantile(q float64) time.Duration {
	total := h.Total()
	if total == 0 {
		return 0
	}
	if q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	rank := int64(q*float64(total) + 0.5)
	if rank < 1 {
		rank = 1
	}
	var seen int64
	for i, c := range h.Buckets {
		seen += c
		if seen >= rank {
			return BucketUpper(i)
		}
	}
	return BucketUpper(NumBuckets - 1)
}

// #endregion histogram

// #region statistic

// TagStat aggregates invocations carrying one tag.
type TagStat struct {
	Count        int
	Errors       int
	TotalLatency time.Duration
}

// MeanLatency returns the average latency for the tag.
func (s TagStat) MeanLatency() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Count)
}

// ErrorRate returns the share of failed invocations for the tag.
func (s TagStat) ErrorRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Count)
}

// Statistic is an immutable aggregate over a target's current window.
type Statistic struct {
	Target       string
	WindowStart  time.Time
	WindowEnd    time.Time
	Count        int
	Errors       int
	ErrorRate    float64
	Latency      Histogram
	TotalLatency time.Duration
	Tags         map[string]TagStat
	OutOfOrder   int    // arrivals older than the newest event seen; flagged, still counted
	Generation   uint64 // increments on every roll
}

// MeanLatency returns the window's average latency.
func (s Statistic) MeanLatency() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Count)
}

// Rolled is published each time a target's window rolls.
type Rolled struct {
	Target    string
	Statistic Statistic
}

// #endregion statistic

// #region config

// TrackerConfig sizes the sliding window and the sharded index.
type TrackerConfig struct {
	Shards         int           // number of lock shards
	WindowSize     int           // max events retained per target (0 = unbounded by count)
	WindowDuration time.Duration // max age of retained events relative to the newest (0 = unbounded)
	NotifyBuffer   int           // capacity of the Rolled channel
	SinkBuffer     int           // capacity of the persistence queue (0 = persistence off)
}

// DefaultTrackerConfig returns sensible defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Shards:         32,
		WindowSize:     1000,
		WindowDuration: 10 * time.Minute,
		NotifyBuffer:   64,
	}
}

// #endregion config
