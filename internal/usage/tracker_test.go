package usage

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ev(offset time.Duration, latency time.Duration, outcome Outcome, tags ...string) Event {
	return Event{Timestamp: t0.Add(offset), Duration: latency, Outcome: outcome, Tags: tags}
}

func testConfig() TrackerConfig {
	cfg := DefaultTrackerConfig()
	cfg.Shards = 4
	cfg.WindowSize = 0
	cfg.WindowDuration = 0
	return cfg
}

func TestHistogramQuantile(t *testing.T) {
	var h Histogram
	for i := 0; i < 90; i++ {
		h.Observe(10 * time.Microsecond)
	}
	for i := 0; i < 10; i++ {
		h.Observe(5 * time.Millisecond)
	}
	assert.Equal(t, int64(100), h.Total())
	// 10us lands in [8us, 16us).
	assert.Equal(t, 16*time.Microsecond, h.Quantile(0.5))
	// 5ms = 5000us lands in [4096us, 8192us).
	assert.Equal(t, 8192*time.Microsecond, h.Quantile(0.99))
	assert.Equal(t, time.Duration(0), Histogram{}.Quantile(0.5))
}

func TestHistogramClampsHugeLatency(t *testing.T) {
	var h Histogram
	h.Observe(1000 * time.Hour)
	assert.Equal(t, int64(1), h.Buckets[NumBuckets-1])
}

func TestSnapshotAggregates(t *testing.T) {
	tr := NewTracker(testConfig(), nil)
	tr.Record("orders.list", ev(0, 10*time.Millisecond, OutcomeOK, "page"))
	tr.Record("orders.list", ev(time.Second, 30*time.Millisecond, OutcomeError, "page", "filter"))
	tr.Record("orders.list", ev(2*time.Second, 20*time.Millisecond, OutcomeOK))

	st, ok := tr.Snapshot("orders.list", 0)
	require.True(t, ok)
	assert.Equal(t, "orders.list", st.Target)
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, 1, st.Errors)
	assert.InDelta(t, 1.0/3.0, st.ErrorRate, 1e-9)
	assert.Equal(t, 20*time.Millisecond, st.MeanLatency())
	assert.Equal(t, t0, st.WindowStart)
	assert.Equal(t, t0.Add(2*time.Second), st.WindowEnd)
	assert.Equal(t, TagStat{Count: 2, Errors: 1, TotalLatency: 40 * time.Millisecond}, st.Tags["page"])
	assert.Equal(t, 1, st.Tags["filter"].Count)

	_, ok = tr.Snapshot("missing", 0)
	assert.False(t, ok)
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	tr := NewTracker(testConfig(), nil)
	tr.Record("a", ev(0, time.Millisecond, OutcomeOK, "x"))
	st, _ := tr.Snapshot("a", 0)
	st.Tags["x"] = TagStat{Count: 99}

	again, _ := tr.Snapshot("a", 0)
	assert.Equal(t, 1, again.Tags["x"].Count)
}

func TestSnapshotOrderIndependent(t *testing.T) {
	events := make([]Event, 0, 200)
	for i := 0; i < 200; i++ {
		outcome := OutcomeOK
		if i%7 == 0 {
			outcome = OutcomeError
		}
		tag := fmt.Sprintf("shape-%d", i%3)
		events = append(events, ev(time.Duration(i)*time.Millisecond, time.Duration(i%50+1)*time.Millisecond, outcome, tag))
	}

	ordered := NewTracker(testConfig(), nil)
	for _, e := range events {
		ordered.Record("t", e)
	}

	rng := rand.New(rand.NewPCG(1, 2))
	shuffled := append([]Event(nil), events...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	permuted := NewTracker(testConfig(), nil)
	for _, e := range shuffled {
		permuted.Record("t", e)
	}

	a, _ := ordered.Snapshot("t", 0)
	b, _ := permuted.Snapshot("t", 0)
	assert.Equal(t, a.Count, b.Count)
	assert.Equal(t, a.Errors, b.Errors)
	assert.Equal(t, a.Latency, b.Latency)
	assert.Equal(t, a.TotalLatency, b.TotalLatency)
	assert.Equal(t, a.Tags, b.Tags)
	assert.Equal(t, a.WindowStart, b.WindowStart)
	assert.Equal(t, a.WindowEnd, b.WindowEnd)
	assert.Zero(t, a.OutOfOrder)
	assert.Positive(t, b.OutOfOrder)
}

func TestDurationWindowOrderIndependent(t *testing.T) {
	cfg := testConfig()
	cfg.WindowDuration = 10 * time.Minute

	inOrder := NewTracker(cfg, nil)
	inOrder.Record("t", ev(0, time.Millisecond, OutcomeError, "stale"))
	inOrder.Record("t", ev(20*time.Minute, 2*time.Millisecond, OutcomeOK, "fresh"))

	reversed := NewTracker(cfg, nil)
	reversed.Record("t", ev(20*time.Minute, 2*time.Millisecond, OutcomeOK, "fresh"))
	reversed.Record("t", ev(0, time.Millisecond, OutcomeError, "stale"))

	a, _ := inOrder.Snapshot("t", 0)
	b, _ := reversed.Snapshot("t", 0)
	assert.Equal(t, 1, a.Count)
	assert.Equal(t, a.Count, b.Count)
	assert.Equal(t, a.Errors, b.Errors)
	assert.Equal(t, a.Tags, b.Tags)
	assert.Equal(t, a.WindowStart, b.WindowStart)
	assert.Equal(t, t0.Add(20*time.Minute), b.WindowStart)
	assert.Equal(t, 1, b.OutOfOrder)
	assert.Len(t, reversed.Recent("t", 0), 1)
}

func TestLateEventExpiresWithItsTimestamp(t *testing.T) {
	cfg := testConfig()
	cfg.WindowDuration = 10 * time.Minute
	tr := NewTracker(cfg, nil)
	tr.Record("t", ev(15*time.Minute, time.Millisecond, OutcomeOK, "a"))
	// Late but still inside the window.
	tr.Record("t", ev(6*time.Minute, time.Millisecond, OutcomeOK, "late"))
	st, _ := tr.Snapshot("t", 0)
	assert.Equal(t, 2, st.Count)

	// Cutoff moves to 7m: the late event leaves although it is not at the
	// front in arrival order.
	tr.Record("t", ev(17*time.Minute, time.Millisecond, OutcomeOK, "b"))
	st, _ = tr.Snapshot("t", 0)
	assert.Equal(t, 2, st.Count)
	assert.NotContains(t, st.Tags, "late")
	assert.Equal(t, t0.Add(15*time.Minute), st.WindowStart)
}

func TestSizeWindowOrderIndependent(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 50
	events := make([]Event, 0, 120)
	for i := 0; i < 120; i++ {
		outcome := OutcomeOK
		if i%5 == 0 {
			outcome = OutcomeError
		}
		events = append(events, ev(time.Duration(i)*time.Second, time.Duration(i%9+1)*time.Millisecond, outcome, fmt.Sprintf("s%d", i%4)))
	}

	ordered := NewTracker(cfg, nil)
	for _, e := range events {
		ordered.Record("t", e)
	}
	rng := rand.New(rand.NewPCG(7, 11))
	shuffled := append([]Event(nil), events...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	permuted := NewTracker(cfg, nil)
	for _, e := range shuffled {
		permuted.Record("t", e)
	}

	a, _ := ordered.Snapshot("t", 0)
	b, _ := permuted.Snapshot("t", 0)
	assert.Equal(t, 50, b.Count)
	assert.Equal(t, a.Errors, b.Errors)
	assert.Equal(t, a.Latency, b.Latency)
	assert.Equal(t, a.Tags, b.Tags)
	assert.Equal(t, a.WindowStart, b.WindowStart)
	assert.Equal(t, a.WindowEnd, b.WindowEnd)
}

func TestOutOfOrderCountedNotDropped(t *testing.T) {
	tr := NewTracker(testConfig(), nil)
	tr.Record("t", ev(10*time.Second, time.Millisecond, OutcomeOK))
	tr.Record("t", ev(5*time.Second, time.Millisecond, OutcomeOK))

	st, _ := tr.Snapshot("t", 0)
	assert.Equal(t, 2, st.Count)
	assert.Equal(t, 1, st.OutOfOrder)
	assert.Equal(t, t0.Add(5*time.Second), st.WindowStart)
}

func TestWindowSizeEvicts(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 3
	tr := NewTracker(cfg, nil)
	for i := 0; i < 5; i++ {
		outcome := OutcomeOK
		if i == 0 {
			outcome = OutcomeError
		}
		tr.Record("t", ev(time.Duration(i)*time.Second, time.Duration(i+1)*time.Millisecond, outcome, "k"))
	}

	st, _ := tr.Snapshot("t", 0)
	assert.Equal(t, 3, st.Count)
	assert.Zero(t, st.Errors)
	assert.Equal(t, 12*time.Millisecond, st.TotalLatency)
	assert.Equal(t, int64(3), st.Latency.Total())
	assert.Equal(t, 3, st.Tags["k"].Count)
	assert.Equal(t, t0.Add(2*time.Second), st.WindowStart)
}

func TestWindowDurationEvicts(t *testing.T) {
	cfg := testConfig()
	cfg.WindowDuration = time.Minute
	tr := NewTracker(cfg, nil)
	tr.Record("t", ev(0, time.Millisecond, OutcomeOK, "old"))
	tr.Record("t", ev(30*time.Second, time.Millisecond, OutcomeOK))
	tr.Record("t", ev(2*time.Minute, time.Millisecond, OutcomeOK))

	st, _ := tr.Snapshot("t", 0)
	assert.Equal(t, 1, st.Count)
	assert.NotContains(t, st.Tags, "old")
}

func TestSnapshotWithin(t *testing.T) {
	tr := NewTracker(testConfig(), nil)
	for i := 0; i < 10; i++ {
		tr.Record("t", ev(time.Duration(i)*time.Second, time.Millisecond, OutcomeOK))
	}
	st, ok := tr.Snapshot("t", 3*time.Second)
	require.True(t, ok)
	// Events at 7s, 8s, 9s are strictly newer than 9s-3s.
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, t0.Add(7*time.Second), st.WindowStart)
}

func TestRolledNotification(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 4
	cfg.NotifyBuffer = 1
	tr := NewTracker(cfg, nil)
	for i := 0; i < 4; i++ {
		tr.Record("t", ev(time.Duration(i)*time.Second, time.Millisecond, OutcomeOK))
	}

	select {
	case r := <-tr.Rolled():
		assert.Equal(t, "t", r.Target)
		assert.Equal(t, 4, r.Statistic.Count)
		assert.Equal(t, uint64(1), r.Statistic.Generation)
	default:
		t.Fatal("expected a roll notification")
	}

	// Buffer of one: the third roll is dropped while the second is unread.
	for i := 4; i < 12; i++ {
		tr.Record("t", ev(time.Duration(i)*time.Second, time.Millisecond, OutcomeOK))
	}
	assert.Equal(t, int64(1), tr.Stats().DroppedNotifications)
}

func TestRecentReturnsCopies(t *testing.T) {
	tr := NewTracker(testConfig(), nil)
	for i := 0; i < 5; i++ {
		tr.Record("t", ev(time.Duration(i)*time.Second, time.Millisecond, OutcomeOK, "tag"))
	}
	recent := tr.Recent("t", 2)
	require.Len(t, recent, 2)
	assert.Equal(t, t0.Add(3*time.Second), recent[0].Timestamp)
	assert.Equal(t, "t", recent[0].Target)

	recent[0].Tags[0] = "mutated"
	assert.Equal(t, "tag", tr.Recent("t", 1)[0].Tags[0])
	assert.Len(t, tr.Recent("t", 0), 5)
	assert.Nil(t, tr.Recent("missing", 3))
}

func TestTargetsSorted(t *testing.T) {
	tr := NewTracker(testConfig(), nil)
	tr.Record("b", Event{})
	tr.Record("a", Event{})
	assert.Equal(t, []string{"a", "b"}, tr.Targets())
}

func TestRecordDefaultsTimestampAndOutcome(t *testing.T) {
	tr := NewTracker(testConfig(), nil)
	tr.now = func() time.Time { return t0 }
	tr.Record("t", Event{Duration: time.Millisecond})
	got := tr.Recent("t", 1)[0]
	assert.Equal(t, t0, got.Timestamp)
	assert.Equal(t, OutcomeOK, got.Outcome)
}

func TestConcurrentRecord(t *testing.T) {
	tr := NewTracker(testConfig(), nil)
	const writers, perWriter = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				target := fmt.Sprintf("target-%d", i%4)
				tr.Record(target, ev(time.Duration(w*perWriter+i)*time.Microsecond, time.Millisecond, OutcomeOK))
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for _, target := range tr.Targets() {
		st, _ := tr.Snapshot(target, 0)
		total += st.Count
	}
	assert.Equal(t, writers*perWriter, total)
}

func TestWarmSkipsSinkAndNotifications(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 1
	cfg.SinkBuffer = 4
	tr := NewTracker(cfg, nil)
	tr.Warm([]Event{{Target: "t", Timestamp: t0, Duration: time.Millisecond}})

	st, ok := tr.Snapshot("t", 0)
	require.True(t, ok)
	assert.Equal(t, 1, st.Count)
	assert.Empty(t, tr.Pending())
	assert.Empty(t, tr.Rolled())
}
