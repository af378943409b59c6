// Package usage tracks per-target invocation statistics over a sliding window.
package usage

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// #region series

// series holds the retained events and running aggregate for one target.
// Retained events are kept in timestamp order so eviction always removes the
// oldest, whatever the arrival order. Guarded by the owning shard's mutex.
type series struct {
	buf        []Event
	head       int
	count      int
	errors     int
	latency    Histogram
	total      time.Duration
	tags       map[string]TagStat
	newest     time.Time
	outOfOrder int
	sinceRoll  int
	lastRoll   time.Time
	generation uint64
}

func newSeries() *series {
	return &series{tags: make(map[string]TagStat)}
}

func (s *series) retained() []Event {
	return s.buf[s.head:]
}

func (s *series) add(ev Event) {
	s.insert(ev)
	s.count++
	if ev.Failed() {
		s.errors++
	}
	s.latency.Observe(ev.Duration)
	s.total += ev.Duration
	for _, tag := range ev.Tags {
		ts := s.tags[tag]
		ts.Count++
		if ev.Failed() {
			ts.Errors++
		}
		ts.TotalLatency += ev.Duration
		s.tags[tag] = ts
	}
}

// insert places ev after every retained event with the same or an earlier
// timestamp. In-order arrivals append without shifting.
func (s *series) insert(ev Event) {
	n := len(s.buf)
	if n == s.head || !s.buf[n-1].Timestamp.After(ev.Timestamp) {
		s.buf = append(s.buf, ev)
		return
	}
	live := s.buf[s.head:]
	i := s.head + sort.Search(len(live), func(i int) bool {
		return live[i].Timestamp.After(ev.Timestamp)
	})
	s.buf = append(s.buf, Event{})
	copy(s.buf[i+1:], s.buf[i:n])
	s.buf[i] = ev
}

func (s *series) evictFront() {
	ev := s.buf[s.head]
	s.buf[s.head] = Event{}
	s.head++
	s.count--
	if ev.Failed() {
		s.errors--
	}
	s.latency.remove(ev.Duration)
	s.total -= ev.Duration
	for _, tag := range ev.Tags {
		ts := s.tags[tag]
		ts.Count--
		if ev.Failed() {
			ts.Errors--
		}
		ts.TotalLatency -= ev.Duration
		if ts.Count <= 0 {
			delete(s.tags, tag)
		} else {
			s.tags[tag] = ts
		}
	}
	// Compact once the dead prefix dominates the slice.
	if s.head > 64 && s.head*2 > len(s.buf) {
		n := copy(s.buf, s.buf[s.head:])
		clear(s.buf[n:])
		s.buf = s.buf[:n]
		s.head = 0
	}
}

func (s *series) evict(cfg TrackerConfig) {
	if cfg.WindowSize > 0 {
		for s.count > cfg.WindowSize {
			s.evictFront()
		}
	}
	if cfg.WindowDuration > 0 && !s.newest.IsZero() {
		cutoff := s.newest.Add(-cfg.WindowDuration)
		for s.count > 0 && s.buf[s.head].Timestamp.Before(cutoff) {
			s.evictFront()
		}
	}
}

func (s *series) statistic(target string) Statistic {
	st := Statistic{
		Target:       target,
		Count:        s.count,
		Errors:       s.errors,
		Latency:      s.latency,
		TotalLatency: s.total,
		Tags:         make(map[string]TagStat, len(s.tags)),
		OutOfOrder:   s.outOfOrder,
		Generation:   s.generation,
	}
	for k, v := range s.tags {
		st.Tags[k] = v
	}
	if st.Count > 0 {
		st.ErrorRate = float64(st.Errors) / float64(st.Count)
	}
	st.WindowStart, st.WindowEnd = bounds(s.retained())
	return st
}

func bounds(events []Event) (start, end time.Time) {
	for i, ev := range events {
		if i == 0 || ev.Timestamp.Before(start) {
			start = ev.Timestamp
		}
		if i == 0 || ev.Timestamp.After(end) {
			end = ev.Timestamp
		}
	}
	return start, end
}

// aggregate builds a statistic from scratch over a subset of events.
func aggregate(target string, events []Event) Statistic {
	s := newSeries()
	for _, ev := range events {
		s.add(ev)
	}
	return s.statistic(target)
}

// #endregion series

// #region tracker

type shard struct {
	mu      sync.Mutex
	targets map[string]*series
}

// Tracker aggregates usage events per target. Record is safe for concurrent
// use and holds only the target's shard lock.
type Tracker struct {
	cfg    TrackerConfig
	shards []*shard
	logger *zap.Logger
	now    func() time.Time

	rolled       chan Rolled
	sink         chan Event
	droppedRolls atomic.Int64
	droppedSink  atomic.Int64
}

// TrackerStats reports backpressure counters.
type TrackerStats struct {
	DroppedNotifications int64
	DroppedEvents        int64
}

// NewTracker creates a tracker. A nil logger disables logging.
func NewTracker(cfg TrackerConfig, logger *zap.Logger) *Tracker {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		cfg:    cfg,
		shards: make([]*shard, cfg.Shards),
		logger: logger.Named("tracker"),
		now:    time.Now,
		rolled: make(chan Rolled, max(cfg.NotifyBuffer, 0)),
	}
	for i := range t.shards {
		t.shards[i] = &shard{targets: make(map[string]*series)}
	}
	if cfg.SinkBuffer > 0 {
		t.sink = make(chan Event, cfg.SinkBuffer)
	}
	return t
}

func (t *Tracker) shardFor(target string) *shard {
	h := fnv.New32a()
	h.Write([]byte(target))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

// Record appends one event for target. It never blocks on I/O.
func (t *Tracker) Record(target string, ev Event) {
	t.record(target, ev, true)
}

// Warm loads previously persisted events without re-queuing them for
// persistence and without publishing roll notifications.
func (t *Tracker) Warm(events []Event) {
	for _, ev := range events {
		t.record(ev.Target, ev, false)
	}
}

func (t *Tracker) record(target string, ev Event, live bool) {
	ev.Target = target
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.now()
	}
	if ev.Outcome == "" {
		ev.Outcome = OutcomeOK
	}
	if len(ev.Tags) > 0 {
		ev.Tags = append([]string(nil), ev.Tags...)
	}

	sh := t.shardFor(target)
	var (
		roll bool
		stat Statistic
	)
	sh.mu.Lock()
	s, ok := sh.targets[target]
	if !ok {
		s = newSeries()
		s.lastRoll = ev.Timestamp
		sh.targets[target] = s
	}
	// Events already older than the duration window are counted, never retained.
	expired := t.cfg.WindowDuration > 0 && !s.newest.IsZero() &&
		ev.Timestamp.Before(s.newest.Add(-t.cfg.WindowDuration))
	if ev.Timestamp.Before(s.newest) {
		s.outOfOrder++
	} else {
		s.newest = ev.Timestamp
	}
	if !expired {
		s.add(ev)
		s.evict(t.cfg)
	}
	s.sinceRoll++
	if live && t.dueForRoll(s, ev.Timestamp) {
		s.generation++
		s.sinceRoll = 0
		s.lastRoll = ev.Timestamp
		roll = true
		stat = s.statistic(target)
	}
	sh.mu.Unlock()

	if !live {
		return
	}
	if roll {
		select {
		case t.rolled <- Rolled{Target: target, Statistic: stat}:
		default:
			t.droppedRolls.Add(1)
		}
	}
	if t.sink != nil {
		select {
		case t.sink <- ev:
		default:
			if t.droppedSink.Add(1)%1000 == 1 {
				t.logger.Warn("persistence buffer full, dropping usage events",
					zap.String("target", target))
			}
		}
	}
}

func (t *Tracker) dueForRoll(s *series, ts time.Time) bool {
	if t.cfg.WindowSize > 0 && s.sinceRoll >= t.cfg.WindowSize {
		return true
	}
	return t.cfg.WindowDuration > 0 && ts.Sub(s.lastRoll) >= t.cfg.WindowDuration
}

// Snapshot returns the current window statistic for target. With within > 0
// only events newer than newest-within are aggregated.
func (t *Tracker) Snapshot(target string, within time.Duration) (Statistic, bool) {
	sh := t.shardFor(target)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.targets[target]
	if !ok || s.count == 0 {
		return Statistic{}, false
	}
	if within <= 0 {
		return s.statistic(target), true
	}
	cutoff := s.newest.Add(-within)
	var subset []Event
	for _, ev := range s.retained() {
		if ev.Timestamp.After(cutoff) {
			subset = append(subset, ev)
		}
	}
	st := aggregate(target, subset)
	st.OutOfOrder = s.outOfOrder
	st.Generation = s.generation
	return st, true
}

// Recent returns a copy of the newest n retained events for target, oldest
// first. n <= 0 returns the whole window.
func (t *Tracker) Recent(target string, n int) []Event {
	sh := t.shardFor(target)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.targets[target]
	if !ok {
		return nil
	}
	events := s.retained()
	if n > 0 && n < len(events) {
		events = events[len(events)-n:]
	}
	out := make([]Event, len(events))
	for i, ev := range events {
		out[i] = ev
		out[i].Tags = append([]string(nil), ev.Tags...)
	}
	return out
}

// Targets lists every target with at least one recorded event, sorted.
func (t *Tracker) Targets() []string {
	var out []string
	for _, sh := range t.shards {
		sh.mu.Lock()
		for name := range sh.targets {
			out = append(out, name)
		}
		sh.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// Rolled delivers a statistic each time a target's window rolls. Slow
// consumers miss notifications rather than stall Record.
func (t *Tracker) Rolled() <-chan Rolled {
	return t.rolled
}

// Pending exposes the persistence queue, nil when persistence is off.
func (t *Tracker) Pending() <-chan Event {
	return t.sink
}

// Stats returns the backpressure counters.
func (t *Tracker) Stats() TrackerStats {
	return TrackerStats{
		DroppedNotifications: t.droppedRolls.Load(),
		DroppedEvents:        t.droppedSink.Load(),
	}
}

// #endregion tracker
