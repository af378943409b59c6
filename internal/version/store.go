// Package version keeps the append-only version history of every target.
package version

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-loop/internal/faults"
	"github.com/danielpatrickdp/adaptive-loop/internal/resilience"
)

// #region lineage

// lineage is one target's history. Writers hold mu; readers load the
// published snapshot without locking.
type lineage struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[[]Record]
}

func (l *lineage) load() []Record {
	p := l.snapshot.Load()
	if p == nil {
		return nil
	}
	return *p
}

// publish installs a new history that shares no backing array with the old one.
func (l *lineage) publish(history []Record, rec Record) {
	next := make([]Record, len(history), len(history)+1)
	copy(next, history)
	next = append(next, rec)
	l.snapshot.Store(&next)
}

// #endregion lineage

// #region store

// Store is the in-memory version index, optionally backed by a Persister.
type Store struct {
	lineages  sync.Map // target -> *lineage
	persister Persister
	retry     resilience.RetryConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewStore creates a store. persister may be nil for a memory-only store.
func NewStore(persister Persister, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("versions")
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger(logger, "append version")
	return &Store{
		persister: persister,
		retry:     retry,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) lineage(target string) (*lineage, bool) {
	v, ok := s.lineages.Load(target)
	if !ok {
		return nil, false
	}
	return v.(*lineage), true
}

// Load restores every persisted lineage. Targets already in memory are left
// untouched.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	targets, err := s.persister.Targets(ctx)
	if err != nil {
		return eris.Wrap(err, "load version targets")
	}
	for _, target := range targets {
		records, err := s.persister.LoadVersions(ctx, target)
		if err != nil {
			return eris.Wrapf(err, "load versions for %s", target)
		}
		if len(records) == 0 {
			continue
		}
		for i, rec := range records {
			if rec.Version != i+1 {
				return faults.Wrap(faults.InvariantViolation,
					eris.Errorf("target %s: version %d at position %d", target, rec.Version, i+1),
					"persisted history has gaps")
			}
		}
		l := &lineage{}
		history := append([]Record(nil), records...)
		l.snapshot.Store(&history)
		s.lineages.LoadOrStore(target, l)
	}
	return nil
}

// Init registers target with body as version 1. Initializing an existing
// target returns its current record.
func (s *Store) Init(ctx context.Context, target, body string) (Record, error) {
	v, _ := s.lineages.LoadOrStore(target, &lineage{})
	l := v.(*lineage)

	l.mu.Lock()
	defer l.mu.Unlock()
	if history := l.load(); len(history) > 0 {
		return history[len(history)-1], nil
	}
	rec := Record{Target: target, Version: 1, Body: body, CommittedAt: s.now()}
	if err := s.persist(ctx, rec); err != nil {
		return Record{}, err
	}
	l.publish(nil, rec)
	return rec, nil
}

// Current returns the newest version of target.
func (s *Store) Current(target string) (Record, bool) {
	l, ok := s.lineage(target)
	if !ok {
		return Record{}, false
	}
	history := l.load()
	if len(history) == 0 {
		return Record{}, false
	}
	return history[len(history)-1], true
}

// History returns every version of target, oldest first.
func (s *Store) History(target string) []Record {
	l, ok := s.lineage(target)
	if !ok {
		return nil
	}
	return append([]Record(nil), l.load()...)
}

// Get returns a specific version.
func (s *Store) Get(target string, v int) (Record, bool) {
	l, ok := s.lineage(target)
	if !ok {
		return Record{}, false
	}
	history := l.load()
	if v < 1 || v > len(history) {
		return Record{}, false
	}
	return history[v-1], true
}

// Targets lists every initialized target.
func (s *Store) Targets() []string {
	var out []string
	s.lineages.Range(func(k, v any) bool {
		if len(v.(*lineage).load()) > 0 {
			out = append(out, k.(string))
		}
		return true
	})
	return out
}

// Append adds a new version built on expectedBase. If the current version is
// no longer expectedBase the store is left unchanged and ErrStaleBase is
// returned.
func (s *Store) Append(ctx context.Context, target string, expectedBase int, body, experimentID string) (Record, error) {
	l, ok := s.lineage(target)
	if !ok {
		return Record{}, eris.Wrapf(faults.ErrUnknownTarget, "append %s", target)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.load()
	if len(history) == 0 {
		return Record{}, eris.Wrapf(faults.ErrUnknownTarget, "append %s", target)
	}
	cur := history[len(history)-1]
	if cur.Version != expectedBase {
		return Record{}, eris.Wrapf(faults.ErrStaleBase, "append %s: expected base v%d, current v%d",
			target, expectedBase, cur.Version)
	}
	rec := Record{
		Target:             target,
		Version:            cur.Version + 1,
		Body:               body,
		CommittedAt:        s.now(),
		SourceExperimentID: experimentID,
	}
	if err := s.persist(ctx, rec); err != nil {
		return Record{}, err
	}
	l.publish(history, rec)
	s.logger.Info("version appended",
		zap.String("target", target),
		zap.Int("version", rec.Version),
		zap.String("experiment_id", experimentID))
	return rec, nil
}

// Rollback restores version to by appending a copy of it. When the current
// body already equals that version's body nothing is appended and the
// current record is returned.
func (s *Store) Rollback(ctx context.Context, target string, to int) (Record, error) {
	l, ok := s.lineage(target)
	if !ok {
		return Record{}, eris.Wrapf(faults.ErrUnknownTarget, "rollback %s", target)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.load()
	if len(history) == 0 {
		return Record{}, eris.Wrapf(faults.ErrUnknownTarget, "rollback %s", target)
	}
	if to < 1 || to > len(history) {
		return Record{}, eris.Wrapf(faults.ErrUnknownVersion, "rollback %s to v%d", target, to)
	}
	cur := history[len(history)-1]
	src := history[to-1]
	if cur.Body == src.Body {
		return cur, nil
	}
	rec := Record{
		Target:       target,
		Version:      cur.Version + 1,
		Body:         src.Body,
		CommittedAt:  s.now(),
		RestoredFrom: to,
	}
	if err := s.persist(ctx, rec); err != nil {
		return Record{}, err
	}
	l.publish(history, rec)
	s.logger.Info("version restored",
		zap.String("target", target),
		zap.Int("version", rec.Version),
		zap.Int("restored_from", to))
	return rec, nil
}

func (s *Store) persist(ctx context.Context, rec Record) error {
	if s.persister == nil {
		return nil
	}
	err := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.persister.AppendVersion(ctx, rec)
	})
	if err != nil {
		return faults.Wrap(faults.TransientIO, err, fmt.Sprintf("persist %s v%d", rec.Target, rec.Version))
	}
	return nil
}

// #endregion store
