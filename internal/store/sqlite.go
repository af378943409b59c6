// Package store persists versions, experiment results, usage events,
// strategy outcomes and lifecycle events.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/adaptive-loop/internal/analyzer"
	"github.com/danielpatrickdp/adaptive-loop/internal/experiment"
	"github.com/danielpatrickdp/adaptive-loop/internal/faults"
	"github.com/danielpatrickdp/adaptive-loop/internal/strategy"
	"github.com/danielpatrickdp/adaptive-loop/internal/telemetry"
	"github.com/danielpatrickdp/adaptive-loop/internal/usage"
	"github.com/danielpatrickdp/adaptive-loop/internal/version"
)

// #region schema
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS versions (
	target               TEXT NOT NULL,
	version              INTEGER NOT NULL,
	body                 TEXT NOT NULL,
	committed_at         TEXT NOT NULL,
	source_experiment_id TEXT,
	restored_from        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (target, version)
);

CREATE TABLE IF NOT EXISTS current_version (
	target  TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	FOREIGN KEY (target, version) REFERENCES versions(target, version)
);

CREATE TABLE IF NOT EXISTS experiment_results (
	experiment_id TEXT PRIMARY KEY,
	target        TEXT NOT NULL,
	strategy      TEXT NOT NULL,
	final_state   TEXT NOT NULL,
	success       INTEGER NOT NULL,
	improvement   REAL NOT NULL,
	result_json   TEXT NOT NULL,
	measured_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_target ON experiment_results(target, measured_at);

CREATE TABLE IF NOT EXISTS usage_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	target      TEXT NOT NULL,
	ts          TEXT NOT NULL,
	duration_ns INTEGER NOT NULL,
	outcome     TEXT NOT NULL,
	tags_json   TEXT NOT NULL,
	input       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_target ON usage_events(target, ts);

CREATE TABLE IF NOT EXISTS strategy_outcomes (
	experiment_id TEXT PRIMARY KEY,
	target        TEXT NOT NULL,
	strategy      TEXT NOT NULL,
	signal        TEXT NOT NULL,
	metric        TEXT NOT NULL,
	expected      REAL NOT NULL,
	measured      REAL NOT NULL,
	committed     INTEGER NOT NULL,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_strategy ON strategy_outcomes(strategy, signal);

CREATE TABLE IF NOT EXISTS experiment_events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type    TEXT NOT NULL,
	experiment_id TEXT NOT NULL,
	target        TEXT NOT NULL,
	candidate_id  TEXT,
	strategy      TEXT,
	reason        TEXT,
	improvement   REAL NOT NULL DEFAULT 0,
	duration_ns   INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);
`
// #endregion schema

// #region store-struct

// SQLiteStore is the default single-node store.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ version.Persister   = (*SQLiteStore)(nil)
	_ usage.Sink          = (*SQLiteStore)(nil)
	_ strategy.OutcomeLog = (*SQLiteStore)(nil)
	_ telemetry.Sink      = (*SQLiteStore)(nil)
)

// #endregion store-struct

// #region constructor

// NewSQLite opens a SQLite database and runs migrations.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, eris.Wrap(err, "open db")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "%s", pragma)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "migrate")
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// #endregion constructor

// #region versions

// AppendVersion inserts a version and moves the current pointer atomically.
// A duplicate (target, version) means another writer won the race.
func (s *SQLiteStore) AppendVersion(ctx context.Context, rec version.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO versions (target, version, body, committed_at, source_experiment_id, restored_from)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Target, rec.Version, rec.Body, formatTime(rec.CommittedAt), nullString(rec.SourceExperimentID), rec.RestoredFrom,
	)
	if err != nil {
		if isConstraint(err) {
			return eris.Wrapf(faults.ErrStaleBase, "insert %s v%d", rec.Target, rec.Version)
		}
		return eris.Wrapf(err, "insert %s v%d", rec.Target, rec.Version)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO current_version (target, version) VALUES (?, ?)
		 ON CONFLICT(target) DO UPDATE SET version = excluded.version`,
		rec.Target, rec.Version,
	)
	if err != nil {
		return eris.Wrap(err, "set current")
	}
	return eris.Wrap(tx.Commit(), "commit")
}

// LoadVersions returns every version of target in ascending order.
func (s *SQLiteStore) LoadVersions(ctx context.Context, target string) ([]version.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target, version, body, committed_at, source_experiment_id, restored_from
		 FROM versions WHERE target = ? ORDER BY version`, target)
	if err != nil {
		return nil, eris.Wrapf(err, "load versions %s", target)
	}
	defer rows.Close()

	var out []version.Record
	for rows.Next() {
		var (
			rec       version.Record
			committed string
			source    sql.NullString
		)
		if err := rows.Scan(&rec.Target, &rec.Version, &rec.Body, &committed, &source, &rec.RestoredFrom); err != nil {
			return nil, eris.Wrap(err, "scan version")
		}
		rec.CommittedAt = parseTime(committed)
		rec.SourceExperimentID = source.String
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "iterate versions")
}

// Targets lists every target with at least one version.
func (s *SQLiteStore) Targets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT target FROM versions ORDER BY target`)
	if err != nil {
		return nil, eris.Wrap(err, "list targets")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, eris.Wrap(err, "scan target")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "iterate targets")
}

// CurrentVersion reads the persisted current pointer.
func (s *SQLiteStore) CurrentVersion(ctx context.Context, target string) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM current_version WHERE target = ?`, target).Scan(&v)
	if eris.Is(err, sql.ErrNoRows) {
		return 0, eris.Wrapf(faults.ErrUnknownTarget, "current %s", target)
	}
	return v, eris.Wrapf(err, "current %s", target)
}

// #endregion versions

// #region results

// AppendResult stores an experiment result. Results are immutable; a second
// write for the same experiment is ignored.
func (s *SQLiteStore) AppendResult(ctx context.Context, r experiment.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "marshal result")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiment_results
		 (experiment_id, target, strategy, final_state, success, improvement, result_json, measured_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(experiment_id) DO NOTHING`,
		r.ExperimentID, r.Target, r.Strategy, string(r.Final), r.Success, r.Evaluation.Improvement,
		string(data), formatTime(r.MeasuredAt),
	)
	return eris.Wrapf(err, "insert result %s", r.ExperimentID)
}

// Results returns results for target, newest first. An empty target means all.
func (s *SQLiteStore) Results(ctx context.Context, target string, limit int) ([]experiment.Result, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT result_json FROM experiment_results
		 WHERE (? = '' OR target = ?)
		 ORDER BY measured_at DESC, rowid DESC LIMIT ?`, target, target, limit)
	if err != nil {
		return nil, eris.Wrap(err, "query results")
	}
	defer rows.Close()

	var out []experiment.Result
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "scan result")
		}
		var r experiment.Result
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, eris.Wrap(err, "unmarshal result")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "iterate results")
}

// #endregion results

// #region usage

// AppendEvents stores a batch of usage events in one transaction.
func (s *SQLiteStore) AppendEvents(ctx context.Context, events []usage.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO usage_events (target, ts, duration_ns, outcome, tags_json, input) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "prepare insert event")
	}
	defer stmt.Close()

	for _, ev := range events {
		tags, err := json.Marshal(nonNil(ev.Tags))
		if err != nil {
			return eris.Wrap(err, "marshal tags")
		}
		if _, err := stmt.ExecContext(ctx, ev.Target, formatTime(ev.Timestamp), int64(ev.Duration), string(ev.Outcome), string(tags), ev.Input); err != nil {
			return eris.Wrapf(err, "insert event for %s", ev.Target)
		}
	}
	return eris.Wrap(tx.Commit(), "commit")
}

// RecentEvents returns up to n of target's latest events, oldest first.
// Used to warm the tracker after a restart.
func (s *SQLiteStore) RecentEvents(ctx context.Context, target string, n int) ([]usage.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target, ts, duration_ns, outcome, tags_json, input FROM (
			SELECT id, target, ts, duration_ns, outcome, tags_json, input FROM usage_events
			WHERE target = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id`, target, n)
	if err != nil {
		return nil, eris.Wrapf(err, "query events %s", target)
	}
	defer rows.Close()

	var out []usage.Event
	for rows.Next() {
		var (
			ev       usage.Event
			ts, tags string
			dur      int64
			outcome  string
		)
		if err := rows.Scan(&ev.Target, &ts, &dur, &outcome, &tags, &ev.Input); err != nil {
			return nil, eris.Wrap(err, "scan event")
		}
		ev.Timestamp = parseTime(ts)
		ev.Duration = time.Duration(dur)
		ev.Outcome = usage.Outcome(outcome)
		if err := json.Unmarshal([]byte(tags), &ev.Tags); err != nil {
			return nil, eris.Wrap(err, "unmarshal tags")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "iterate events")
}

// EventTargets lists targets with recorded usage.
func (s *SQLiteStore) EventTargets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT target FROM usage_events ORDER BY target`)
	if err != nil {
		return nil, eris.Wrap(err, "list event targets")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, eris.Wrap(err, "scan target")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "iterate event targets")
}

// #endregion usage

// #region outcomes

// RecordOutcome stores a strategy outcome.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, o strategy.Outcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO strategy_outcomes
		 (experiment_id, target, strategy, signal, metric, expected, measured, committed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(experiment_id) DO NOTHING`,
		o.ExperimentID, o.Target, o.Strategy, string(o.Signal), string(o.Metric),
		o.Expected, o.Measured, o.Committed, formatTime(o.CreatedAt),
	)
	return eris.Wrapf(err, "insert outcome %s", o.ExperimentID)
}

// Outcomes returns outcomes for a strategy and signal kind, oldest first.
func (s *SQLiteStore) Outcomes(ctx context.Context, name string, kind analyzer.SignalKind) ([]strategy.Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT experiment_id, target, strategy, signal, metric, expected, measured, committed, created_at
		 FROM strategy_outcomes WHERE strategy = ? AND signal = ? ORDER BY created_at`, name, string(kind))
	if err != nil {
		return nil, eris.Wrap(err, "query outcomes")
	}
	defer rows.Close()

	var out []strategy.Outcome
	for rows.Next() {
		var (
			o              strategy.Outcome
			signal, metric string
			created        string
		)
		if err := rows.Scan(&o.ExperimentID, &o.Target, &o.Strategy, &signal, &metric,
			&o.Expected, &o.Measured, &o.Committed, &created); err != nil {
			return nil, eris.Wrap(err, "scan outcome")
		}
		o.Signal = analyzer.SignalKind(signal)
		o.Metric = strategy.Metric(metric)
		o.CreatedAt = parseTime(created)
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "iterate outcomes")
}

// #endregion outcomes

// #region lifecycle

// Emit stores a lifecycle event.
func (s *SQLiteStore) Emit(ctx context.Context, ev telemetry.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiment_events
		 (event_type, experiment_id, target, candidate_id, strategy, reason, improvement, duration_ns, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Type), ev.ExperimentID, ev.Target, nullString(ev.CandidateID), nullString(ev.Strategy),
		nullString(ev.Reason), ev.Improvement, int64(ev.Duration), formatTime(ev.At),
	)
	return eris.Wrapf(err, "insert event %s", ev.Type)
}

// Lifecycle returns the lifecycle events of one experiment in order.
func (s *SQLiteStore) Lifecycle(ctx context.Context, experimentID string) ([]telemetry.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, experiment_id, target, candidate_id, strategy, reason, improvement, duration_ns, created_at
		 FROM experiment_events WHERE experiment_id = ? ORDER BY id`, experimentID)
	if err != nil {
		return nil, eris.Wrap(err, "query lifecycle")
	}
	defer rows.Close()

	var out []telemetry.Event
	for rows.Next() {
		var (
			ev                       telemetry.Event
			typ, at                  string
			candidate, strat, reason sql.NullString
			dur                      int64
		)
		if err := rows.Scan(&typ, &ev.ExperimentID, &ev.Target, &candidate, &strat, &reason, &ev.Improvement, &dur, &at); err != nil {
			return nil, eris.Wrap(err, "scan lifecycle")
		}
		ev.Type = telemetry.EventType(typ)
		ev.CandidateID = candidate.String
		ev.Strategy = strat.String
		ev.Reason = reason.String
		ev.Duration = time.Duration(dur)
		ev.At = parseTime(at)
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "iterate lifecycle")
}

// #endregion lifecycle

// #region helpers

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func isConstraint(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

// #endregion helpers
