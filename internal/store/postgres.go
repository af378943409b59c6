package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/danielpatrickdp/adaptive-loop/internal/experiment"
	"github.com/danielpatrickdp/adaptive-loop/internal/faults"
	"github.com/danielpatrickdp/adaptive-loop/internal/usage"
	"github.com/danielpatrickdp/adaptive-loop/internal/version"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// PostgresStore is the shared store for multi-node deployments.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

var (
	_ version.Persister = (*PostgresStore)(nil)
	_ usage.Sink        = (*PostgresStore)(nil)
)

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS versions (
	target               TEXT NOT NULL,
	version              INTEGER NOT NULL,
	body                 TEXT NOT NULL,
	committed_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	source_experiment_id TEXT,
	restored_from        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (target, version)
);

CREATE TABLE IF NOT EXISTS current_version (
	target  TEXT PRIMARY KEY,
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS experiment_results (
	experiment_id TEXT PRIMARY KEY,
	target        TEXT NOT NULL,
	strategy      TEXT NOT NULL,
	final_state   TEXT NOT NULL,
	success       BOOLEAN NOT NULL,
	improvement   DOUBLE PRECISION NOT NULL,
	result        JSONB NOT NULL,
	measured_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_target ON experiment_results(target, measured_at DESC);

CREATE TABLE IF NOT EXISTS usage_events (
	id          BIGSERIAL PRIMARY KEY,
	target      TEXT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	duration_ns BIGINT NOT NULL,
	outcome     TEXT NOT NULL,
	tags        TEXT[] NOT NULL,
	input       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_target ON usage_events(target, ts);
`

// pgUniqueViolation is the SQLSTATE for a duplicate key.
const pgUniqueViolation = "23505"

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 1
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			pgxCfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			pgxCfg.MinConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// AppendVersion inserts a version and moves the current pointer in one transaction.
func (s *PostgresStore) AppendVersion(ctx context.Context, rec version.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO versions (target, version, body, committed_at, source_experiment_id, restored_from)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.Target, rec.Version, rec.Body, rec.CommittedAt, rec.SourceExperimentID, rec.RestoredFrom)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return eris.Wrapf(faults.ErrStaleBase, "postgres: insert %s v%d", rec.Target, rec.Version)
		}
		return eris.Wrapf(err, "postgres: insert %s v%d", rec.Target, rec.Version)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO current_version (target, version) VALUES ($1, $2)
		 ON CONFLICT (target) DO UPDATE SET version = EXCLUDED.version`,
		rec.Target, rec.Version)
	if err != nil {
		return eris.Wrap(err, "postgres: set current")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

// LoadVersions returns every version of target in ascending order.
func (s *PostgresStore) LoadVersions(ctx context.Context, target string) ([]version.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT target, version, body, committed_at, COALESCE(source_experiment_id, ''), restored_from
		 FROM versions WHERE target = $1 ORDER BY version`, target)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load versions %s", target)
	}
	defer rows.Close()

	var out []version.Record
	for rows.Next() {
		var rec version.Record
		if err := rows.Scan(&rec.Target, &rec.Version, &rec.Body, &rec.CommittedAt, &rec.SourceExperimentID, &rec.RestoredFrom); err != nil {
			return nil, eris.Wrap(err, "postgres: scan version")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate versions")
}

// Targets lists every target with at least one version.
func (s *PostgresStore) Targets(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT target FROM versions ORDER BY target`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list targets")
	}
	targets, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return targets, eris.Wrap(err, "postgres: collect targets")
}

// AppendResult stores an experiment result once.
func (s *PostgresStore) AppendResult(ctx context.Context, r experiment.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO experiment_results
		 (experiment_id, target, strategy, final_state, success, improvement, result, measured_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (experiment_id) DO NOTHING`,
		r.ExperimentID, r.Target, r.Strategy, string(r.Final), r.Success, r.Evaluation.Improvement, data, r.MeasuredAt)
	return eris.Wrapf(err, "postgres: insert result %s", r.ExperimentID)
}

// Results returns results for target, newest first. An empty target means all.
func (s *PostgresStore) Results(ctx context.Context, target string, limit int) ([]experiment.Result, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT result FROM experiment_results
		 WHERE ($1 = '' OR target = $1)
		 ORDER BY measured_at DESC LIMIT $2`, target, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query results")
	}
	defer rows.Close()

	var out []experiment.Result
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		var r experiment.Result
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal result")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate results")
}

// AppendEvents bulk-loads usage events with COPY.
func (s *PostgresStore) AppendEvents(ctx context.Context, events []usage.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]any, len(events))
	for i, ev := range events {
		rows[i] = []any{ev.Target, ev.Timestamp, int64(ev.Duration), string(ev.Outcome), nonNil(ev.Tags), ev.Input}
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"usage_events"},
		[]string{"target", "ts", "duration_ns", "outcome", "tags", "input"},
		pgx.CopyFromRows(rows))
	return eris.Wrapf(err, "postgres: copy %d events", len(events))
}
