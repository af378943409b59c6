package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/danielpatrickdp/adaptive-loop/internal/config"
	"github.com/danielpatrickdp/adaptive-loop/internal/decision"
	"github.com/danielpatrickdp/adaptive-loop/internal/store"
	"github.com/danielpatrickdp/adaptive-loop/internal/telemetry"
	"github.com/danielpatrickdp/adaptive-loop/internal/usage"
	"github.com/danielpatrickdp/adaptive-loop/internal/version"
)

// backend is what every store driver provides.
type backend interface {
	version.Persister
	decision.ResultLog
	usage.Sink
	Close() error
}

var (
	_ backend = (*store.SQLiteStore)(nil)
	_ backend = (*store.PostgresStore)(nil)
)

// Optional capabilities. Only the SQLite store implements them today.
type (
	eventSource interface {
		EventTargets(ctx context.Context) ([]string, error)
		RecentEvents(ctx context.Context, target string, n int) ([]usage.Event, error)
	}
	lifecycleSource interface {
		Lifecycle(ctx context.Context, experimentID string) ([]telemetry.Event, error)
	}
)

func openBackend(ctx context.Context, sc config.StoreConfig) (backend, error) {
	switch sc.Driver {
	case "sqlite":
		s, err := store.NewSQLite(sc.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		pg, err := store.NewPostgres(ctx, sc.DatabaseURL, &sc.Pool)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
}
