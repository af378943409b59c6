package version

import (
	"context"
	"time"
)

// Record is one immutable version of a target's body.
type Record struct {
	Target             string
	Version            int
	Body               string
	CommittedAt        time.Time
	SourceExperimentID string // empty for the initial version and rollbacks
	RestoredFrom       int    // version copied by a rollback, 0 otherwise
}

// Persister durably stores version records. Implementations live in
// internal/store.
type Persister interface {
	AppendVersion(ctx context.Context, rec Record) error
	LoadVersions(ctx context.Context, target string) ([]Record, error)
	Targets(ctx context.Context) ([]string, error)
}
