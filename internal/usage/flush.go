package usage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-loop/internal/resilience"
)

// Sink persists batches of usage events.
type Sink interface {
	AppendEvents(ctx context.Context, events []Event) error
}

// FlushConfig controls batching for the persistence flusher.
type FlushConfig struct {
	BatchSize     int
	Interval      time.Duration
	Retry         resilience.RetryConfig
	FinalFlushTTL time.Duration // budget for draining after shutdown
}

// DefaultFlushConfig returns sensible defaults.
func DefaultFlushConfig() FlushConfig {
	return FlushConfig{
		BatchSize:     256,
		Interval:      time.Second,
		Retry:         resilience.DefaultRetryConfig(),
		FinalFlushTTL: 5 * time.Second,
	}
}

// Flusher drains a tracker's persistence queue into a Sink.
type Flusher struct {
	src    <-chan Event
	sink   Sink
	cfg    FlushConfig
	logger *zap.Logger
}

// NewFlusher creates a flusher for t. It returns an error when the tracker
// was built without a persistence queue.
func NewFlusher(t *Tracker, sink Sink, cfg FlushConfig, logger *zap.Logger) (*Flusher, error) {
	if t.Pending() == nil {
		return nil, eris.New("tracker has no persistence buffer (SinkBuffer is 0)")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.FinalFlushTTL <= 0 {
		cfg.FinalFlushTTL = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("flusher")
	cfg.Retry.OnRetry = resilience.RetryLogger(logger, "append usage events")
	return &Flusher{src: t.Pending(), sink: sink, cfg: cfg, logger: logger}, nil
}

// Run flushes until ctx is done, then drains whatever is still queued.
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	batch := make([]Event, 0, f.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			f.drain(batch)
			return nil
		case ev := <-f.src:
			batch = append(batch, ev)
			if len(batch) >= f.cfg.BatchSize {
				f.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				f.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (f *Flusher) drain(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.FinalFlushTTL)
	defer cancel()
	for {
		select {
		case ev := <-f.src:
			batch = append(batch, ev)
			if len(batch) >= f.cfg.BatchSize {
				f.flush(ctx, batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				f.flush(ctx, batch)
			}
			return
		}
	}
}

func (f *Flusher) flush(ctx context.Context, batch []Event) {
	out := make([]Event, len(batch))
	copy(out, batch)
	err := resilience.Do(ctx, f.cfg.Retry, func(ctx context.Context) error {
		return f.sink.AppendEvents(ctx, out)
	})
	if err != nil {
		f.logger.Error("usage events lost", zap.Int("count", len(out)), zap.Error(err))
	}
}
