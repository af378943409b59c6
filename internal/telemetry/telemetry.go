// Package telemetry publishes experiment lifecycle events.
package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// #region event

// EventType names a lifecycle event.
type EventType string

const (
	ExperimentStarted   EventType = "experiment_started"
	ExperimentCommitted EventType = "experiment_committed"
	ExperimentDiscarded EventType = "experiment_discarded"
	ExperimentAborted   EventType = "experiment_aborted"
)

// Event is one lifecycle event.
type Event struct {
	Type         EventType
	ExperimentID string
	Target       string
	CandidateID  string
	Strategy     string
	Reason       string
	Improvement  float64
	Duration     time.Duration // zero for experiment_started
	At           time.Time
}

// Sink receives events.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// #endregion event

// #region fanout

// Fanout delivers each event to every sink. Sink failures are logged and
// never reach the caller.
type Fanout struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewFanout creates a Fanout over sinks. nil sinks are skipped.
func NewFanout(logger *zap.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fanout{logger: logger.Named("telemetry")}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Emit delivers ev and always returns nil.
func (f *Fanout) Emit(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	for _, s := range f.sinks {
		if err := s.Emit(ctx, ev); err != nil {
			f.logger.Warn("telemetry sink failed",
				zap.String("event", string(ev.Type)),
				zap.String("experiment_id", ev.ExperimentID),
				zap.Error(err))
		}
	}
	return nil
}

// #endregion fanout

// #region log-sink

// LogSink writes events as structured log lines.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) Emit(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("experiment_id", ev.ExperimentID),
		zap.String("target", ev.Target),
		zap.String("strategy", ev.Strategy),
	}
	if ev.Type != ExperimentStarted {
		fields = append(fields,
			zap.String("reason", ev.Reason),
			zap.Float64("improvement", ev.Improvement),
			zap.Duration("duration", ev.Duration))
	}
	if ev.Type == ExperimentAborted {
		s.logger.Warn(string(ev.Type), fields...)
		return nil
	}
	s.logger.Info(string(ev.Type), fields...)
	return nil
}

// #endregion log-sink
