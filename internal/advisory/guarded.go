package advisory

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/danielpatrickdp/adaptive-loop/internal/resilience"
)

// #region guarded

// Guarded bounds a Service with a deadline, a rate limit, retries and an
// outage circuit. Every failure surfaces as ErrUnavailable so callers can
// fall back to local heuristics.
type Guarded struct {
	svc     Service
	cfg     GuardConfig
	limiter *rate.Limiter
	circuit *circuit
	retry   resilience.RetryConfig
	logger  *zap.Logger
}

// NewGuarded wraps svc. A nil svc yields a guard that is always unavailable.
func NewGuarded(svc Service, cfg GuardConfig, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("advisory")
	def := DefaultGuardConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxAttempts
	retry.InitialBackoff = cfg.Timeout / 10
	retry.OnRetry = resilience.RetryLogger(logger, "advisory suggest")

	return &Guarded{
		svc:     svc,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		circuit: newCircuit(cfg.FailureThreshold, cfg.ResetTimeout, func(from, to CircuitState, cause error) {
			logger.Warn("advisory circuit changed",
				zap.String("from", string(from)),
				zap.String("to", string(to)),
				zap.Error(cause))
		}),
		retry:  retry,
		logger: logger,
	}
}

// Suggest calls the wrapped service. It never blocks on the rate limiter.
func (g *Guarded) Suggest(ctx context.Context, req Request) (Suggestion, error) {
	if g.svc == nil {
		return Suggestion{}, ErrUnavailable
	}
	if !g.limiter.Allow() {
		return Suggestion{}, eris.Wrapf(ErrUnavailable, "%s: rate limited", req.Target)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	s, err := resilience.DoVal(ctx, g.retry, func(ctx context.Context) (Suggestion, error) {
		if err := g.circuit.admit(); err != nil {
			return Suggestion{}, err
		}
		out, err := g.svc.Suggest(ctx, req)
		g.circuit.report(err)
		return out, err
	})
	if err != nil {
		g.logger.Warn("advisory unavailable",
			zap.String("target", req.Target),
			zap.String("purpose", string(req.Purpose)),
			zap.Error(err))
		return Suggestion{}, eris.Wrapf(ErrUnavailable, "%s: %v", req.Target, err)
	}
	return s, nil
}

// Circuit reports the outage circuit state and the error that opened it.
func (g *Guarded) Circuit() (CircuitState, error) {
	return g.circuit.current()
}

// #endregion guarded

// #region static

// Unavailable is a Service that never answers.
type Unavailable struct{}

func (Unavailable) Suggest(context.Context, Request) (Suggestion, error) {
	return Suggestion{}, ErrUnavailable
}

// Static answers every request with the same suggestion.
type Static struct {
	Suggestion Suggestion
}

func (s Static) Suggest(ctx context.Context, _ Request) (Suggestion, error) {
	if err := ctx.Err(); err != nil {
		return Suggestion{}, err
	}
	return s.Suggestion, nil
}

// #endregion static
