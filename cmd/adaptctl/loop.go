package main

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/danielpatrickdp/adaptive-loop/internal/advisory"
	"github.com/danielpatrickdp/adaptive-loop/internal/analyzer"
	"github.com/danielpatrickdp/adaptive-loop/internal/config"
	"github.com/danielpatrickdp/adaptive-loop/internal/decision"
	"github.com/danielpatrickdp/adaptive-loop/internal/experiment"
	"github.com/danielpatrickdp/adaptive-loop/internal/pipeline"
	"github.com/danielpatrickdp/adaptive-loop/internal/replay"
	"github.com/danielpatrickdp/adaptive-loop/internal/sim"
	"github.com/danielpatrickdp/adaptive-loop/internal/strategy"
	"github.com/danielpatrickdp/adaptive-loop/internal/telemetry"
	"github.com/danielpatrickdp/adaptive-loop/internal/usage"
	"github.com/danielpatrickdp/adaptive-loop/internal/version"
)

// #region daemon

// daemon is the live loop: persisted versions and results, flushed usage,
// optional advisory, over the simulated toolkit seeded from a fixture.
type daemon struct {
	cfg       *config.Config
	fixture   *replay.Fixture
	tracker   *usage.Tracker
	versions  *version.Store
	toolkit   *sim.Toolkit
	decisions *decision.Engine
	flusher   *usage.Flusher
	pipeline  *pipeline.Pipeline
	closeFns  []func() error
	logger    *zap.Logger
}

func newDaemon(ctx context.Context, c *config.Config, b backend, f *replay.Fixture, logger *zap.Logger) (*daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &daemon{cfg: c, fixture: f, logger: logger.Named("daemon")}

	d.versions = version.NewStore(b, logger)
	if err := d.versions.Load(ctx); err != nil {
		return nil, err
	}
	d.toolkit = sim.NewToolkit(d.versions, logger)
	for _, t := range f.Targets {
		if _, err := d.versions.Init(ctx, t.Name, t.Body); err != nil {
			return nil, eris.Wrapf(err, "init %s", t.Name)
		}
		d.toolkit.Register(sim.Target{
			Name: t.Name,
			Pure: t.Pure,
			Profile: sim.Profile{
				LatencyFactor: t.Profile.LatencyFactor,
				ErrorRate:     t.Profile.ErrorRate,
				MismatchRate:  t.Profile.MismatchRate,
			},
		})
	}

	d.tracker = usage.NewTracker(c.UsageTracker(), logger)
	if err := d.warm(ctx, b); err != nil {
		return nil, err
	}
	flusher, err := usage.NewFlusher(d.tracker, b, c.UsageFlush(), logger)
	if err != nil {
		return nil, err
	}
	d.flusher = flusher

	advisor, closeAdvisor, err := newAdvisor(c, logger)
	if err != nil {
		return nil, err
	}
	if closeAdvisor != nil {
		d.closeFns = append(d.closeFns, closeAdvisor)
	}

	anCfg, detCfg := c.Analysis()
	registry := analyzer.NewDefaultRegistry(detCfg)
	if advisor != nil {
		if err := registry.Register(analyzer.AdvisoryDetector(advisor)); err != nil {
			return nil, err
		}
	}
	an := analyzer.NewAnalyzer(anCfg, registry, logger)

	var outcomes strategy.OutcomeLog = &strategy.MemoryLog{}
	if ol, ok := b.(strategy.OutcomeLog); ok {
		outcomes = ol
	}
	memory := strategy.NewMemory(outcomes)
	engine := strategy.NewEngine(c.StrategyEngine(), d.toolkit, advisor, memory, logger)
	if err := strategy.RegisterDefaults(engine); err != nil {
		return nil, err
	}

	d.decisions = decision.NewEngine(d.versions, d.toolkit, b, memory, logger)
	if err := d.decisions.Sync(ctx); err != nil {
		d.logger.Warn("initial sync incomplete", zap.Error(err))
	}

	sinks := []telemetry.Sink{telemetry.NewLogSink(logger), telemetry.MetricsSink{}}
	if s, ok := b.(telemetry.Sink); ok {
		sinks = append(sinks, s)
	}
	runner := experiment.NewRunner(
		c.Runner(),
		d.toolkit,
		replay.NewSampler(d.tracker, c.Sampler()),
		experiment.NewThresholdPolicy(c.Policy()),
		d.decisions,
		telemetry.NewFanout(logger, sinks...),
		logger,
	)
	d.pipeline = pipeline.New(c.Driver(), d.tracker, an, engine, runner, d.decisions, d.toolkit, logger)
	return d, nil
}

// warm reloads persisted usage so a restart does not begin with an empty window.
func (d *daemon) warm(ctx context.Context, b backend) error {
	es, ok := b.(eventSource)
	if !ok {
		return nil
	}
	targets, err := es.EventTargets(ctx)
	if err != nil {
		return eris.Wrap(err, "warm usage")
	}
	for _, target := range targets {
		events, err := es.RecentEvents(ctx, target, d.cfg.Tracker.WindowSize)
		if err != nil {
			return eris.Wrapf(err, "warm usage for %s", target)
		}
		d.tracker.Warm(events)
		d.logger.Debug("usage warmed", zap.String("target", target), zap.Int("events", len(events)))
	}
	return nil
}

// run drives the loop until ctx is done. feed, when set, replays the
// fixture's traffic as live invocations alongside.
func (d *daemon) run(ctx context.Context, feed *feedOptions) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.flusher.Run(ctx) })
	g.Go(func() error { return d.pipeline.Run(ctx) })
	if feed != nil {
		g.Go(func() error { return d.feed(ctx, *feed) })
	}
	if addr := d.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		g.Go(func() error {
			d.logger.Info("serving metrics", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "metrics listen")
			}
			return nil
		})
	}
	return g.Wait()
}

func (d *daemon) Close() error {
	var errs []error
	for _, fn := range d.closeFns {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

// #endregion daemon

// #region feed

type feedOptions struct {
	Rate   float64 // events per second (0 = unthrottled)
	Repeat int     // passes over the fixture traffic (0 = until cancelled)
}

// feed records the fixture's events as live invocations, interleaved across
// targets in recorded order.
func (d *daemon) feed(ctx context.Context, opts feedOptions) error {
	var limiter *rate.Limiter
	if opts.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}
	var events []usage.Event
	start := time.Now()
	for _, t := range d.fixture.Targets {
		events = append(events, t.Recorded(start)...)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })

	for pass := 0; opts.Repeat <= 0 || pass < opts.Repeat; pass++ {
		for _, ev := range events {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return nil
				}
			} else if ctx.Err() != nil {
				return nil
			}
			ev.Timestamp = time.Time{}
			d.tracker.Record(ev.Target, ev)
		}
		d.logger.Debug("traffic pass fed", zap.Int("pass", pass+1), zap.Int("events", len(events)))
	}
	return nil
}

// #endregion feed

// #region advisory

// newAdvisor builds the configured advisory service behind a guard. It
// returns a nil service when advisory is off.
func newAdvisor(c *config.Config, logger *zap.Logger) (advisory.Service, func() error, error) {
	var (
		svc     advisory.Service
		closeFn func() error
	)
	switch c.Advisory.Provider {
	case "", "none":
		return nil, nil, nil
	case "anthropic":
		svc = advisory.NewAnthropic(c.Anthropic(), logger)
	case "grpc":
		client, err := advisory.NewGRPCClient(c.Advisory.GRPCAddr)
		if err != nil {
			return nil, nil, err
		}
		svc, closeFn = client, client.Close
	default:
		return nil, nil, eris.Errorf("unsupported advisory provider: %s", c.Advisory.Provider)
	}
	return advisory.NewGuarded(svc, c.Guard(), logger), closeFn, nil
}

// #endregion advisory
