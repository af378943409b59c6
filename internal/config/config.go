package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/danielpatrickdp/adaptive-loop/internal/advisory"
	"github.com/danielpatrickdp/adaptive-loop/internal/analyzer"
	"github.com/danielpatrickdp/adaptive-loop/internal/experiment"
	"github.com/danielpatrickdp/adaptive-loop/internal/pipeline"
	"github.com/danielpatrickdp/adaptive-loop/internal/replay"
	"github.com/danielpatrickdp/adaptive-loop/internal/store"
	"github.com/danielpatrickdp/adaptive-loop/internal/strategy"
	"github.com/danielpatrickdp/adaptive-loop/internal/usage"
)

// Config holds the full loop configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Tracker    TrackerConfig    `yaml:"tracker" mapstructure:"tracker"`
	Flush      FlushConfig      `yaml:"flush" mapstructure:"flush"`
	Analyzer   AnalyzerConfig   `yaml:"analyzer" mapstructure:"analyzer"`
	Strategy   StrategyConfig   `yaml:"strategy" mapstructure:"strategy"`
	Experiment ExperimentConfig `yaml:"experiment" mapstructure:"experiment"`
	Advisory   AdvisoryConfig   `yaml:"advisory" mapstructure:"advisory"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver"` // sqlite | postgres
	Path        string           `yaml:"path" mapstructure:"path"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json | console
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// TrackerConfig bounds the sliding usage window.
type TrackerConfig struct {
	Shards         int           `yaml:"shards" mapstructure:"shards"`
	WindowSize     int           `yaml:"window_size" mapstructure:"window_size"`
	WindowDuration time.Duration `yaml:"window_duration" mapstructure:"window_duration"`
	NotifyBuffer   int           `yaml:"notify_buffer" mapstructure:"notify_buffer"`
	SinkBuffer     int           `yaml:"sink_buffer" mapstructure:"sink_buffer"`
}

// FlushConfig tunes usage event persistence.
type FlushConfig struct {
	BatchSize     int           `yaml:"batch_size" mapstructure:"batch_size"`
	Interval      time.Duration `yaml:"interval" mapstructure:"interval"`
	MaxAttempts   int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	FinalFlushTTL time.Duration `yaml:"final_flush_ttl" mapstructure:"final_flush_ttl"`
}

// AnalyzerConfig tunes analysis and the built-in detectors.
type AnalyzerConfig struct {
	DetectorTimeout    time.Duration `yaml:"detector_timeout" mapstructure:"detector_timeout"`
	MinSamples         int           `yaml:"min_samples" mapstructure:"min_samples"`
	LatencyThreshold   time.Duration `yaml:"latency_threshold" mapstructure:"latency_threshold"`
	VolumeSaturation   int           `yaml:"volume_saturation" mapstructure:"volume_saturation"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold" mapstructure:"error_rate_threshold"`
	ErrorRateCeiling   float64       `yaml:"error_rate_ceiling" mapstructure:"error_rate_ceiling"`
	MinErrors          int           `yaml:"min_errors" mapstructure:"min_errors"`
	DominantShare      float64       `yaml:"dominant_share" mapstructure:"dominant_share"`
	ImpureDiscount     float64       `yaml:"impure_discount" mapstructure:"impure_discount"`
	MinShapeCount      int           `yaml:"min_shape_count" mapstructure:"min_shape_count"`
}

// StrategyConfig tunes candidate generation.
type StrategyConfig struct {
	MinSamples    int           `yaml:"min_samples" mapstructure:"min_samples"`
	AdviceTimeout time.Duration `yaml:"advice_timeout" mapstructure:"advice_timeout"`
	MemoCapacity  int           `yaml:"memo_capacity" mapstructure:"memo_capacity"`
}

// ExperimentConfig bounds experiments and sets the commit policy.
type ExperimentConfig struct {
	Timeout              time.Duration `yaml:"timeout" mapstructure:"timeout"`
	DecisionTimeout      time.Duration `yaml:"decision_timeout" mapstructure:"decision_timeout"`
	CleanupTimeout       time.Duration `yaml:"cleanup_timeout" mapstructure:"cleanup_timeout"`
	WorkloadSize         int           `yaml:"workload_size" mapstructure:"workload_size"`
	ImprovementThreshold float64       `yaml:"improvement_threshold" mapstructure:"improvement_threshold"`
	ErrorRateTolerance   float64       `yaml:"error_rate_tolerance" mapstructure:"error_rate_tolerance"`
	MinSamples           int           `yaml:"min_samples" mapstructure:"min_samples"`
	MinEquivalence       float64       `yaml:"min_equivalence" mapstructure:"min_equivalence"`
	SamplePool           int           `yaml:"sample_pool" mapstructure:"sample_pool"`
	SampleSeed           uint64        `yaml:"sample_seed" mapstructure:"sample_seed"`
}

// AdvisoryConfig selects and guards the optional advisory service.
type AdvisoryConfig struct {
	Provider         string        `yaml:"provider" mapstructure:"provider"` // none | anthropic | grpc
	APIKey           string        `yaml:"api_key" mapstructure:"api_key"`
	Model            string        `yaml:"model" mapstructure:"model"`
	MaxTokens        int64         `yaml:"max_tokens" mapstructure:"max_tokens"`
	BaseURL          string        `yaml:"base_url" mapstructure:"base_url"`
	GRPCAddr         string        `yaml:"grpc_addr" mapstructure:"grpc_addr"`
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RatePerSecond    float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst            int           `yaml:"burst" mapstructure:"burst"`
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
	MaxAttempts      int           `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// PipelineConfig tunes the driver.
type PipelineConfig struct {
	Concurrency    int           `yaml:"concurrency" mapstructure:"concurrency"`
	Interval       time.Duration `yaml:"interval" mapstructure:"interval"`
	SnapshotWithin time.Duration `yaml:"snapshot_within" mapstructure:"snapshot_within"`
}

// Load reads configuration from path, or from adaptive.yaml in the working
// directory when path is empty, then applies ADAPTIVE_* environment overrides.
// A missing default file is not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("adaptive")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("ADAPTIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	tracker := usage.DefaultTrackerConfig()
	flush := usage.DefaultFlushConfig()
	an := analyzer.DefaultAnalyzerConfig()
	det := analyzer.DefaultDetectorConfig()
	str := strategy.DefaultEngineConfig()
	run := experiment.DefaultRunnerConfig()
	pol := experiment.DefaultPolicyConfig()
	smp := replay.DefaultSamplerConfig()
	anth := advisory.DefaultAnthropicConfig()
	guard := advisory.DefaultGuardConfig()
	pipe := pipeline.DefaultConfig()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "adaptive.db")
	v.SetDefault("store.pool.max_conns", 8)
	v.SetDefault("store.pool.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.addr", "")

	v.SetDefault("tracker.shards", tracker.Shards)
	v.SetDefault("tracker.window_size", tracker.WindowSize)
	v.SetDefault("tracker.window_duration", tracker.WindowDuration)
	v.SetDefault("tracker.notify_buffer", tracker.NotifyBuffer)
	v.SetDefault("tracker.sink_buffer", 4096)

	v.SetDefault("flush.batch_size", flush.BatchSize)
	v.SetDefault("flush.interval", flush.Interval)
	v.SetDefault("flush.max_attempts", flush.Retry.MaxAttempts)
	v.SetDefault("flush.final_flush_ttl", flush.FinalFlushTTL)

	v.SetDefault("analyzer.detector_timeout", an.DetectorTimeout)
	v.SetDefault("analyzer.min_samples", an.MinSamples)
	v.SetDefault("analyzer.latency_threshold", det.LatencyThreshold)
	v.SetDefault("analyzer.volume_saturation", det.VolumeSaturation)
	v.SetDefault("analyzer.error_rate_threshold", det.ErrorRateThreshold)
	v.SetDefault("analyzer.error_rate_ceiling", det.ErrorRateCeiling)
	v.SetDefault("analyzer.min_errors", det.MinErrors)
	v.SetDefault("analyzer.dominant_share", det.DominantShare)
	v.SetDefault("analyzer.impure_discount", det.ImpureDiscount)
	v.SetDefault("analyzer.min_shape_count", det.MinShapeCount)

	v.SetDefault("strategy.min_samples", str.MinSamples)
	v.SetDefault("strategy.advice_timeout", str.AdviceTimeout)
	v.SetDefault("strategy.memo_capacity", str.MemoCapacity)

	v.SetDefault("experiment.timeout", run.Timeout)
	v.SetDefault("experiment.decision_timeout", run.DecisionTimeout)
	v.SetDefault("experiment.cleanup_timeout", run.CleanupTimeout)
	v.SetDefault("experiment.workload_size", run.WorkloadSize)
	v.SetDefault("experiment.improvement_threshold", pol.ImprovementThreshold)
	v.SetDefault("experiment.error_rate_tolerance", pol.ErrorRateTolerance)
	v.SetDefault("experiment.min_samples", pol.MinSamples)
	v.SetDefault("experiment.min_equivalence", pol.MinEquivalence)
	v.SetDefault("experiment.sample_pool", smp.PoolSize)
	v.SetDefault("experiment.sample_seed", smp.Seed)

	v.SetDefault("advisory.provider", "none")
	v.SetDefault("advisory.api_key", "")
	v.SetDefault("advisory.model", anth.Model)
	v.SetDefault("advisory.max_tokens", anth.MaxTokens)
	v.SetDefault("advisory.base_url", "")
	v.SetDefault("advisory.grpc_addr", "")
	v.SetDefault("advisory.timeout", guard.Timeout)
	v.SetDefault("advisory.rate_per_second", guard.RatePerSecond)
	v.SetDefault("advisory.burst", guard.Burst)
	v.SetDefault("advisory.failure_threshold", guard.FailureThreshold)
	v.SetDefault("advisory.reset_timeout", guard.ResetTimeout)
	v.SetDefault("advisory.max_attempts", guard.MaxAttempts)

	v.SetDefault("pipeline.concurrency", pipe.Concurrency)
	v.SetDefault("pipeline.interval", pipe.Interval)
	v.SetDefault("pipeline.snapshot_within", pipe.SnapshotWithin)
}

// Validate rejects unknown backends and providers.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return eris.New("config: store.path is required for sqlite")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url is required for postgres")
		}
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	switch c.Advisory.Provider {
	case "", "none", "anthropic":
	case "grpc":
		if c.Advisory.GRPCAddr == "" {
			return eris.New("config: advisory.grpc_addr is required for grpc")
		}
	default:
		return eris.Errorf("config: unknown advisory provider %q", c.Advisory.Provider)
	}
	return nil
}

// #region converters

// UsageTracker returns the tracker configuration.
func (c *Config) UsageTracker() usage.TrackerConfig {
	return usage.TrackerConfig{
		Shards:         c.Tracker.Shards,
		WindowSize:     c.Tracker.WindowSize,
		WindowDuration: c.Tracker.WindowDuration,
		NotifyBuffer:   c.Tracker.NotifyBuffer,
		SinkBuffer:     c.Tracker.SinkBuffer,
	}
}

// UsageFlush returns the flusher configuration.
func (c *Config) UsageFlush() usage.FlushConfig {
	out := usage.DefaultFlushConfig()
	out.BatchSize = c.Flush.BatchSize
	out.Interval = c.Flush.Interval
	out.FinalFlushTTL = c.Flush.FinalFlushTTL
	if c.Flush.MaxAttempts > 0 {
		out.Retry.MaxAttempts = c.Flush.MaxAttempts
	}
	return out
}

// Analysis returns the analyzer and detector configurations.
func (c *Config) Analysis() (analyzer.AnalyzerConfig, analyzer.DetectorConfig) {
	a := c.Analyzer
	an := analyzer.AnalyzerConfig{
		DetectorTimeout: a.DetectorTimeout,
		MinSamples:      a.MinSamples,
	}
	det := analyzer.DetectorConfig{
		LatencyThreshold:   a.LatencyThreshold,
		VolumeSaturation:   a.VolumeSaturation,
		ErrorRateThreshold: a.ErrorRateThreshold,
		ErrorRateCeiling:   a.ErrorRateCeiling,
		MinErrors:          a.MinErrors,
		DominantShare:      a.DominantShare,
		ImpureDiscount:     a.ImpureDiscount,
		MinShapeCount:      a.MinShapeCount,
	}
	return an, det
}

// StrategyEngine returns the strategy engine configuration.
func (c *Config) StrategyEngine() strategy.EngineConfig {
	return strategy.EngineConfig{
		MinSamples:    c.Strategy.MinSamples,
		AdviceTimeout: c.Strategy.AdviceTimeout,
		MemoCapacity:  c.Strategy.MemoCapacity,
	}
}

// Runner returns the experiment runner configuration.
func (c *Config) Runner() experiment.RunnerConfig {
	e := c.Experiment
	return experiment.RunnerConfig{
		Timeout:         e.Timeout,
		DecisionTimeout: e.DecisionTimeout,
		CleanupTimeout:  e.CleanupTimeout,
		WorkloadSize:    e.WorkloadSize,
	}
}

// Policy returns the commit policy thresholds.
func (c *Config) Policy() experiment.PolicyConfig {
	e := c.Experiment
	return experiment.PolicyConfig{
		ImprovementThreshold: e.ImprovementThreshold,
		ErrorRateTolerance:   e.ErrorRateTolerance,
		MinSamples:           e.MinSamples,
		MinEquivalence:       e.MinEquivalence,
	}
}

// Sampler returns the workload sampler configuration.
func (c *Config) Sampler() replay.SamplerConfig {
	return replay.SamplerConfig{PoolSize: c.Experiment.SamplePool, Seed: c.Experiment.SampleSeed}
}

// Anthropic returns the Anthropic client configuration.
func (c *Config) Anthropic() advisory.AnthropicConfig {
	return advisory.AnthropicConfig{
		APIKey:    c.Advisory.APIKey,
		Model:     c.Advisory.Model,
		MaxTokens: c.Advisory.MaxTokens,
		BaseURL:   c.Advisory.BaseURL,
	}
}

// Guard returns the advisory guard configuration.
func (c *Config) Guard() advisory.GuardConfig {
	a := c.Advisory
	return advisory.GuardConfig{
		Timeout:          a.Timeout,
		RatePerSecond:    a.RatePerSecond,
		Burst:            a.Burst,
		FailureThreshold: a.FailureThreshold,
		ResetTimeout:     a.ResetTimeout,
		MaxAttempts:      a.MaxAttempts,
	}
}

// Driver returns the pipeline configuration.
func (c *Config) Driver() pipeline.Config {
	return pipeline.Config{
		Concurrency:    c.Pipeline.Concurrency,
		Interval:       c.Pipeline.Interval,
		SnapshotWithin: c.Pipeline.SnapshotWithin,
	}
}

// #endregion converters

// InitLogger builds a zap logger from cfg and installs it as the global logger.
func InitLogger(cfg LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return logger, nil
}
