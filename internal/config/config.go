package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/lookalike/internal/db"
	"github.com/sells-group/lookalike/internal/finalize"
	"github.com/sells-group/lookalike/internal/regress"
	"github.com/sells-group/lookalike/internal/resilience"
	"github.com/sells-group/lookalike/internal/streamscore"
	"github.com/sells-group/lookalike/internal/tracing"
	"github.com/sells-group/lookalike/internal/valuescore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig                `yaml:"store" mapstructure:"store"`
	Graph        GraphConfig                `yaml:"graph" mapstructure:"graph"`
	Scoring      ScoringConfig              `yaml:"scoring" mapstructure:"scoring"`
	ValueScore   valuescore.ConsumerWeights `yaml:"value_score" mapstructure:"value_score"`
	Tiers        finalize.Tiers             `yaml:"tiers" mapstructure:"tiers"`
	Training     regress.TrainerConfig      `yaml:"training" mapstructure:"training"`
	Matcher      MatcherConfig              `yaml:"matcher" mapstructure:"matcher"`
	Temporal     TemporalConfig             `yaml:"temporal" mapstructure:"temporal"`
	Redis        RedisConfig                `yaml:"redis" mapstructure:"redis"`
	Server       ServerConfig               `yaml:"server" mapstructure:"server"`
	Monitoring   MonitoringConfig           `yaml:"monitoring" mapstructure:"monitoring"`
	Tracing      tracing.Config             `yaml:"tracing" mapstructure:"tracing"`
	Log          LogConfig                  `yaml:"log" mapstructure:"log"`
	FeaturesFile string                     `yaml:"features_file" mapstructure:"features_file"`
}

// StoreConfig configures the job database.
type StoreConfig struct {
	Driver      string        `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string        `yaml:"database_url" mapstructure:"database_url"`
	Pool        db.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// GraphConfig configures the identity graph connection. An empty
// DatabaseURL reuses the store database.
type GraphConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Table       string `yaml:"table" mapstructure:"table"`
}

// ScoringConfig configures population scoring.
type ScoringConfig struct {
	BlockSize          int     `yaml:"block_size" mapstructure:"block_size"`
	Concurrency        int     `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts        int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs   int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs       int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	MaxBlocksPerSecond float64 `yaml:"max_blocks_per_second" mapstructure:"max_blocks_per_second"`
}

// Retry returns the block retry policy. Every failure short of a permanent
// error or cancellation is retried.
func (s ScoringConfig) Retry() resilience.RetryConfig {
	r := resilience.FromRetryConfig(s.MaxAttempts, s.InitialBackoffMs, s.MaxBackoffMs)
	r.ShouldRetry = resilience.RetryUnlessPermanent
	return r
}

// Streamscore returns the scorer configuration.
func (s ScoringConfig) Streamscore() streamscore.Config {
	return streamscore.Config{
		BlockSize:          s.BlockSize,
		Concurrency:        s.Concurrency,
		Retry:              s.Retry(),
		MaxBlocksPerSecond: s.MaxBlocksPerSecond,
	}
}

// MatcherConfig configures identity lookups during matching.
type MatcherConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	CircuitThreshold int `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs int `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// Retry returns the lookup retry policy.
func (m MatcherConfig) Retry() resilience.RetryConfig {
	return resilience.FromRetryConfig(m.MaxAttempts, m.InitialBackoffMs, 0)
}

// Breaker returns the circuit breaker guarding the identity graph.
func (m MatcherConfig) Breaker() resilience.CircuitBreakerConfig {
	cb := resilience.FromCircuitConfig(m.CircuitThreshold, m.CircuitResetSecs)
	cb.Name = "identity_graph"
	return cb
}

// TemporalConfig configures the background job runner.
type TemporalConfig struct {
	HostPort      string `yaml:"host_port" mapstructure:"host_port"`
	Namespace     string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue     string `yaml:"task_queue" mapstructure:"task_queue"`
	HeartbeatSecs int    `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs"`
}

// Heartbeat returns the scoring heartbeat interval.
func (t TemporalConfig) Heartbeat() time.Duration {
	return time.Duration(t.HeartbeatSecs) * time.Second
}

// RedisConfig configures the per-job lease. An empty Addr disables it.
type RedisConfig struct {
	Addr         string `yaml:"addr" mapstructure:"addr"`
	LeaseTTLSecs int    `yaml:"lease_ttl_secs" mapstructure:"lease_ttl_secs"`
}

// LeaseTTL returns the lease expiry.
func (r RedisConfig) LeaseTTL() time.Duration {
	return time.Duration(r.LeaseTTLSecs) * time.Second
}

// ServerConfig configures the trigger API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures the job health watchdog. An empty WebhookURL
// disables it.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StallAfterMins       int     `yaml:"stall_after_mins" mapstructure:"stall_after_mins"`
}

// StallAfter returns how long an in-flight job may go without progress.
func (m MonitoringConfig) StallAfter() time.Duration {
	return time.Duration(m.StallAfterMins) * time.Minute
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks the settings a command mode depends on and reports every
// problem at once. Modes: migrate, import, create, status, run, worker,
// serve.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	checkStore := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				add("store.database_url is required for postgres")
			}
		case "sqlite":
		default:
			add("store.driver must be postgres or sqlite, got %q", c.Store.Driver)
		}
		switch c.Graph.Driver {
		case "", "postgres", "sqlite":
		default:
			add("graph.driver must be postgres or sqlite, got %q", c.Graph.Driver)
		}
	}
	checkPipeline := func() {
		if err := c.ValueScore.Validate(); err != nil {
			add("value_score: %v", err)
		}
		if err := c.Tiers.Validate(); err != nil {
			add("tiers: %v", err)
		}
		if c.Scoring.BlockSize <= 0 {
			add("scoring.block_size must be > 0")
		}
		if c.Scoring.Concurrency < 1 || c.Scoring.Concurrency > 64 {
			add("scoring.concurrency must be between 1 and 64")
		}
		if c.Scoring.MaxBlocksPerSecond < 0 {
			add("scoring.max_blocks_per_second must be >= 0")
		}
	}
	checkTracing := func() {
		if c.Tracing.Enabled && (c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1) {
			add("tracing.sample_ratio must be in [0, 1]")
		}
	}
	checkTemporal := func() {
		if c.Temporal.HostPort == "" {
			add("temporal.host_port is required")
		}
		if c.Temporal.TaskQueue == "" {
			add("temporal.task_queue is required")
		}
	}

	switch mode {
	case "migrate", "import", "create", "status":
		checkStore()
	case "run":
		checkStore()
		checkPipeline()
		checkTracing()
	case "worker":
		checkStore()
		checkPipeline()
		checkTemporal()
		checkTracing()
		if c.Monitoring.WebhookURL != "" && (c.Monitoring.FailureRateThreshold <= 0 || c.Monitoring.FailureRateThreshold > 1) {
			add("monitoring.failure_rate_threshold must be in (0, 1]")
		}
	case "serve":
		checkStore()
		checkTemporal()
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
	default:
		add("unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LOOKALIKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	def := streamscore.DefaultConfig()
	retry := resilience.DefaultRetryConfig()
	weights := valuescore.DefaultConsumerWeights()
	tiers := finalize.DefaultTiers()
	training := regress.DefaultTrainerConfig()
	breaker := resilience.DefaultCircuitBreakerConfig()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("graph.driver", "")
	v.SetDefault("graph.database_url", "")
	v.SetDefault("graph.table", "identity_profiles")
	v.SetDefault("scoring.block_size", def.BlockSize)
	v.SetDefault("scoring.concurrency", def.Concurrency)
	v.SetDefault("scoring.max_attempts", retry.MaxAttempts)
	v.SetDefault("scoring.initial_backoff_ms", retry.InitialBackoff.Milliseconds())
	v.SetDefault("scoring.max_backoff_ms", retry.MaxBackoff.Milliseconds())
	v.SetDefault("scoring.max_blocks_per_second", 0.0)
	v.SetDefault("value_score.recency", weights.Recency)
	v.SetDefault("value_score.monetary", weights.Monetary)
	v.SetDefault("value_score.frequency", weights.Frequency)
	v.SetDefault("tiers.small", tiers.Small)
	v.SetDefault("tiers.medium", tiers.Medium)
	v.SetDefault("tiers.large", tiers.Large)
	v.SetDefault("training.epochs", training.Epochs)
	v.SetDefault("training.l2", training.L2)
	v.SetDefault("matcher.max_attempts", 3)
	v.SetDefault("matcher.initial_backoff_ms", 200)
	v.SetDefault("matcher.circuit_threshold", breaker.FailureThreshold)
	v.SetDefault("matcher.circuit_reset_secs", int(breaker.ResetTimeout/time.Second))
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "lookalike")
	v.SetDefault("temporal.heartbeat_secs", 20)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.lease_ttl_secs", 600)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stall_after_mins", 120)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "lookalike")
	v.SetDefault("tracing.environment", "")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("features_file", "")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
