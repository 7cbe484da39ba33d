// Package config loads and validates bulkfetch configuration via Viper and
// converts it into the per-component configs.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/bulkfetch/internal/batch"
	"github.com/JakeFAU/bulkfetch/internal/breaker"
	"github.com/JakeFAU/bulkfetch/internal/executor"
	collyfetcher "github.com/JakeFAU/bulkfetch/internal/fetcher/colly"
	"github.com/JakeFAU/bulkfetch/internal/hostkey"
	"github.com/JakeFAU/bulkfetch/internal/policy/ratelimit"
	pubsubsink "github.com/JakeFAU/bulkfetch/internal/publisher/pubsub"
	"github.com/JakeFAU/bulkfetch/internal/retry"
	"github.com/JakeFAU/bulkfetch/internal/storage/gcs"
	"github.com/JakeFAU/bulkfetch/internal/storage/postgres"
	redisstore "github.com/JakeFAU/bulkfetch/internal/storage/redis"
)

// Checkpoint backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Result sinks.
const (
	SinkJSONL    = "jsonl"
	SinkGCS      = "gcs"
	SinkPubSub   = "pubsub"
	SinkPostgres = "postgres"
)

var (
	backends = []string{BackendMemory, BackendFile, BackendSQLite, BackendPostgres, BackendRedis}
	sinks    = []string{SinkJSONL, SinkGCS, SinkPubSub, SinkPostgres}
)

// Config captures every configuration knob loaded via Viper.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Circuit    CircuitConfig    `mapstructure:"circuit"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Stream     StreamConfig     `mapstructure:"stream"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the status API.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// HostOverride sets the budget of one host.
type HostOverride struct {
	Host  string  `mapstructure:"host"`
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// FetchConfig governs transport, concurrency and per-host pacing.
type FetchConfig struct {
	Concurrency        int            `mapstructure:"concurrency"`
	RequestTimeoutMs   int            `mapstructure:"request_timeout_ms"`
	UserAgent          string         `mapstructure:"user_agent"`
	MaxBodyBytes       int            `mapstructure:"max_body_bytes"`
	StripWWW           bool           `mapstructure:"strip_www"`
	DefaultRPS         float64        `mapstructure:"default_rps"`
	DefaultBurst       int            `mapstructure:"default_burst"`
	MinRPS             float64        `mapstructure:"min_rps"`
	GlobalRPS          float64        `mapstructure:"global_rps"`
	RateDecreaseFactor float64        `mapstructure:"rate_decrease_factor"`
	RateIncreaseStep   float64        `mapstructure:"rate_increase_step"`
	RateSuccessStreak  int            `mapstructure:"rate_success_streak"`
	MaxRetryAfterMs    int            `mapstructure:"max_retry_after_ms"`
	HostOverrides      []HostOverride `mapstructure:"host_overrides"`
}

// RetryConfig configures the retry policy.
type RetryConfig struct {
	MaxRetries    int     `mapstructure:"max_retries"`
	BaseBackoffMs int     `mapstructure:"base_backoff_ms"`
	MaxBackoffMs  int     `mapstructure:"max_backoff_ms"`
	JitterRatio   float64 `mapstructure:"jitter_ratio"`
}

// CircuitConfig configures the circuit breaker and its backpressure.
type CircuitConfig struct {
	FailureThreshold  int     `mapstructure:"failure_threshold"`
	InitialResetMs    int     `mapstructure:"initial_reset_ms"`
	MaxResetMs        int     `mapstructure:"max_reset_ms"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
	MaxResetAttempts  int     `mapstructure:"max_reset_attempts"`
	ProbePath         string  `mapstructure:"probe_path"`
	PauseFraction     float64 `mapstructure:"pause_fraction"`
	HealthPollMs      int     `mapstructure:"health_poll_ms"`
}

// PostgresConfig controls the Postgres pool.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// CheckpointConfig selects and configures the checkpoint backend.
type CheckpointConfig struct {
	Backend    string            `mapstructure:"backend"`
	TTLMs      int64             `mapstructure:"ttl_ms"`
	Dir        string            `mapstructure:"dir"`
	SQLitePath string            `mapstructure:"sqlite_path"`
	Postgres   PostgresConfig    `mapstructure:"postgres"`
	Redis      redisstore.Config `mapstructure:"redis"`
}

// StreamConfig configures chunking and result sinks.
type StreamConfig struct {
	ChunkSize int               `mapstructure:"chunk_size"`
	Sinks     []string          `mapstructure:"sinks"`
	Dir       string            `mapstructure:"dir"`
	GCS       gcs.Config        `mapstructure:"gcs"`
	PubSub    pubsubsink.Config `mapstructure:"pubsub"`
	Postgres  PostgresConfig    `mapstructure:"postgres"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BULKFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.addr", "")
	v.SetDefault("fetch.concurrency", 8)
	v.SetDefault("fetch.request_timeout_ms", 30000)
	v.SetDefault("fetch.user_agent", "bulkfetch/1.0 (+https://github.com/JakeFAU/bulkfetch)")
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.strip_www", true)
	v.SetDefault("fetch.default_rps", 1.0)
	v.SetDefault("fetch.default_burst", 2)
	v.SetDefault("fetch.min_rps", 0.05)
	v.SetDefault("fetch.global_rps", 0.0)
	v.SetDefault("fetch.rate_decrease_factor", 0.5)
	v.SetDefault("fetch.rate_increase_step", 0.1)
	v.SetDefault("fetch.rate_success_streak", 10)
	v.SetDefault("fetch.max_retry_after_ms", 300000)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.jitter_ratio", 0.2)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.initial_reset_ms", 30000)
	v.SetDefault("circuit.max_reset_ms", 600000)
	v.SetDefault("circuit.backoff_multiplier", 2.0)
	v.SetDefault("circuit.max_reset_attempts", 5)
	v.SetDefault("circuit.probe_path", "/robots.txt")
	v.SetDefault("circuit.pause_fraction", 0.5)
	v.SetDefault("circuit.health_poll_ms", 1000)
	v.SetDefault("checkpoint.backend", BackendFile)
	v.SetDefault("checkpoint.ttl_ms", int64(24*time.Hour/time.Millisecond))
	v.SetDefault("checkpoint.dir", "./data/checkpoints")
	v.SetDefault("checkpoint.sqlite_path", "./data/checkpoints.db")
	v.SetDefault("checkpoint.postgres.table", "checkpoints")
	v.SetDefault("checkpoint.redis.key_prefix", "bulkfetch:checkpoint")
	v.SetDefault("checkpoint.redis.grace", "24h")
	v.SetDefault("stream.chunk_size", 500)
	v.SetDefault("stream.sinks", []string{SinkJSONL})
	v.SetDefault("stream.dir", "./data/results")
	v.SetDefault("stream.gcs.prefix", "results")
	v.SetDefault("stream.postgres.table", "results")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	f := c.Fetch
	switch {
	case f.Concurrency <= 0:
		return fmt.Errorf("fetch.concurrency must be > 0")
	case f.RequestTimeoutMs <= 0:
		return fmt.Errorf("fetch.request_timeout_ms must be > 0")
	case f.DefaultRPS <= 0:
		return fmt.Errorf("fetch.default_rps must be > 0")
	case f.DefaultBurst <= 0:
		return fmt.Errorf("fetch.default_burst must be > 0")
	case f.MinRPS < 0 || f.MinRPS > f.DefaultRPS:
		return fmt.Errorf("fetch.min_rps must be within [0, fetch.default_rps]")
	case f.GlobalRPS < 0:
		return fmt.Errorf("fetch.global_rps must be >= 0")
	case f.RateDecreaseFactor <= 0 || f.RateDecreaseFactor >= 1:
		return fmt.Errorf("fetch.rate_decrease_factor must be within (0, 1)")
	case f.RateIncreaseStep < 0:
		return fmt.Errorf("fetch.rate_increase_step must be >= 0")
	}
	for i, o := range f.HostOverrides {
		if strings.TrimSpace(o.Host) == "" || o.RPS <= 0 || o.Burst <= 0 {
			return fmt.Errorf("fetch.host_overrides[%d] must have a host, rps > 0 and burst > 0", i)
		}
	}

	r := c.Retry
	switch {
	case r.MaxRetries < 0:
		return fmt.Errorf("retry.max_retries must be >= 0")
	case r.BaseBackoffMs <= 0:
		return fmt.Errorf("retry.base_backoff_ms must be > 0")
	case r.MaxBackoffMs < r.BaseBackoffMs:
		return fmt.Errorf("retry.max_backoff_ms must be >= retry.base_backoff_ms")
	case r.JitterRatio < 0 || r.JitterRatio > 1:
		return fmt.Errorf("retry.jitter_ratio must be within [0, 1]")
	}

	cc := c.Circuit
	switch {
	case cc.FailureThreshold <= 0:
		return fmt.Errorf("circuit.failure_threshold must be > 0")
	case cc.InitialResetMs <= 0:
		return fmt.Errorf("circuit.initial_reset_ms must be > 0")
	case cc.MaxResetMs < cc.InitialResetMs:
		return fmt.Errorf("circuit.max_reset_ms must be >= circuit.initial_reset_ms")
	case cc.BackoffMultiplier < 1:
		return fmt.Errorf("circuit.backoff_multiplier must be >= 1")
	case cc.MaxResetAttempts <= 0:
		return fmt.Errorf("circuit.max_reset_attempts must be > 0")
	case cc.PauseFraction < 0 || cc.PauseFraction > 1:
		return fmt.Errorf("circuit.pause_fraction must be within [0, 1]")
	}

	if err := c.Checkpoint.validate(); err != nil {
		return err
	}
	return c.Stream.validate()
}

func (c CheckpointConfig) validate() error {
	if !slices.Contains(backends, c.Backend) {
		return fmt.Errorf("checkpoint.backend must be one of %s", strings.Join(backends, ", "))
	}
	if c.TTLMs < 0 {
		return fmt.Errorf("checkpoint.ttl_ms must be >= 0")
	}
	switch c.Backend {
	case BackendFile:
		if c.Dir == "" {
			return fmt.Errorf("checkpoint.dir must be set for the file backend")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("checkpoint.sqlite_path must be set for the sqlite backend")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("checkpoint.postgres.dsn must be set for the postgres backend")
		}
	case BackendRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("checkpoint.redis.address must be set for the redis backend")
		}
	}
	return nil
}

func (s StreamConfig) validate() error {
	if s.ChunkSize <= 0 {
		return fmt.Errorf("stream.chunk_size must be > 0")
	}
	for _, name := range s.Sinks {
		if !slices.Contains(sinks, name) {
			return fmt.Errorf("stream.sinks entry %q must be one of %s", name, strings.Join(sinks, ", "))
		}
	}
	switch {
	case slices.Contains(s.Sinks, SinkJSONL) && s.Dir == "":
		return fmt.Errorf("stream.dir must be set for the jsonl sink")
	case slices.Contains(s.Sinks, SinkGCS) && s.GCS.Bucket == "":
		return fmt.Errorf("stream.gcs.bucket must be set for the gcs sink")
	case slices.Contains(s.Sinks, SinkPubSub) && (s.PubSub.ProjectID == "" || s.PubSub.TopicID == ""):
		return fmt.Errorf("stream.pubsub.project_id and stream.pubsub.topic_id must be set for the pubsub sink")
	case slices.Contains(s.Sinks, SinkPostgres) && s.Postgres.DSN == "":
		return fmt.Errorf("stream.postgres.dsn must be set for the postgres sink")
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// RateLimiter converts the fetch section into a limiter config. Override
// hosts are normalized with the same host key function as requests.
func (c Config) RateLimiter() ratelimit.Config {
	overrides := make(map[string]ratelimit.HostLimit, len(c.Fetch.HostOverrides))
	for _, o := range c.Fetch.HostOverrides {
		overrides[hostkey.Normalize(o.Host, c.Fetch.StripWWW)] = ratelimit.HostLimit{RPS: o.RPS, Burst: o.Burst}
	}
	return ratelimit.Config{
		DefaultRPS:     c.Fetch.DefaultRPS,
		DefaultBurst:   c.Fetch.DefaultBurst,
		Overrides:      overrides,
		MinRPS:         c.Fetch.MinRPS,
		DecreaseFactor: c.Fetch.RateDecreaseFactor,
		IncreaseStep:   c.Fetch.RateIncreaseStep,
		SuccessStreak:  c.Fetch.RateSuccessStreak,
		MaxRetryAfter:  ms(c.Fetch.MaxRetryAfterMs),
		GlobalRPS:      c.Fetch.GlobalRPS,
	}
}

// Breaker converts the circuit section.
func (c Config) Breaker() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Circuit.FailureThreshold,
		InitialReset:     ms(c.Circuit.InitialResetMs),
		MaxReset:         ms(c.Circuit.MaxResetMs),
		Multiplier:       c.Circuit.BackoffMultiplier,
		MaxResetAttempts: c.Circuit.MaxResetAttempts,
	}
}

// RetryPolicy converts the retry section.
func (c Config) RetryPolicy() retry.Config {
	return retry.Config{
		MaxRetries:  c.Retry.MaxRetries,
		BaseBackoff: ms(c.Retry.BaseBackoffMs),
		MaxBackoff:  ms(c.Retry.MaxBackoffMs),
		JitterRatio: c.Retry.JitterRatio,
	}
}

// Executor converts the fetch and circuit sections.
func (c Config) Executor() executor.Config {
	return executor.Config{
		RequestTimeout: ms(c.Fetch.RequestTimeoutMs),
		ProbePath:      c.Circuit.ProbePath,
		StripWWW:       c.Fetch.StripWWW,
	}
}

// Fetcher converts the fetch section into the colly transport config.
func (c Config) Fetcher() collyfetcher.Config {
	return collyfetcher.Config{
		UserAgent:   c.Fetch.UserAgent,
		Timeout:     ms(c.Fetch.RequestTimeoutMs),
		MaxBodySize: c.Fetch.MaxBodyBytes,
	}
}

// Batch converts the coordinator settings.
func (c Config) Batch() batch.Config {
	return batch.Config{
		Concurrency:        c.Fetch.Concurrency,
		CheckpointTTL:      c.CheckpointTTL(),
		PauseFraction:      c.Circuit.PauseFraction,
		HealthPollInterval: ms(c.Circuit.HealthPollMs),
		ResultBuffer:       c.Fetch.Concurrency,
	}
}

// CheckpointTTL returns the session lifetime.
func (c Config) CheckpointTTL() time.Duration {
	return time.Duration(c.Checkpoint.TTLMs) * time.Millisecond
}

// Pool converts a postgres section into a pool config.
func (p PostgresConfig) Pool() postgres.Config {
	return postgres.Config{
		DSN:      p.DSN,
		Table:    p.Table,
		MaxConns: p.MaxConns,
		MinConns: p.MinConns,
	}
}
