package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/Shannon/go/research/internal/convergence"
	"github.com/Kocoro-lab/Shannon/go/research/internal/feedback"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
)

// Store backends
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Feedback providers
const (
	FeedbackAuto   = "auto"
	FeedbackPolicy = "policy"
)

// Config is the research service configuration.
type Config struct {
	Research      ResearchConfig      `mapstructure:"research"`
	Store         StoreConfig         `mapstructure:"store"`
	Steps         StepsConfig         `mapstructure:"steps"`
	Feedback      FeedbackConfig      `mapstructure:"feedback"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ResearchConfig struct {
	AttemptBudget int                    `mapstructure:"attempt_budget"`
	Thresholds    convergence.Thresholds `mapstructure:"thresholds"`
}

type StoreConfig struct {
	Backend    string        `mapstructure:"backend"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
	Redis      struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	SQL struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"sql"`
}

// StepsConfig points at the step script and the per-step rate limits.
type StepsConfig struct {
	Script         string `mapstructure:"script"`
	RateLimitsPath string `mapstructure:"rate_limits_path"`
}

type FeedbackConfig struct {
	Provider   string        `mapstructure:"provider"`
	Mode       feedback.Mode `mapstructure:"mode"`
	PolicyPath string        `mapstructure:"policy_path"`
	FailClosed bool          `mapstructure:"fail_closed"`
}

// PolicyConfig converts the section for feedback.NewPolicyProvider
func (f FeedbackConfig) PolicyConfig() feedback.PolicyConfig {
	return feedback.PolicyConfig{Mode: f.Mode, Path: f.PolicyPath, FailClosed: f.FailClosed}
}

type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Tracing tracing.Config `mapstructure:"tracing"`
	Events  struct {
		Buffer       int   `mapstructure:"buffer"`
		RedisStream  bool  `mapstructure:"redis_stream"`
		StreamMaxLen int64 `mapstructure:"stream_max_len"`
	} `mapstructure:"events"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("research.attempt_budget", convergence.DefaultAttemptBudget)
	v.SetDefault("research.thresholds.accept", convergence.DefaultThresholds().Accept)
	v.SetDefault("research.thresholds.improving", convergence.DefaultThresholds().Improving)

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.session_ttl", "24h")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.sql.dsn", "")

	v.SetDefault("steps.script", "")
	v.SetDefault("steps.rate_limits_path", "")

	v.SetDefault("feedback.provider", FeedbackAuto)
	v.SetDefault("feedback.mode", string(feedback.ModeEnforce))
	v.SetDefault("feedback.policy_path", "./config/policies")
	v.SetDefault("feedback.fail_closed", false)

	v.SetDefault("observability.metrics.enabled", false)
	v.SetDefault("observability.metrics.port", 2112)
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "console")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.service_name", "shannon-research")
	v.SetDefault("observability.tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("observability.tracing.sample_ratio", 1.0)
	v.SetDefault("observability.events.buffer", 256)
	v.SetDefault("observability.events.redis_stream", false)
	v.SetDefault("observability.events.stream_max_len", 1000)
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	// Defaults always decode.
	_ = v.Unmarshal(&c)
	applyEnvOverrides(&c)
	return &c
}

// Load reads path (or CONFIG_PATH when path is empty) over the defaults and
// applies environment overrides. A missing file is not an error when no
// path was requested explicitly.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the research loop cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendPostgres, BackendSQLite:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendPostgres && c.Store.SQL.DSN == "" {
		return fmt.Errorf("store.sql.dsn is required for the postgres backend")
	}
	switch c.Feedback.Provider {
	case FeedbackAuto, FeedbackPolicy:
	default:
		return fmt.Errorf("unknown feedback provider %q", c.Feedback.Provider)
	}
	switch c.Feedback.Mode {
	case feedback.ModeOff, feedback.ModeDryRun, feedback.ModeEnforce:
	default:
		return fmt.Errorf("unknown feedback mode %q", c.Feedback.Mode)
	}
	t := c.Research.Thresholds
	if t.Accept <= 0 || t.Accept > 1 || t.Improving <= 0 || t.Improving > t.Accept {
		return fmt.Errorf("invalid sufficiency thresholds accept=%.2f improving=%.2f", t.Accept, t.Improving)
	}
	return nil
}

// applyEnvOverrides merges environment variables over file values.
func applyEnvOverrides(c *Config) {
	if v := envInt("RESEARCH_ATTEMPT_BUDGET"); v > 0 {
		c.Research.AttemptBudget = v
	}
	if v := os.Getenv("RESEARCH_STORE_BACKEND"); v != "" {
		c.Store.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.SQL.DSN = v
	}
	if v := os.Getenv("RESEARCH_STEPS_SCRIPT"); v != "" {
		c.Steps.Script = v
	}
	if v := os.Getenv("RATE_LIMITS_CONFIG_PATH"); v != "" {
		c.Steps.RateLimitsPath = v
	}
	if v := os.Getenv("FEEDBACK_PROVIDER"); v != "" {
		c.Feedback.Provider = v
	}
	if v := os.Getenv("FEEDBACK_MODE"); v != "" {
		c.Feedback.Mode = feedback.Mode(v)
	}
	if v := os.Getenv("FEEDBACK_POLICY_PATH"); v != "" {
		c.Feedback.PolicyPath = v
	}
	if v := envInt("METRICS_PORT"); v > 0 {
		c.Observability.Metrics.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Observability.Logging.Level = v
	}
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Observability.Tracing.Enabled = b
		}
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Observability.Tracing.OTLPEndpoint = v
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
