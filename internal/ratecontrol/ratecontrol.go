package ratecontrol

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// StepLimit is a token bucket for one external step. RPS <= 0 means unlimited.
type StepLimit struct {
	RPS   float64 `yaml:"rps" mapstructure:"rps"`
	Burst int     `yaml:"burst" mapstructure:"burst"`
}

// Config holds the default limit and per-step overrides.
type Config struct {
	Default StepLimit            `yaml:"default" mapstructure:"default"`
	Steps   map[string]StepLimit `yaml:"steps" mapstructure:"steps"`
}

type fileConfig struct {
	RateLimits Config `yaml:"rate_limits"`
}

var defaultPaths = []string{
	os.Getenv("RATE_LIMITS_CONFIG_PATH"),
	"/app/config/rate_limits.yaml",
	"./config/rate_limits.yaml",
}

// LoadConfig reads a rate_limits yaml file. An empty path searches the default locations
// and returns an empty (unlimited) config when none exists.
func LoadConfig(path string) (Config, error) {
	if path != "" {
		return readConfig(path)
	}
	for _, p := range defaultPaths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		return readConfig(p)
	}
	if p, ok := findUpConfig(); ok {
		return readConfig(p)
	}
	return Config{}, nil
}

func readConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read rate limit config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal rate limit config %s: %w", path, err)
	}
	return fc.RateLimits, nil
}

func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 4; i++ {
		cand := filepath.Join(wd, "config", "rate_limits.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

// LimitFor returns the effective limit for step: the override when present, else the default.
func (c Config) LimitFor(step string) StepLimit {
	if c.Steps != nil {
		if override, ok := c.Steps[strings.ToLower(strings.TrimSpace(step))]; ok {
			return override
		}
	}
	return c.Default
}

// Limiter keeps one token bucket per step name.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	limiters map[string]*rate.Limiter
}

// NewLimiter builds a limiter from cfg
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until step may run or ctx is done. Unlimited steps return immediately.
func (l *Limiter) Wait(ctx context.Context, step string) error {
	lim := l.limiterFor(step)
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// Update swaps the configuration. Buckets are rebuilt lazily on next use.
func (l *Limiter) Update(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	l.limiters = make(map[string]*rate.Limiter)
}

// Config returns the active configuration
func (l *Limiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func (l *Limiter) limiterFor(step string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[step]; ok {
		return lim
	}
	limit := l.cfg.LimitFor(step)
	if limit.RPS <= 0 {
		l.limiters[step] = nil
		return nil
	}
	burst := limit.Burst
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(limit.RPS), burst)
	l.limiters[step] = lim
	return lim
}
