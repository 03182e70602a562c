package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// Environment prefixes of the protected dependencies. Each knob is read from
// <prefix>_MAX_REQUESTS, _INTERVAL, _TIMEOUT, _FAILURE_THRESHOLD and
// _SUCCESS_THRESHOLD.
const (
	EnvRedis = "CB_REDIS"
	EnvDB    = "CB_DB"
	EnvStep  = "CB_STEP"
)

var envDefaults = map[string]Config{
	EnvRedis: {MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2},
	EnvDB:    {MaxRequests: 3, Interval: 60 * time.Second, Timeout: 30 * time.Second, FailureThreshold: 5, SuccessThreshold: 2},
	EnvStep:  {MaxRequests: 3, Interval: 60 * time.Second, Timeout: 20 * time.Second, FailureThreshold: 5, SuccessThreshold: 1},
}

// FromEnv returns the config for prefix with environment overrides applied.
// Unknown prefixes start from DefaultConfig. Unparsable values are ignored.
func FromEnv(prefix string) Config {
	cfg, ok := envDefaults[prefix]
	if !ok {
		cfg = DefaultConfig()
	}
	cfg.IsFailure = IgnoreCancellation
	cfg.MaxRequests = envUint32(prefix+"_MAX_REQUESTS", cfg.MaxRequests)
	cfg.Interval = envDuration(prefix+"_INTERVAL", cfg.Interval)
	cfg.Timeout = envDuration(prefix+"_TIMEOUT", cfg.Timeout)
	cfg.FailureThreshold = envUint32(prefix+"_FAILURE_THRESHOLD", cfg.FailureThreshold)
	cfg.SuccessThreshold = envUint32(prefix+"_SUCCESS_THRESHOLD", cfg.SuccessThreshold)
	return cfg
}

func envUint32(key string, fallback uint32) uint32 {
	if v, err := strconv.ParseUint(os.Getenv(key), 10, 32); err == nil {
		return uint32(v)
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
