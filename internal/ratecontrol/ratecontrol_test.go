package ratecontrol

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rate_limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rate_limits:
  default:
    rps: 5
    burst: 2
  steps:
    search:
      rps: 1
      burst: 1
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, StepLimit{RPS: 5, Burst: 2}, cfg.LimitFor("plan"))
	assert.Equal(t, StepLimit{RPS: 1, Burst: 1}, cfg.LimitFor("search"))
	assert.Equal(t, StepLimit{RPS: 1, Burst: 1}, cfg.LimitFor(" Search "))
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLimiterUnlimitedByDefault(t *testing.T) {
	l := NewLimiter(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(ctx, "search"))
	}
}

func TestLimiterBlocksPastBurst(t *testing.T) {
	l := NewLimiter(Config{Steps: map[string]StepLimit{"search": {RPS: 0.1, Burst: 1}}})

	require.NoError(t, l.Wait(context.Background(), "search"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "search"), "second token is 10s away")

	// Other steps are unaffected.
	assert.NoError(t, l.Wait(context.Background(), "plan"))
}

func TestLimiterUpdate(t *testing.T) {
	l := NewLimiter(Config{Steps: map[string]StepLimit{"search": {RPS: 0.1, Burst: 1}}})
	require.NoError(t, l.Wait(context.Background(), "search"))

	l.Update(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, l.Wait(ctx, "search"))
	assert.Equal(t, Config{}, l.Config())
}
