package config

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestWatcher(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	policyDir := t.TempDir()
	configPath := filepath.Join(dir, "research.yaml")
	writeFile(t, configPath, "research:\n  attempt_budget: 3\n")

	w, err := NewWatcher(configPath, policyDir, zaptest.NewLogger(t))
	require.NoError(t, err)

	var budget atomic.Int64
	var policyReloads atomic.Int32
	var rateReloads atomic.Int32

	w.OnConfigChange(func(cfg *Config) error {
		budget.Store(int64(cfg.Research.AttemptBudget))
		return nil
	})
	w.OnPolicyChange(func() error {
		policyReloads.Add(1)
		return nil
	})
	w.OnFileChange("rate_limits.yaml", func(path string) error {
		assert.Equal(t, filepath.Join(dir, "rate_limits.yaml"), path)
		rateReloads.Add(1)
		return nil
	})

	require.NoError(t, w.Start())
	// Idempotent.
	require.NoError(t, w.Start())

	writeFile(t, configPath, "research:\n  attempt_budget: 6\n")
	assert.Eventually(t, func() bool { return budget.Load() == 6 }, 3*time.Second, 20*time.Millisecond)

	writeFile(t, filepath.Join(policyDir, "feedback.rego"), "package research.feedback\n")
	assert.Eventually(t, func() bool { return policyReloads.Load() > 0 }, 3*time.Second, 20*time.Millisecond)

	writeFile(t, filepath.Join(dir, "rate_limits.yaml"), "rate_limits: {}\n")
	assert.Eventually(t, func() bool { return rateReloads.Load() > 0 }, 3*time.Second, 20*time.Millisecond)

	// An invalid file keeps the previous config.
	writeFile(t, configPath, "store:\n  backend: cassandra\n")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(6), budget.Load())

	require.NoError(t, w.Stop())
	assert.Error(t, w.Start())
}

func TestNewWatcher_NothingToWatch(t *testing.T) {
	_, err := NewWatcher("", "", nil)
	assert.Error(t, err)
}
