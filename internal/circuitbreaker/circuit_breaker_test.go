package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errBoom = errors.New("boom")

func succeed() error { return nil }
func fail() error    { return errBoom }

func TestCircuitBreakerLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.SuccessThreshold = 2
	cfg.MaxRequests = 5
	cfg.Timeout = 100 * time.Millisecond
	cfg.Interval = time.Minute

	cb := NewCircuitBreaker("search", cfg, zaptest.NewLogger(t))
	ctx := context.Background()
	require.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Execute(ctx, succeed))
	}
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(ctx, succeed))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	trip := func(t *testing.T, cfg Config) *CircuitBreaker {
		t.Helper()
		cfg.FailureThreshold = 1
		cfg.Timeout = 20 * time.Millisecond
		cb := NewCircuitBreaker("plan", cfg, zaptest.NewLogger(t))
		_ = cb.Execute(context.Background(), fail)
		require.Equal(t, StateOpen, cb.State())
		time.Sleep(40 * time.Millisecond)
		require.Equal(t, StateHalfOpen, cb.State())
		return cb
	}

	t.Run("probe limit", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxRequests = 2
		cfg.SuccessThreshold = 5
		cb := trip(t, cfg)

		ctx := context.Background()
		assert.NoError(t, cb.Execute(ctx, succeed))
		assert.NoError(t, cb.Execute(ctx, succeed))
		assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrTooManyRequests)
	})

	t.Run("probe failure reopens", func(t *testing.T) {
		cb := trip(t, DefaultConfig())

		assert.ErrorIs(t, cb.Execute(context.Background(), fail), errBoom)
		assert.Equal(t, StateOpen, cb.State())
	})
}

func TestCircuitBreakerCounts(t *testing.T) {
	cb := NewCircuitBreaker("answer", DefaultConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, succeed)

	assert.Equal(t, Counts{
		Requests:             3,
		TotalSuccesses:       2,
		TotalFailures:        1,
		ConsecutiveSuccesses: 1,
	}, cb.Counts())
}

func TestCircuitBreakerIntervalResetsCounts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.Interval = 20 * time.Millisecond
	cb := NewCircuitBreaker("insight", cfg, zaptest.NewLogger(t))
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	time.Sleep(40 * time.Millisecond)
	_ = cb.Execute(ctx, fail)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().ConsecutiveFailures)
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2

	var transitions [][2]State
	cfg.OnStateChange = func(name string, from State, to State) {
		assert.Equal(t, "search", name)
		transitions = append(transitions, [2]State{from, to})
	}

	cb := NewCircuitBreaker("search", cfg, zaptest.NewLogger(t))
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), fail)
	}

	assert.Equal(t, [][2]State{{StateClosed, StateOpen}}, transitions)
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cb := NewCircuitBreaker("step", cfg, zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		err := cb.Execute(context.Background(), func() error { return context.Canceled })
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerDoneContextShortCircuits(t *testing.T) {
	cb := NewCircuitBreaker("step", DefaultConfig(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Zero(t, cb.Counts().Requests)
}

func TestCircuitBreakerPanicCountsAsFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cb := NewCircuitBreaker("search", cfg, zaptest.NewLogger(t))

	assert.Panics(t, func() {
		_ = cb.Execute(context.Background(), func() error { panic("bad step") })
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestGroupIsolatesBreakers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1

	g := NewGroup("research-steps", cfg, zaptest.NewLogger(t))
	ctx := context.Background()

	_ = g.Get("search").Execute(ctx, fail)

	assert.Same(t, g.Get("search"), g.Get("search"))
	assert.Equal(t, StateOpen, g.Get("search").State())
	assert.NoError(t, g.Get("plan").Execute(ctx, succeed))

	assert.Equal(t, map[string]State{"search": StateOpen, "plan": StateClosed}, g.States())
	assert.Contains(t, Tracked(), "research-steps/search")
}

func TestFromEnv(t *testing.T) {
	t.Setenv("CB_STEP_FAILURE_THRESHOLD", "9")
	t.Setenv("CB_STEP_TIMEOUT", "3s")
	t.Setenv("CB_STEP_MAX_REQUESTS", "not-a-number")

	cfg := FromEnv(EnvStep)
	assert.Equal(t, uint32(9), cfg.FailureThreshold)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, uint32(3), cfg.MaxRequests)
	assert.Equal(t, uint32(1), cfg.SuccessThreshold)
	require.NotNil(t, cfg.IsFailure)
	assert.False(t, cfg.IsFailure(context.Canceled))

	assert.Equal(t, DefaultConfig().FailureThreshold, FromEnv("CB_UNKNOWN").FailureThreshold)
}

func TestStartMetricsCollectionStops(t *testing.T) {
	stop := StartMetricsCollection(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	stop()
	stop()
}
