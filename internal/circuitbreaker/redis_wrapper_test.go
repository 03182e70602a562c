package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMiniredisWrapper(t *testing.T) (*RedisWrapper, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWrapper(client, zaptest.NewLogger(t)), mr
}

func TestRedisWrapper_StoreCommands(t *testing.T) {
	wrapper, mr := newMiniredisWrapper(t)
	ctx := context.Background()

	require.NoError(t, wrapper.Ping(ctx).Err())

	assert.Equal(t, int64(1), wrapper.Incr(ctx, "research:s1:seq").Val())
	assert.Equal(t, int64(2), wrapper.Incr(ctx, "research:s1:seq").Val())

	require.NoError(t, wrapper.RPush(ctx, "research:s1:log", "a", "b").Err())
	assert.Equal(t, []string{"a", "b"}, wrapper.LRange(ctx, "research:s1:log", 0, -1).Val())

	require.NoError(t, wrapper.HSet(ctx, "research:s1:results", "plan", "{}", "answer", "{}").Err())
	assert.Equal(t, "{}", wrapper.HGet(ctx, "research:s1:results", "answer").Val())
	assert.Len(t, wrapper.HGetAll(ctx, "research:s1:results").Val(), 2)

	assert.True(t, wrapper.Expire(ctx, "research:s1:results", time.Hour).Val())
	assert.Equal(t, time.Hour, mr.TTL("research:s1:results"))
}

func TestRedisWrapper_MissesDoNotTrip(t *testing.T) {
	wrapper, _ := newMiniredisWrapper(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, wrapper.HGet(ctx, "research:s1:results", "missing").Err(), redis.Nil)
	}
	assert.False(t, wrapper.IsCircuitBreakerOpen())
}

func TestRedisWrapper_TripsOnOutage(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:9999",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	wrapper := NewRedisWrapper(client, zaptest.NewLogger(t))
	ctx := context.Background()

	threshold := int(FromEnv(EnvRedis).FailureThreshold)
	for i := 0; i < threshold; i++ {
		assert.Error(t, wrapper.Ping(ctx).Err())
	}
	assert.True(t, wrapper.IsCircuitBreakerOpen())

	assert.ErrorIs(t, wrapper.HGet(ctx, "research:s1:results", "plan").Err(), ErrCircuitBreakerOpen)
}
