package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const redisService = "statestore"

// RedisWrapper guards the Redis commands of the research state store with a
// circuit breaker. Only the commands the store issues are exposed.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	return &RedisWrapper{
		client: client,
		cb:     newBreaker("redis", redisService, FromEnv(EnvRedis), logger),
		logger: logger,
	}
}

// guard runs call through the breaker and returns its command. When the
// breaker rejects the call, empty carries the rejection. redis.Nil is a miss,
// not a failure.
func guard[C redis.Cmder](ctx context.Context, rw *RedisWrapper, empty C, call func() C) C {
	result := empty
	err := rw.cb.Execute(ctx, func() error {
		result = call()
		if err := result.Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		return nil
	})
	if err != nil && result.Err() == nil {
		result.SetErr(err)
	}
	return result
}

// Ping checks the connection
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	return guard(ctx, rw, redis.NewStatusCmd(ctx), func() *redis.StatusCmd {
		return rw.client.Ping(ctx)
	})
}

// Incr increments the counter at key
func (rw *RedisWrapper) Incr(ctx context.Context, key string) *redis.IntCmd {
	return guard(ctx, rw, redis.NewIntCmd(ctx), func() *redis.IntCmd {
		return rw.client.Incr(ctx, key)
	})
}

// RPush appends values to the list at key
func (rw *RedisWrapper) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	return guard(ctx, rw, redis.NewIntCmd(ctx), func() *redis.IntCmd {
		return rw.client.RPush(ctx, key, values...)
	})
}

// LRange reads a slice of the list at key
func (rw *RedisWrapper) LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	return guard(ctx, rw, redis.NewStringSliceCmd(ctx), func() *redis.StringSliceCmd {
		return rw.client.LRange(ctx, key, start, stop)
	})
}

// HSet sets hash fields
func (rw *RedisWrapper) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	return guard(ctx, rw, redis.NewIntCmd(ctx), func() *redis.IntCmd {
		return rw.client.HSet(ctx, key, values...)
	})
}

// HGet reads one hash field
func (rw *RedisWrapper) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	return guard(ctx, rw, redis.NewStringCmd(ctx), func() *redis.StringCmd {
		return rw.client.HGet(ctx, key, field)
	})
}

// HGetAll reads a whole hash
func (rw *RedisWrapper) HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd {
	return guard(ctx, rw, redis.NewStringStringMapCmd(ctx), func() *redis.StringStringMapCmd {
		return rw.client.HGetAll(ctx, key)
	})
}

// Expire sets a TTL on key
func (rw *RedisWrapper) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	return guard(ctx, rw, redis.NewBoolCmd(ctx), func() *redis.BoolCmd {
		return rw.client.Expire(ctx, key, expiration)
	})
}

// Close closes the client
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// IsCircuitBreakerOpen reports whether calls are currently rejected
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
