package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
)

const redisBackend = "redis"

// RedisBackend hands out per-session stores that share one Redis connection.
type RedisBackend struct {
	client *circuitbreaker.RedisWrapper
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisBackend connects to Redis and verifies the connection.
// REDIS_PASSWORD overrides an empty password.
func NewRedisBackend(addr, password string, db int, ttl time.Duration, logger *zap.Logger) (*RedisBackend, error) {
	if password == "" {
		password = os.Getenv("REDIS_PASSWORD")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	b := NewRedisBackendFromClient(client, ttl, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Research state store connected to Redis",
		zap.String("addr", addr),
		zap.Duration("ttl", ttl),
	)
	return b, nil
}

// NewRedisBackendFromClient wraps an existing client. A zero ttl keeps keys forever.
func NewRedisBackendFromClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisBackend {
	return &RedisBackend{
		client: circuitbreaker.NewRedisWrapper(client, logger),
		ttl:    ttl,
		logger: logger,
	}
}

// Factory returns a Factory bound to this backend.
func (b *RedisBackend) Factory() Factory {
	return func(sessionID string) (Store, error) {
		return b.Store(sessionID)
	}
}

// Store returns the store for one session.
func (b *RedisBackend) Store(sessionID string) (*RedisStore, error) {
	if sessionID == "" {
		return nil, ErrEmptySession
	}
	return &RedisStore{
		backend:   b,
		sessionID: sessionID,
		prefix:    fmt.Sprintf("research:%s:", sessionID),
	}, nil
}

// Ping checks the connection through the circuit breaker.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// BreakerOpen reports whether the Redis circuit breaker is open.
func (b *RedisBackend) BreakerOpen() bool {
	return b.client.IsCircuitBreakerOpen()
}

// Close closes the Redis connection
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// RedisStore keeps one session under research:{session}:*.
type RedisStore struct {
	backend   *RedisBackend
	sessionID string
	prefix    string
}

func (s *RedisStore) SessionID() string { return s.sessionID }

func (s *RedisStore) key(suffix string) string { return s.prefix + suffix }

func (s *RedisStore) touch(ctx context.Context, key string) {
	if s.backend.ttl <= 0 {
		return
	}
	if err := s.backend.client.Expire(ctx, key, s.backend.ttl).Err(); err != nil {
		s.backend.logger.Warn("Failed to refresh research key TTL",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func (s *RedisStore) Append(ctx context.Context, step string, payload interface{}) (entry LogEntry, err error) {
	defer func() { metrics.RecordStoreOperation(redisBackend, "append", err) }()

	raw, err := encode(payload)
	if err != nil {
		return LogEntry{}, err
	}
	seq, err := s.backend.client.Incr(ctx, s.key("seq")).Result()
	if err != nil {
		return LogEntry{}, fmt.Errorf("failed to allocate log sequence: %w", err)
	}
	entry = newEntry(s.sessionID, seq, step, raw)
	data, err := json.Marshal(entry)
	if err != nil {
		return LogEntry{}, fmt.Errorf("failed to marshal log entry: %w", err)
	}
	if err = s.backend.client.RPush(ctx, s.key("log"), data).Err(); err != nil {
		return LogEntry{}, fmt.Errorf("failed to append log entry: %w", err)
	}
	s.touch(ctx, s.key("seq"))
	s.touch(ctx, s.key("log"))
	return entry, nil
}

func (s *RedisStore) Log(ctx context.Context) ([]LogEntry, error) {
	items, err := s.backend.client.LRange(ctx, s.key("log"), 0, -1).Result()
	metrics.RecordStoreOperation(redisBackend, "log", err)
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	out := make([]LogEntry, 0, len(items))
	for _, item := range items {
		var e LogEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("failed to decode log entry: %w", err)
		}
		out = append(out, e)
	}
	// RPUSH after INCR can interleave under concurrent writers.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, value interface{}) error {
	return s.hset(ctx, "results", "save", key, value)
}

func (s *RedisStore) GetLatest(ctx context.Context, key string) (json.RawMessage, error) {
	return s.hget(ctx, "results", "get_latest", key)
}

func (s *RedisStore) GetAll(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	all, err := s.backend.client.HGetAll(ctx, s.key("results")).Result()
	metrics.RecordStoreOperation(redisBackend, "get_all", err)
	if err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}
	out := make(map[string]json.RawMessage)
	for k, v := range all {
		if strings.HasPrefix(k, prefix) {
			out[k] = json.RawMessage(v)
		}
	}
	return out, nil
}

func (s *RedisStore) SetState(ctx context.Context, key string, value interface{}) error {
	return s.hset(ctx, "state", "set_state", key, value)
}

func (s *RedisStore) GetState(ctx context.Context, key string) (json.RawMessage, error) {
	return s.hget(ctx, "state", "get_state", key)
}

func (s *RedisStore) hset(ctx context.Context, hash, op, field string, value interface{}) (err error) {
	defer func() { metrics.RecordStoreOperation(redisBackend, op, err) }()

	raw, err := encode(value)
	if err != nil {
		return err
	}
	if err = s.backend.client.HSet(ctx, s.key(hash), field, string(raw)).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", field, err)
	}
	s.touch(ctx, s.key(hash))
	return nil
}

func (s *RedisStore) hget(ctx context.Context, hash, op, field string) (json.RawMessage, error) {
	val, err := s.backend.client.HGet(ctx, s.key(hash), field).Result()
	if err == redis.Nil {
		metrics.RecordStoreOperation(redisBackend, op, nil)
		return nil, ErrNotFound
	}
	metrics.RecordStoreOperation(redisBackend, op, err)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", field, err)
	}
	return json.RawMessage(val), nil
}
