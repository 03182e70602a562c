package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultStreamMaxLen = 1000

// StreamKey is the Redis stream holding a session's events.
func StreamKey(sessionID string) string {
	return "research:events:" + sessionID
}

// RedisPublisher mirrors events to a capped Redis stream per session.
type RedisPublisher struct {
	client *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewRedisPublisher creates a publisher. maxLen <= 0 uses the default cap.
func NewRedisPublisher(client *redis.Client, maxLen int64, logger *zap.Logger) *RedisPublisher {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{client: client, maxLen: maxLen, logger: logger}
}

// Ping checks the stream connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Mirror appends evt to the session stream.
func (p *RedisPublisher) Mirror(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(evt.SessionID),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    evt.Type,
			"seq":     strconv.FormatUint(evt.Seq, 10),
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to add event to stream: %w", err)
	}
	return nil
}

// Read returns the session events with Seq > since, oldest first.
func (p *RedisPublisher) Read(ctx context.Context, sessionID string, since uint64) ([]Event, error) {
	msgs, err := p.client.XRange(ctx, StreamKey(sessionID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event stream: %w", err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["payload"].(string)
		if !ok {
			p.logger.Warn("Skipping stream entry without payload", zap.String("id", msg.ID))
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			p.logger.Warn("Skipping undecodable stream entry", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}
