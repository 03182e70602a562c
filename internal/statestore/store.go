// Package statestore persists a research session's step log, keyed results and
// scalar state. Writes are append or overwrite only; nothing is ever deleted
// during a run. Every store is bound to exactly one session.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a key has never been written
	ErrNotFound = errors.New("key not found")

	// ErrEmptySession is returned when a store is requested without a session id
	ErrEmptySession = errors.New("session id is required")
)

// LogEntry is one record of the append-only step log.
type LogEntry struct {
	ID        uuid.UUID       `json:"id"`
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Step      string          `json:"step"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Store is the per-session state store.
type Store interface {
	// SessionID returns the session this store is bound to.
	SessionID() string

	// Append adds a step record to the log. Seq is assigned by the store, starting at 1.
	Append(ctx context.Context, step string, payload interface{}) (LogEntry, error)
	// Log returns the step log in sequence order.
	Log(ctx context.Context) ([]LogEntry, error)

	// Save writes value under key; the last write wins.
	Save(ctx context.Context, key string, value interface{}) error
	// GetLatest returns the latest value under key or ErrNotFound.
	GetLatest(ctx context.Context, key string) (json.RawMessage, error)
	// GetAll returns every key starting with prefix.
	GetAll(ctx context.Context, prefix string) (map[string]json.RawMessage, error)

	// SetState writes a scalar state value; the last write wins.
	SetState(ctx context.Context, key string, value interface{}) error
	// GetState returns a scalar state value or ErrNotFound.
	GetState(ctx context.Context, key string) (json.RawMessage, error)
}

// Factory creates the store for one session.
type Factory func(sessionID string) (Store, error)

// Load decodes the latest value under key into out.
func Load(ctx context.Context, s Store, key string, out interface{}) error {
	raw, err := s.GetLatest(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// Keys for values written by the research loops.
func StrategyKey(taskID string, attempt int) string {
	return fmt.Sprintf("searchStrategy:%s:attempt:%d", taskID, attempt)
}

func AttemptKey(taskID string, attempt int) string {
	return fmt.Sprintf("searchAttempt:%s:attempt:%d", taskID, attempt)
}

func SubAnswerKey(taskID string) string {
	return "subAnswer:" + taskID
}

func PlanKey(iteration int) string {
	return fmt.Sprintf("plan:iteration:%d", iteration)
}

func InsightKey(iteration int) string {
	return fmt.Sprintf("insight:iteration:%d", iteration)
}

func encode(v interface{}) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return data, nil
}

func newEntry(sessionID string, seq int64, step string, payload json.RawMessage) LogEntry {
	return LogEntry{
		ID:        uuid.New(),
		SessionID: sessionID,
		Seq:       seq,
		Step:      step,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
