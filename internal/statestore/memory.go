package statestore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
)

// MemoryStore keeps everything in process. It is the default backend.
type MemoryStore struct {
	sessionID string

	mu      sync.RWMutex
	log     []LogEntry
	results map[string]json.RawMessage
	state   map[string]json.RawMessage
}

// NewMemoryStore creates an empty store for sessionID
func NewMemoryStore(sessionID string) *MemoryStore {
	return &MemoryStore{
		sessionID: sessionID,
		results:   make(map[string]json.RawMessage),
		state:     make(map[string]json.RawMessage),
	}
}

// MemoryFactory builds a fresh MemoryStore per session
func MemoryFactory(sessionID string) (Store, error) {
	if sessionID == "" {
		return nil, ErrEmptySession
	}
	return NewMemoryStore(sessionID), nil
}

func (m *MemoryStore) SessionID() string { return m.sessionID }

func (m *MemoryStore) Append(ctx context.Context, step string, payload interface{}) (LogEntry, error) {
	raw, err := encode(payload)
	metrics.RecordStoreOperation("memory", "append", err)
	if err != nil {
		return LogEntry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := newEntry(m.sessionID, int64(len(m.log))+1, step, raw)
	m.log = append(m.log, e)
	return e, nil
}

func (m *MemoryStore) Log(ctx context.Context) ([]LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]LogEntry(nil), m.log...), nil
}

func (m *MemoryStore) Save(ctx context.Context, key string, value interface{}) error {
	raw, err := encode(value)
	metrics.RecordStoreOperation("memory", "save", err)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[key] = raw
	return nil
}

func (m *MemoryStore) GetLatest(ctx context.Context, key string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.results[key]
	if !ok {
		return nil, ErrNotFound
	}
	return raw, nil
}

func (m *MemoryStore) GetAll(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]json.RawMessage)
	for k, v := range m.results {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (m *MemoryStore) SetState(ctx context.Context, key string, value interface{}) error {
	raw, err := encode(value)
	metrics.RecordStoreOperation("memory", "set_state", err)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[key] = raw
	return nil
}

func (m *MemoryStore) GetState(ctx context.Context, key string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.state[key]
	if !ok {
		return nil, ErrNotFound
	}
	return raw, nil
}
