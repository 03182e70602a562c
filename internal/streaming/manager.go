// Package streaming fans research progress events out to in-process
// subscribers and keeps a short per-session history for replay.
package streaming

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types published by the research controller
const (
	EventResearchStarted    = "research_started"
	EventIterationStarted   = "iteration_started"
	EventStateChanged       = "state_changed"
	EventTaskResolved       = "task_resolved"
	EventIterationCompleted = "iteration_completed"
	EventFeedbackRequested  = "user_interaction_requested"
	EventResearchCompleted  = "research_completed"
	EventResearchError      = "research_error"
)

const (
	defaultCapacity = 256
	// finished sessions whose history is kept for late replay
	defaultRetainFinished = 64
)

// Event is a single progress notification.
type Event struct {
	SessionID string                 `json:"session_id"`
	Type      string                 `json:"type"`
	State     string                 `json:"state,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for logs and mirrors.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Mirror receives a copy of every published event, e.g. to persist it.
type Mirror interface {
	Mirror(ctx context.Context, evt Event) error
}

// Manager provides in-memory pub/sub for research sessions.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-session ring buffer for replay
	history  map[string]*ring
	capacity int
	// finished session ids, oldest first
	finished []string
	retain   int

	mirror Mirror
	logger *zap.Logger
}

// NewManager creates a manager keeping up to capacity events per session.
func NewManager(capacity int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		retain:      defaultRetainFinished,
		logger:      logger,
	}
}

// SetRetainFinished bounds how many finished sessions keep their history.
func (m *Manager) SetRetainFinished(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 {
		n = 0
	}
	m.retain = n
	m.evictFinishedLocked()
}

// Forget drops the replay history of sessionID.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, sessionID)
	if i := slices.Index(m.finished, sessionID); i >= 0 {
		m.finished = slices.Delete(m.finished, i, i+1)
	}
}

func (m *Manager) evictFinishedLocked() {
	for len(m.finished) > m.retain {
		delete(m.history, m.finished[0])
		m.finished = m.finished[1:]
	}
}

func terminal(eventType string) bool {
	return eventType == EventResearchCompleted || eventType == EventResearchError
}

// SetMirror installs a mirror for subsequently published events.
func (m *Manager) SetMirror(mirror Mirror) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mirror = mirror
}

// Subscribe adds a subscriber channel for sessionID; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(sessionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[sessionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(sessionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[sessionID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

// Publish assigns the next sequence number and delivers evt to all
// subscribers without blocking. Slow subscribers miss events.
func (m *Manager) Publish(ctx context.Context, evt Event) Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	rg := m.history[evt.SessionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.SessionID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	// Sends never block, so delivering under the lock keeps Unsubscribe from
	// closing a channel mid-send.
	for ch := range m.subscribers[evt.SessionID] {
		select {
		case ch <- evt:
		default:
		}
	}
	if terminal(evt.Type) && !slices.Contains(m.finished, evt.SessionID) {
		m.finished = append(m.finished, evt.SessionID)
		m.evictFinishedLocked()
	}
	mirror := m.mirror
	m.mu.Unlock()

	if mirror != nil {
		if err := mirror.Mirror(ctx, evt); err != nil {
			m.logger.Warn("Failed to mirror research event",
				zap.String("session_id", evt.SessionID),
				zap.String("type", evt.Type),
				zap.Error(err),
			)
		}
	}
	return evt
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(sessionID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[sessionID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
