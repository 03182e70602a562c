package streaming

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	// Push 4 events, which will overwrite the first
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i + 1)})
	}
	evs := r.since(0)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(2), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[2].Seq)

	evs = r.since(2)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(3), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[1].Seq)
}

func TestManager_PublishAssignsSequence(t *testing.T) {
	m := NewManager(5, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		m.Publish(ctx, Event{SessionID: "s1", Type: EventStateChanged})
	}
	m.Publish(ctx, Event{SessionID: "s2", Type: EventResearchStarted})

	evs := m.ReplaySince("s1", 0)
	require.Len(t, evs, 5)
	assert.Equal(t, uint64(3), evs[0].Seq)
	assert.Equal(t, uint64(7), evs[4].Seq)
	assert.False(t, evs[0].Timestamp.IsZero())

	evs = m.ReplaySince("s2", 0)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(1), evs[0].Seq)

	assert.Nil(t, m.ReplaySince("unknown", 0))
}

func TestManager_EvictsFinishedSessions(t *testing.T) {
	m := NewManager(8, zaptest.NewLogger(t))
	m.SetRetainFinished(2)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		m.Publish(ctx, Event{SessionID: id, Type: EventResearchStarted})
		m.Publish(ctx, Event{SessionID: id, Type: EventResearchCompleted})
	}
	m.Publish(ctx, Event{SessionID: "running", Type: EventResearchStarted})

	assert.Nil(t, m.ReplaySince("s1", 0))
	assert.Len(t, m.ReplaySince("s2", 0), 2)
	assert.Len(t, m.ReplaySince("s3", 0), 2)
	assert.Len(t, m.ReplaySince("running", 0), 1)

	m.Publish(ctx, Event{SessionID: "s4", Type: EventResearchError})
	assert.Nil(t, m.ReplaySince("s2", 0))
	assert.Len(t, m.ReplaySince("s4", 0), 1)
	assert.Len(t, m.ReplaySince("running", 0), 1)

	m.Forget("s4")
	m.Forget("running")
	assert.Nil(t, m.ReplaySince("s4", 0))
	assert.Nil(t, m.ReplaySince("running", 0))
	assert.Len(t, m.ReplaySince("s3", 0), 2)
}

func TestManager_Subscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(16, zaptest.NewLogger(t))
	ch := m.Subscribe("s1", 4)
	other := m.Subscribe("s2", 4)

	done := make(chan []string)
	go func() {
		var types []string
		for evt := range ch {
			types = append(types, evt.Type)
		}
		done <- types
	}()

	ctx := context.Background()
	m.Publish(ctx, Event{SessionID: "s1", Type: EventResearchStarted})
	m.Publish(ctx, Event{SessionID: "s1", Type: EventResearchCompleted})

	// Give the reader a chance to drain before closing.
	require.Eventually(t, func() bool {
		return len(ch) == 0
	}, time.Second, 10*time.Millisecond)
	m.Unsubscribe("s1", ch)

	select {
	case types := <-done:
		assert.Equal(t, []string{EventResearchStarted, EventResearchCompleted}, types)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never finished")
	}

	assert.Len(t, other, 0)
	m.Unsubscribe("s2", other)
	// Double unsubscribe is a no-op.
	m.Unsubscribe("s2", other)
}

func TestManager_SlowSubscriberDoesNotBlock(t *testing.T) {
	m := NewManager(16, nil)
	ch := m.Subscribe("s1", 1)
	defer m.Unsubscribe("s1", ch)

	for i := 0; i < 5; i++ {
		m.Publish(context.Background(), Event{SessionID: "s1", Type: EventStateChanged})
	}
	assert.Len(t, ch, 1)
	assert.Len(t, m.ReplaySince("s1", 0), 5)
}

type recordingMirror struct {
	events []Event
	err    error
}

func (r *recordingMirror) Mirror(_ context.Context, evt Event) error {
	r.events = append(r.events, evt)
	return r.err
}

func TestManager_Mirror(t *testing.T) {
	m := NewManager(16, zaptest.NewLogger(t))
	mirror := &recordingMirror{err: errors.New("stream down")}
	m.SetMirror(mirror)

	evt := m.Publish(context.Background(), Event{SessionID: "s1", Type: EventResearchStarted, Message: "go"})
	require.Len(t, mirror.events, 1)
	assert.Equal(t, evt, mirror.events[0])
	assert.Equal(t, uint64(1), evt.Seq)
}
