package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/drillops/pkg/drill"
)

type fakeSubscriber struct {
	id string

	mu       sync.Mutex
	messages [][]byte
	failWith error
	closed   bool
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.messages = append(f.messages, data)
	return nil
}

func (f *fakeSubscriber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSubscriber) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.messages...)
}

func (f *fakeSubscriber) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestHub_PublishFanOut(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a := &fakeSubscriber{id: "a"}
	b := &fakeSubscriber{id: "b"}
	other := &fakeSubscriber{id: "other"}

	hub.Subscribe(ExecutionTopic("d1"), a)
	hub.Subscribe(ExecutionTopic("d1"), b)
	hub.Subscribe(ExecutionTopic("d2"), other)

	n := hub.Publish(ExecutionTopic("d1"), map[string]string{"type": "X"})
	assert.Equal(t, 2, n)
	assert.Len(t, a.received(), 1)
	assert.Len(t, b.received(), 1)
	assert.Empty(t, other.received())
	assert.JSONEq(t, `{"type":"X"}`, string(a.received()[0]))
}

func TestHub_FailureIsContained(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	bad := &fakeSubscriber{id: "bad", failWith: errors.New("broken pipe")}
	good := &fakeSubscriber{id: "good"}

	hub.Subscribe("t", bad)
	hub.Subscribe("t", good)

	assert.Equal(t, 1, hub.Publish("t", "hello"))
	assert.Len(t, good.received(), 1)

	evicted := hub.Sweep()
	assert.Equal(t, 1, evicted)
	assert.True(t, bad.isClosed())
	assert.Equal(t, 1, hub.Count("t"))
}

func TestHub_NoBacklogForLateSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.Publish("t", "early")

	late := &fakeSubscriber{id: "late"}
	hub.Subscribe("t", late)
	hub.Publish("t", "later")

	require.Len(t, late.received(), 1)
	assert.Equal(t, `"later"`, string(late.received()[0]))
}

func TestHub_UnsubscribeRemovesEmptyTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	unsub := hub.Subscribe("t", &fakeSubscriber{id: "a"})
	assert.Equal(t, 1, hub.Topics())

	unsub()
	unsub()
	assert.Equal(t, 0, hub.Topics())
	assert.Equal(t, 0, hub.Count("t"))
}

func TestHub_CloseTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a := &fakeSubscriber{id: "a"}
	b := &fakeSubscriber{id: "b"}
	hub.Subscribe("t", a)
	hub.Subscribe("t", b)

	assert.Equal(t, 2, hub.CloseTopic("t"))
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.Equal(t, 0, hub.Publish("t", "gone"))
}

func TestEmitter_FramesAndSequence(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	sub := &fakeSubscriber{id: "s"}
	hub.Subscribe(ExecutionTopic("d"), sub)

	em := NewEmitter(hub)
	em.LevelStart("d", []string{"a", "b"})
	em.StepUpdate("d", drill.StepRecord{DrillID: "d", StepID: "a", Status: drill.StatusSuccess})
	em.Error("d", "a", "persist failed", true)

	msgs := sub.received()
	require.Len(t, msgs, 3)

	var level, step, failure ExecutionEvent
	require.NoError(t, json.Unmarshal(msgs[0], &level))
	require.NoError(t, json.Unmarshal(msgs[1], &step))
	require.NoError(t, json.Unmarshal(msgs[2], &failure))

	assert.Equal(t, LevelStart, level.Type)
	assert.Equal(t, []string{"a", "b"}, level.StepIDs)
	assert.Equal(t, StepUpdate, step.Type)
	require.NotNil(t, step.Step)
	assert.Equal(t, drill.StatusSuccess, step.Step.Status)
	assert.True(t, failure.Stale)
	assert.Less(t, level.Seq, step.Seq)
	assert.Less(t, step.Seq, failure.Seq)
}

func TestEmitter_TestRunMessages(t *testing.T) {
	rec := NewRecorder()
	em := NewEmitter(rec)

	em.TestRunLog("sc", "line 1\n")
	em.TestRunControl("sc", TestRunAborted)

	msgs := rec.TestRun("sc")
	require.Len(t, msgs, 2)
	assert.Equal(t, TestRunMessage{Type: "log", Data: "line 1\n"}, msgs[0])
	assert.Equal(t, []Control{TestRunAborted}, rec.Controls("sc"))
}
