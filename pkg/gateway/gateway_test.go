package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/drillops/pkg/catalog"
	"github.com/harun/drillops/pkg/drill"
	"github.com/harun/drillops/pkg/events"
	"github.com/harun/drillops/pkg/graph"
	"github.com/harun/drillops/pkg/scheduler"
	"github.com/harun/drillops/pkg/store"
	"github.com/harun/drillops/pkg/testrun"
)

type fakeDrills struct {
	mu       sync.Mutex
	calls    []string
	err      error
	snapshot *scheduler.Snapshot
}

func (f *fakeDrills) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeDrills) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeDrills) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDrills) Start(_ context.Context, drillID, scenarioID string, stepIDs []string) error {
	return f.record(fmt.Sprintf("start %s %s %v", drillID, scenarioID, stepIDs))
}

func (f *fakeDrills) Retry(_ context.Context, drillID, stepID, scenarioID string) error {
	return f.record(fmt.Sprintf("retry %s %s %s", drillID, stepID, scenarioID))
}

func (f *fakeDrills) Skip(_ context.Context, drillID, stepID string) error {
	return f.record(fmt.Sprintf("skip %s %s", drillID, stepID))
}

func (f *fakeDrills) ForceOverride(_ context.Context, drillID, stepID string, status drill.Status, reason, actor string) (drill.StepRecord, error) {
	if err := f.record(fmt.Sprintf("override %s %s %s", drillID, stepID, status)); err != nil {
		return drill.StepRecord{}, err
	}
	return drill.StepRecord{DrillID: drillID, StepID: stepID, Status: status, ResultText: reason, Assignee: drill.AssigneeOverride}, nil
}

func (f *fakeDrills) ConfirmScenario(_ context.Context, drillID, scenarioID string, finalStatus drill.Status, reason string) (drill.ScenarioRecord, error) {
	if err := f.record(fmt.Sprintf("confirm %s %s %s", drillID, scenarioID, finalStatus)); err != nil {
		return drill.ScenarioRecord{}, err
	}
	return drill.ScenarioRecord{DrillID: drillID, ScenarioID: scenarioID, FinalStatus: string(finalStatus), FinalReason: reason}, nil
}

func (f *fakeDrills) EvaluateCriterion(_ context.Context, drillID, criterionID string, status drill.CriterionStatus, checkedBy string) (drill.CriterionRecord, error) {
	if err := f.record(fmt.Sprintf("evaluate %s %s %s", drillID, criterionID, status)); err != nil {
		return drill.CriterionRecord{}, err
	}
	return drill.CriterionRecord{DrillID: drillID, CriterionID: criterionID, Status: status, CheckedBy: checkedBy}, nil
}

func (f *fakeDrills) Snapshot(string) (scheduler.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshot == nil {
		return scheduler.Snapshot{}, false
	}
	return *f.snapshot, true
}

func (f *fakeDrills) ActiveDrills() []string { return []string{"d1"} }

type fakeTestRuns struct {
	mu       sync.Mutex
	started  []string
	aborted  []string
	abortErr error
}

func (f *fakeTestRuns) Start(_ context.Context, scenarioID string) (*testrun.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, scenarioID)
	return nil, nil
}

func (f *fakeTestRuns) Abort(scenarioID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, scenarioID)
	return f.abortErr
}

func (f *fakeTestRuns) Aborted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.aborted...)
}

type fixture struct {
	hub      *events.Hub
	drills   *fakeDrills
	testRuns *fakeTestRuns
	store    *store.MemoryStore
	srv      *Server
	http     *httptest.Server
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		hub:      events.NewHub(zerolog.Nop()),
		drills:   &fakeDrills{},
		testRuns: &fakeTestRuns{},
		store:    store.NewMemoryStore(),
	}
	cfg := Config{
		Topics:   f.hub,
		Drills:   f.drills,
		TestRuns: f.testRuns,
		Records:  f.store,
		Logger:   zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	f.srv = srv
	f.http = httptest.NewServer(srv.Handler())
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.http.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(v))
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{scheduler.ErrAlreadyActive, http.StatusConflict},
		{fmt.Errorf("wrap: %w", scheduler.ErrNotPaused), http.StatusConflict},
		{scheduler.ErrAlreadyResolved, http.StatusConflict},
		{scheduler.ErrStepRunning, http.StatusConflict},
		{testrun.ErrRunActive, http.StatusConflict},
		{scheduler.ErrNoRun, http.StatusNotFound},
		{scheduler.ErrUnknownStep, http.StatusNotFound},
		{graph.ErrUnknownStep, http.StatusNotFound},
		{fmt.Errorf("load scenario x: %w", catalog.ErrUnknownScenario), http.StatusNotFound},
		{testrun.ErrNoActiveRun, http.StatusNotFound},
		{scheduler.ErrInvalidStatus, http.StatusBadRequest},
		{&graph.CycleError{Steps: []string{"a", "b"}}, http.StatusBadRequest},
		{errBadRequest, http.StatusBadRequest},
		{errors.New("database is locked"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusForError(tt.err))
		})
	}
}

func TestAPI_Execute(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/drills/d1/execute", ExecuteRequest{ScenarioID: "s1", StepIDs: []string{"a"}})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"start d1 s1 [a]"}, f.drills.Calls())

	resp = f.do(t, http.MethodPost, "/api/drills/d1/execute", ExecuteRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.drills.setErr(scheduler.ErrAlreadyActive)
	resp = f.do(t, http.MethodPost, "/api/drills/d1/execute", ExecuteRequest{ScenarioID: "s1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Error, "already active")
}

func TestAPI_OperatorActions(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/drills/d1/steps/c/override",
		OverrideRequest{Status: string(drill.StatusSuccess), Reason: "verified by hand", Actor: "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec drill.StepRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, drill.StatusSuccess, rec.Status)
	assert.Equal(t, "verified by hand", rec.ResultText)

	resp = f.do(t, http.MethodPost, "/api/drills/d1/steps/c/override", OverrideRequest{Status: "Done"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/drills/d1/steps/c/skip", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/drills/d1/steps/c/retry", RetryRequest{ScenarioID: "s1"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/drills/d1/scenarios/s1/confirm",
		ConfirmRequest{FinalStatus: string(drill.StatusSuccess), Reason: "RTO met"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/drills/d1/criteria/rto/evaluate", EvaluateRequest{Status: "Pass", CheckedBy: "bob"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/drills/d1/criteria/rto/evaluate", EvaluateRequest{Status: "Maybe"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, []string{
		"override d1 c Completed-Success",
		"skip d1 c",
		"retry d1 c s1",
		"confirm d1 s1 Completed-Success",
		"evaluate d1 rto Pass",
	}, f.drills.Calls())

	f.drills.setErr(scheduler.ErrNotPaused)
	resp = f.do(t, http.MethodPost, "/api/drills/d1/steps/c/skip", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_Steps(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.UpsertStepRecord(context.Background(), drill.StepRecord{DrillID: "d1", StepID: "a", Status: drill.StatusSuccess})
	require.NoError(t, err)
	f.drills.mu.Lock()
	f.drills.snapshot = &scheduler.Snapshot{DrillID: "d1", Paused: true}
	f.drills.mu.Unlock()

	resp := f.do(t, http.MethodGet, "/api/drills/d1/steps", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body StepsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Steps, 1)
	assert.Equal(t, "a", body.Steps[0].StepID)
	require.NotNil(t, body.Run)
	assert.True(t, body.Run.Paused)

	resp = f.do(t, http.MethodGet, "/api/drills/unknown/steps", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_TestRuns(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/scenarios/s1/test-run", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/scenarios/s1/test-run", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.testRuns.mu.Lock()
	f.testRuns.abortErr = testrun.ErrNoActiveRun
	f.testRuns.mu.Unlock()
	resp = f.do(t, http.MethodDelete, "/api/scenarios/s1/test-run", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_SharedSecret(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.SharedSecret = "hunter2" })

	resp := f.do(t, http.MethodGet, "/api/drills", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/api/drills", nil)
	require.NoError(t, err)
	req.Header.Set(SecretHeader, "hunter2")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	health := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestExecutionSocket_ReceivesBroadcasts(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "/ws/execution/d1")

	topic := events.ExecutionTopic("d1")
	require.Eventually(t, func() bool { return f.hub.Count(topic) == 1 }, 2*time.Second, 10*time.Millisecond)

	emitter := events.NewEmitter(f.hub)
	emitter.LevelStart("d1", []string{"a", "b"})
	emitter.LevelStart("other", []string{"x"})
	emitter.Complete("d1")

	var first, second events.ExecutionEvent
	readJSON(t, conn, &first)
	readJSON(t, conn, &second)
	assert.Equal(t, events.LevelStart, first.Type)
	assert.Equal(t, []string{"a", "b"}, first.StepIDs)
	assert.Equal(t, events.ExecutionComplete, second.Type)
	assert.Greater(t, second.Seq, first.Seq)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.hub.Count(topic) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(f.srv.GetConnectedClients()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestExecutionSocket_Commands(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "/ws/execution/d1")

	require.NoError(t, conn.WriteJSON(events.ClientCommand{Type: events.CommandSkipStep, StepID: "c"}))
	require.NoError(t, conn.WriteJSON(events.ClientCommand{Type: events.CommandRetryStep, StepID: "c", ScenarioID: "s1"}))
	require.Eventually(t, func() bool { return len(f.drills.Calls()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"skip d1 c", "retry d1 c s1"}, f.drills.Calls())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"DROP_TABLES"}`)))
	var reply events.ExecutionEvent
	readJSON(t, conn, &reply)
	assert.Equal(t, events.ExecutionError, reply.Type)
	assert.Contains(t, reply.Error, "invalid command")

	f.drills.setErr(scheduler.ErrAlreadyResolved)
	require.NoError(t, conn.WriteJSON(events.ClientCommand{Type: events.CommandSkipStep, StepID: "c"}))
	readJSON(t, conn, &reply)
	assert.Equal(t, events.ExecutionError, reply.Type)
	assert.Equal(t, "c", reply.StepID)
	assert.Contains(t, reply.Error, "already resolved")
}

func TestExecutionSocket_RateLimited(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RateLimit = 2 })
	conn := f.dial(t, "/ws/execution/d1")

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteJSON(events.ClientCommand{Type: events.CommandSkipStep, StepID: "c"}))
	}

	var reply events.ExecutionEvent
	readJSON(t, conn, &reply)
	assert.Equal(t, events.ExecutionError, reply.Type)
	assert.Equal(t, "rate limit exceeded", reply.Error)
	assert.Len(t, f.drills.Calls(), 2)
}

func TestTestRunSocket(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "/ws/scenario_test/s1")
	topic := events.ScenarioTestTopic("s1")
	require.Eventually(t, func() bool { return f.hub.Count(topic) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(events.ClientCommand{Type: events.CommandAbortRun}))
	require.Eventually(t, func() bool { return len(f.testRuns.Aborted()) == 1 }, 2*time.Second, 10*time.Millisecond)

	f.testRuns.mu.Lock()
	f.testRuns.abortErr = testrun.ErrNoActiveRun
	f.testRuns.mu.Unlock()
	require.NoError(t, conn.WriteJSON(events.ClientCommand{Type: events.CommandAbortRun}))
	var reply events.TestRunMessage
	readJSON(t, conn, &reply)
	assert.Equal(t, events.TestRunErrorType, reply.Type)
	assert.Contains(t, reply.Data, "no active test run")

	emitter := events.NewEmitter(f.hub)
	emitter.TestRunControl("s1", events.TestRunAborted)
	readJSON(t, conn, &reply)
	assert.Equal(t, events.TestRunControlType, reply.Type)
	assert.Equal(t, string(events.TestRunAborted), reply.Data)

	assert.Equal(t, 1, f.hub.CloseTopic(topic))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
}

func TestClientRateLimiter(t *testing.T) {
	limiter := NewClientRateLimiterWithLimits(2, time.Minute)
	now := time.Unix(1000, 0)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow())
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())
	assert.Equal(t, 2, limiter.Count())

	now = now.Add(61 * time.Second)
	assert.Equal(t, 0, limiter.Count())
	assert.True(t, limiter.Allow())
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://ops.example.com"})

	r := httptest.NewRequest(http.MethodGet, "/ws/execution/d1", nil)
	assert.True(t, check(r))

	r.Header.Set("Origin", "https://ops.example.com")
	assert.True(t, check(r))

	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(r))

	assert.True(t, originChecker(nil)(r))
	assert.True(t, originChecker([]string{"*"})(r))
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestCommandLoggerTagsSubscriber(t *testing.T) {
	_, ok := subscriberFromContext(context.Background())
	assert.False(t, ok)

	ctx := withSubscriber(context.Background(), "c-1", events.ExecutionTopic("d-1"))
	sub, ok := subscriberFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "c-1", sub.ID)

	var buf bytes.Buffer
	logger := commandLogger(ctx, zerolog.New(&buf))
	logger.Info().Msg("command")
	assert.Contains(t, buf.String(), `"clientId":"c-1"`)
	assert.Contains(t, buf.String(), `"topic":"`+events.ExecutionTopic("d-1")+`"`)
}
