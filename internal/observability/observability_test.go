package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/drillops/internal/tracing"
)

func TestMetricsHandler_ExposesDrillMetrics(t *testing.T) {
	RecordStep("Completed-Success", 2*time.Second)
	RecordLevel()
	RecordTestRun("TEST_RUN_COMPLETE")
	RecordBroadcastFailure()
	RecordPersistFailure()
	SetActiveRuns(2)
	SetSubscribers(3)
	RecordOperatorAction("step_skip")

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `drillops_steps_total{status="Completed-Success"}`)
	assert.Contains(t, body, "drillops_levels_total")
	assert.Contains(t, body, "drillops_active_runs 2")
	assert.Contains(t, body, "drillops_subscribers 3")
	assert.Contains(t, body, `drillops_operator_actions_total{action="step_skip"}`)
}

func TestAuditLogger_Record(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLogger(zerolog.New(&buf))

	ctx := tracing.WithTraceID(context.Background(), "trace-1")
	ctx = tracing.WithDrillID(ctx, "drill-1")
	a.Record(ctx, AuditEvent{
		Type:     "operator",
		Actor:    "alice",
		Action:   "step_override",
		Status:   "success",
		Metadata: map[string]interface{}{"step_id": "s1"},
	})

	out := buf.String()
	assert.Contains(t, out, `"drill_id":"drill-1"`)
	assert.Contains(t, out, `"trace_id":"trace-1"`)
	assert.Contains(t, out, `"action":"step_override"`)
	assert.Contains(t, out, `"step_id":"s1"`)
}

func TestInitAuditLogger(t *testing.T) {
	fallback := GetAuditLogger()
	require.NotNil(t, fallback)
	assert.Same(t, fallback, GetAuditLogger())

	path := t.TempDir() + "/audit.log"
	require.NoError(t, InitAuditLogger(path))
	assert.NotSame(t, fallback, GetAuditLogger())
	assert.Same(t, GetAuditLogger(), GetAuditLogger())

	RecordOperatorAudit(context.Background(), "scenario_confirm", "bob", "success", nil)
	require.NoError(t, GetAuditLogger().Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"action":"scenario_confirm"`)
	assert.Contains(t, string(data), `"actor":"bob"`)
}
