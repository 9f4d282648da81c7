package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/harun/drillops/internal/tracing"
	"github.com/harun/drillops/pkg/catalog"
	"github.com/harun/drillops/pkg/drill"
	"github.com/harun/drillops/pkg/graph"
	"github.com/harun/drillops/pkg/scheduler"
	"github.com/harun/drillops/pkg/testrun"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

func (s *Server) registerAPI(mux *http.ServeMux) {
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.authHandler.Wrap(h))
	}
	handle("GET /api/drills", s.handleListDrills)
	handle("POST /api/drills/{drillID}/execute", s.handleExecute)
	handle("GET /api/drills/{drillID}/steps", s.handleSteps)
	handle("POST /api/drills/{drillID}/steps/{stepID}/retry", s.handleRetry)
	handle("POST /api/drills/{drillID}/steps/{stepID}/skip", s.handleSkip)
	handle("POST /api/drills/{drillID}/steps/{stepID}/override", s.handleOverride)
	handle("POST /api/drills/{drillID}/scenarios/{scenarioID}/confirm", s.handleConfirm)
	handle("POST /api/drills/{drillID}/criteria/{criterionID}/evaluate", s.handleEvaluate)
	handle("POST /api/scenarios/{scenarioID}/test-run", s.handleStartTestRun)
	handle("DELETE /api/scenarios/{scenarioID}/test-run", s.handleAbortTestRun)
}

// requestContext tags the request with a trace id (honouring X-Trace-Id), a request id and the drill id.
func requestContext(r *http.Request) context.Context {
	ctx := tracing.NewRequestContext(r.Context())
	if traceID := r.Header.Get("X-Trace-Id"); traceID != "" {
		ctx = tracing.WithTraceID(ctx, traceID)
	}
	ctx = tracing.WithRequestID(ctx, tracing.NewTraceID())
	if drillID := r.PathValue("drillID"); drillID != "" {
		ctx = tracing.NewDrillContext(ctx, drillID)
	}
	return ctx
}

func (s *Server) handleListDrills(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"drills": s.drills.ActiveDrills()})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	var req ExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(ctx, w, err)
		return
	}
	if req.ScenarioID == "" {
		s.fail(ctx, w, fmt.Errorf("%w: scenario_id is required", errBadRequest))
		return
	}

	drillID := r.PathValue("drillID")
	if err := s.drills.Start(ctx, drillID, req.ScenarioID, req.StepIDs); err != nil {
		s.fail(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"drill_id": drillID, "status": "started"})
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	drillID := r.PathValue("drillID")

	records, err := s.records.ListStepRecords(ctx, drillID)
	if err != nil {
		s.fail(ctx, w, err)
		return
	}
	if records == nil {
		records = []drill.StepRecord{}
	}
	resp := StepsResponse{DrillID: drillID, Steps: records}
	if snap, ok := s.drills.Snapshot(drillID); ok {
		resp.Run = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	var req RetryRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(ctx, w, err)
		return
	}
	if err := s.drills.Retry(ctx, r.PathValue("drillID"), r.PathValue("stepID"), req.ScenarioID); err != nil {
		s.fail(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	if err := s.drills.Skip(ctx, r.PathValue("drillID"), r.PathValue("stepID")); err != nil {
		s.fail(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	var req OverrideRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(ctx, w, err)
		return
	}
	status, err := drill.ParseStatus(req.Status)
	if err != nil {
		s.fail(ctx, w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	rec, err := s.drills.ForceOverride(ctx, r.PathValue("drillID"), r.PathValue("stepID"), status, req.Reason, req.Actor)
	if err != nil {
		s.fail(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	var req ConfirmRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(ctx, w, err)
		return
	}
	status, err := drill.ParseStatus(req.FinalStatus)
	if err != nil {
		s.fail(ctx, w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	rec, err := s.drills.ConfirmScenario(ctx, r.PathValue("drillID"), r.PathValue("scenarioID"), status, req.Reason)
	if err != nil {
		s.fail(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	var req EvaluateRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(ctx, w, err)
		return
	}
	status, err := drill.ParseCriterionStatus(req.Status)
	if err != nil {
		s.fail(ctx, w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	rec, err := s.drills.EvaluateCriterion(ctx, r.PathValue("drillID"), r.PathValue("criterionID"), status, req.CheckedBy)
	if err != nil {
		s.fail(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStartTestRun(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	scenarioID := r.PathValue("scenarioID")
	if _, err := s.testRuns.Start(tracing.WithScenarioID(ctx, scenarioID), scenarioID); err != nil {
		s.fail(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"scenario_id": scenarioID, "status": "started"})
}

func (s *Server) handleAbortTestRun(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	scenarioID := r.PathValue("scenarioID")
	if err := s.testRuns.Abort(scenarioID); err != nil {
		s.fail(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": scenarioID, "status": "aborted"})
}

func (s *Server) fail(ctx context.Context, w http.ResponseWriter, err error) {
	code := statusForError(err)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	if code >= http.StatusInternalServerError {
		logger.Error().Err(err).Msg("API request failed")
	} else {
		logger.Debug().Err(err).Int("status", code).Msg("API request rejected")
	}
	writeError(w, code, err.Error())
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrAlreadyActive),
		errors.Is(err, scheduler.ErrNotPaused),
		errors.Is(err, scheduler.ErrAlreadyResolved),
		errors.Is(err, scheduler.ErrStepRunning),
		errors.Is(err, testrun.ErrRunActive):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrNoRun),
		errors.Is(err, scheduler.ErrUnknownStep),
		errors.Is(err, graph.ErrUnknownStep),
		errors.Is(err, catalog.ErrUnknownScenario),
		errors.Is(err, testrun.ErrNoActiveRun):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, scheduler.ErrInvalidStatus),
		errors.Is(err, graph.ErrCycle):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: failed to read request body", errBadRequest)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}
