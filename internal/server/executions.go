package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cybersentinel/soar/internal/audit"
	"github.com/cybersentinel/soar/internal/execution"
	"github.com/cybersentinel/soar/internal/ingest"
	"github.com/cybersentinel/soar/internal/sla"
)

type triggerRequest struct {
	PlaybookID    string          `json:"playbook_id"`
	TriggerData   json.RawMessage `json:"trigger_data"`
	BypassTrigger bool            `json:"bypass_trigger"`
	Actor         string          `json:"actor"`
}

// handleManualTrigger runs a playbook on demand. Unless the caller
// bypasses them, the playbook's triggers still decide whether the
// supplied data warrants a run.
func (s *Server) handleManualTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.PlaybookID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "playbook_id is required")
		return
	}

	actor := actorFrom(r.Context())
	if actor == "" {
		actor = req.Actor
	}
	if actor == "" {
		actor = "operator"
	}

	out, err := s.pipeline.Trigger(r.Context(), ingest.ManualRequest{
		PlaybookID:    req.PlaybookID,
		TriggerData:   req.TriggerData,
		BypassTrigger: req.BypassTrigger,
		Actor:         actor,
	})
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrPlaybookNotFound):
			writeJSONError(w, http.StatusNotFound, "PLAYBOOK_NOT_FOUND", "playbook not found")
		case errors.Is(err, ingest.ErrPlaybookDisabled):
			writeJSONError(w, http.StatusConflict, "PLAYBOOK_DISABLED", "playbook is disabled")
		default:
			s.logger.Error("manual trigger failed", zap.String("playbook_id", req.PlaybookID), zap.Error(err))
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "trigger failed")
		}
		return
	}

	switch out.Status {
	case ingest.StatusAccepted:
		writeJSON(w, http.StatusAccepted, out)
	case ingest.StatusDropped:
		writeJSON(w, http.StatusOK, out)
	default:
		writeJSON(w, http.StatusBadRequest, out)
	}
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := execution.Filter{
		State:      q.Get("state"),
		Severity:   q.Get("severity"),
		WebhookID:  q.Get("webhook_id"),
		PlaybookID: q.Get("playbook_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	execs, err := s.executions.List(r.Context(), f)
	if err != nil {
		s.logger.Error("listing executions failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "listing executions failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": execs,
		"count":      len(execs),
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.executions.Get(r.Context(), r.PathValue("execution_id"))
	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "EXECUTION_NOT_FOUND", "execution not found")
			return
		}
		s.logger.Error("loading execution failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "loading execution failed")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// handleExecutionSLA serves the SLA accounting for one execution. An
// execution with no resolved policy reports sla as null.
func (s *Server) handleExecutionSLA(w http.ResponseWriter, r *http.Request) {
	exec, err := s.executions.Get(r.Context(), r.PathValue("execution_id"))
	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "EXECUTION_NOT_FOUND", "execution not found")
			return
		}
		s.logger.Error("loading execution failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "loading execution failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": exec.ID,
		"state":        exec.State,
		"severity":     exec.Severity,
		"sla":          exec.SLA,
	})
}

// handleSLAReport aggregates SLA accounting over recent executions:
// mean acknowledge, containment, and resolution times plus breach
// counts by reason and dimension. Optional playbook_id and severity
// filters narrow the population; limit caps it (default 500).
func (s *Server) handleSLAReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := execution.Filter{
		Severity:   q.Get("severity"),
		PlaybookID: q.Get("playbook_id"),
		Limit:      500,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	execs, err := s.executions.List(r.Context(), f)
	if err != nil {
		s.logger.Error("listing executions failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "listing executions failed")
		return
	}
	writeJSON(w, http.StatusOK, sla.BuildReport(execs, time.Now()))
}

// handleCancelExecution requests cancellation. When a worker owns the
// execution the cancel settles asynchronously, so the answer is an
// acknowledgement rather than a final state.
func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("execution_id")
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, execution.ErrNotFound):
			writeJSONError(w, http.StatusNotFound, "EXECUTION_NOT_FOUND", "execution not found")
		case errors.Is(err, execution.ErrTerminal):
			writeJSONError(w, http.StatusConflict, "EXECUTION_TERMINAL", "execution already finished")
		default:
			s.logger.Error("cancel failed", zap.String("execution_id", id), zap.Error(err))
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "cancel failed")
		}
		return
	}

	actor := actorFrom(r.Context())
	if actor == "" {
		actor = "operator"
	}
	if s.trail != nil {
		s.trail.Emit(audit.EventExecutionCancelled, id, actor, "cancellation requested")
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": id,
		"status":       "cancelling",
	})
}
