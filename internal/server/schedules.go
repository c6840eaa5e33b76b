package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/cybersentinel/soar/internal/audit"
	"github.com/cybersentinel/soar/internal/scheduler"
)

// handleUpsertSchedule creates or replaces a schedule. A body without an
// id creates; a body with an id overwrites that schedule in place. The
// referenced playbook is not checked here because packs may load it
// later; the sweep skips schedules whose playbook is still missing.
func (s *Server) handleUpsertSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "scheduling is not enabled")
		return
	}

	var req scheduler.Schedule
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	creating := req.ID == ""

	saved, err := s.schedules.Upsert(r.Context(), req)
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalid) {
			writeJSONError(w, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
			return
		}
		s.logger.Error("saving schedule failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "saving schedule failed")
		return
	}

	if s.trail != nil {
		evt := audit.EventScheduleUpdated
		if creating {
			evt = audit.EventScheduleCreated
		}
		s.trail.Emit(evt, "", actorFrom(r.Context()),
			fmt.Sprintf("schedule %s for playbook %s", saved.ID, saved.PlaybookID))
	}

	status := http.StatusOK
	if creating {
		status = http.StatusCreated
	}
	writeJSON(w, status, saved)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "scheduling is not enabled")
		return
	}
	items, err := s.schedules.List(r.Context())
	if err != nil {
		s.logger.Error("listing schedules failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "listing schedules failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedules": items,
		"count":     len(items),
	})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "scheduling is not enabled")
		return
	}
	sched, err := s.schedules.Get(r.Context(), r.PathValue("schedule_id"))
	if err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "SCHEDULE_NOT_FOUND", "schedule not found")
			return
		}
		s.logger.Error("loading schedule failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "loading schedule failed")
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "scheduling is not enabled")
		return
	}
	id := r.PathValue("schedule_id")
	if err := s.schedules.Delete(r.Context(), id); err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "SCHEDULE_NOT_FOUND", "schedule not found")
			return
		}
		s.logger.Error("deleting schedule failed", zap.String("schedule_id", id), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "deleting schedule failed")
		return
	}
	if s.trail != nil {
		s.trail.Emit(audit.EventScheduleDeleted, "", actorFrom(r.Context()),
			fmt.Sprintf("schedule %s deleted", id))
	}
	w.WriteHeader(http.StatusNoContent)
}
