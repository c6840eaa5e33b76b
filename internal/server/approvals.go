package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/cybersentinel/soar/internal/approval"
	"github.com/cybersentinel/soar/internal/audit"
)

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		items []approval.Approval
		err   error
	)
	switch state := q.Get("state"); state {
	case "", "pending":
		items, err = s.approvals.ListPending(r.Context())
	case "all":
		limit := 100
		if raw := q.Get("limit"); raw != "" {
			n, convErr := strconv.Atoi(raw)
			if convErr != nil || n < 1 {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
				return
			}
			limit = n
		}
		items, err = s.approvals.List(r.Context(), limit)
	default:
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "state must be pending or all")
		return
	}
	if err != nil {
		s.logger.Error("listing approvals failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "listing approvals failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"approvals": items,
		"count":     len(items),
	})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	a, err := s.approvals.Get(r.Context(), r.PathValue("approval_id"))
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "APPROVAL_NOT_FOUND", "approval not found")
			return
		}
		s.logger.Error("loading approval failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "loading approval failed")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type decideRequest struct {
	Decision string `json:"decision"`
	Actor    string `json:"actor"`
}

// handleDecideApproval resolves a pending approval and hands the parked
// execution back to the engine. The decision is final; a second call
// answers 409 no matter who decided first.
func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	actor := actorFrom(r.Context())
	if actor == "" {
		actor = req.Actor
	}
	if actor == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "actor is required")
		return
	}

	id := r.PathValue("approval_id")
	decided, err := s.approvals.Decide(r.Context(), id, req.Decision, actor)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrNotFound):
			writeJSONError(w, http.StatusNotFound, "APPROVAL_NOT_FOUND", "approval not found")
		case errors.Is(err, approval.ErrAlreadyDecided):
			writeJSONError(w, http.StatusConflict, "ALREADY_DECIDED", "approval already decided")
		case errors.Is(err, approval.ErrInvalidDecision):
			writeJSONError(w, http.StatusBadRequest, "INVALID_DECISION", "decision must be approved or rejected")
		default:
			s.logger.Error("deciding approval failed", zap.String("approval_id", id), zap.Error(err))
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "deciding approval failed")
		}
		return
	}

	if s.trail != nil {
		s.trail.Emit(audit.EventApprovalDecided, decided.ExecutionID, actor,
			fmt.Sprintf("approval %s %s", decided.ID, decided.Decision))
	}

	// Wake the parked execution. Resume re-reads the decision from the
	// store, so a crash between Decide and here loses nothing: recovery
	// replays decided approvals on startup.
	s.engine.Resume(r.Context(), decided)

	writeJSON(w, http.StatusOK, decided)
}
