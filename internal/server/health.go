package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// handleHealthz reports liveness plus the two numbers an operator
// checks first: can we reach storage, and how much work is queued.
// Storage failure degrades the status but still answers 200 so load
// balancers keep the instance for read traffic.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	storage := "ok"
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			status = "degraded"
			storage = "unreachable"
			s.logger.Warn("storage ping failed", zap.Error(err))
		}
	}

	resp := map[string]any{
		"status":         status,
		"storage":        storage,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	}
	if storage == "ok" && s.executions != nil {
		if counts, err := s.executions.CountByState(r.Context()); err == nil {
			resp["executions_by_state"] = counts
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies := s.policies.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"policies": policies,
		"count":    len(policies),
	})
}

// handleListConnectors probes the registry so operators can see which
// integrations this instance can actually call.
func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	if s.connectors == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "connectors_unavailable", "connector registry not configured")
		return
	}
	infos := s.connectors.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"connectors": infos,
		"count":      len(infos),
	})
}
