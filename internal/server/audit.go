package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cybersentinel/soar/internal/audit"
)

const (
	auditDefaultLimit = 100
	auditMaxLimit     = 1000
)

// parseAuditFilter maps the shared query parameters onto an audit
// filter. Exports pass everything matching; listing adds a page limit.
func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		ExecutionID: q.Get("execution_id"),
		WebhookID:   q.Get("webhook_id"),
		SourceIP:    q.Get("ip"),
		Type:        audit.EventType(q.Get("type")),
		Cursor:      q.Get("cursor"),
	}
	if raw := q.Get("since"); raw != "" {
		ts, err := parseSince(raw)
		if err != nil {
			return f, fmt.Errorf("since must be RFC3339 or a duration like 15m")
		}
		f.Since = ts
	}
	if raw := q.Get("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("until must be RFC3339")
		}
		f.Until = ts
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, fmt.Errorf("limit must be a positive integer")
		}
		if n > auditMaxLimit {
			n = auditMaxLimit
		}
		f.Limit = n
	}
	return f, nil
}

// handleAuditList pages through the persisted trail newest-first. The
// cursor is the last event id of the previous page; one extra row is
// fetched to learn whether another page exists.
func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if s.trail == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "audit_unavailable", "audit trail not configured")
		return
	}
	f, err := parseAuditFilter(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if f.Limit == 0 {
		f.Limit = auditDefaultLimit
	}

	limit := f.Limit
	f.Limit = limit + 1
	events, err := s.trail.QueryPersisted(f)
	if err != nil {
		s.logger.Error("querying audit trail failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "querying audit trail failed")
		return
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	nextCursor := ""
	if hasMore && len(events) > 0 {
		nextCursor = events[len(events)-1].ID
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events":      events,
		"total":       s.trail.Count(),
		"next_cursor": nextCursor,
		"has_more":    hasMore,
	})
}

func (s *Server) handleAuditExportJSONL(w http.ResponseWriter, r *http.Request) {
	if s.trail == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "audit_unavailable", "audit trail not configured")
		return
	}
	f, err := parseAuditFilter(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	filename := fmt.Sprintf("audit-export-%s.jsonl", time.Now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := s.trail.StreamJSONL(r.Context(), w, f); err != nil {
		// Headers are gone; all we can do is log the broken stream.
		s.logger.Error("audit export failed", zap.Error(err))
	}
}

func (s *Server) handleAuditExportCSV(w http.ResponseWriter, r *http.Request) {
	if s.trail == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "audit_unavailable", "audit trail not configured")
		return
	}
	f, err := parseAuditFilter(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	filename := fmt.Sprintf("audit-export-%s.csv", time.Now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := s.trail.StreamCSV(r.Context(), w, f); err != nil {
		s.logger.Error("audit export failed", zap.Error(err))
	}
}

// handleAuditPurge deletes events older than the given age. Retention
// is normally enforced by the background purge loop; this endpoint
// exists for operators who need to shed history on demand.
func (s *Server) handleAuditPurge(w http.ResponseWriter, r *http.Request) {
	if s.trail == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "audit_unavailable", "audit trail not configured")
		return
	}
	raw := r.URL.Query().Get("older_than")
	if raw == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "older_than is required, e.g. older_than=90d")
		return
	}
	olderThan, err := parseHumanDuration(raw)
	if err != nil || olderThan <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "older_than must be a positive duration like 90d or 720h")
		return
	}

	purged, err := s.trail.Purge(olderThan)
	if err != nil {
		s.logger.Error("audit purge failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "audit purge failed")
		return
	}

	actor := actorFrom(r.Context())
	if actor == "" {
		actor = "operator"
	}
	s.logger.Info("audit trail purged",
		zap.Int64("purged", purged),
		zap.String("older_than", raw),
		zap.String("actor", actor))
	writeJSON(w, http.StatusOK, map[string]any{
		"purged":     purged,
		"older_than": raw,
	})
}

// parseHumanDuration extends time.ParseDuration with a "d" suffix for
// whole days, the unit retention is usually spoken in.
func parseHumanDuration(raw string) (time.Duration, error) {
	if strings.HasSuffix(raw, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(raw)
}
