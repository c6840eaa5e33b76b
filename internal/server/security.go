package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cybersentinel/soar/internal/audit"
	"github.com/cybersentinel/soar/internal/metrics"
	"github.com/cybersentinel/soar/internal/security"
)

// securityMetricsResponse is the JSON body of GET /security/metrics:
// the registry counters plus the filter's live cache sizes.
type securityMetricsResponse struct {
	metrics.SecuritySummary
	CacheSizes *security.CacheStats `json:"cache_sizes,omitempty"`
}

// handleSecurityMetrics serves the admission counters. The default is
// a JSON summary; Prometheus scrape format is available on request.
func (s *Server) handleSecurityMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "prometheus" ||
		strings.Contains(r.Header.Get("Accept"), "text/plain") {
		promhttp.Handler().ServeHTTP(w, r)
		return
	}

	summary, err := metrics.Summary()
	if err != nil {
		s.logger.Error("gathering metrics failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "gathering metrics failed")
		return
	}
	resp := securityMetricsResponse{SecuritySummary: summary}
	if s.filter != nil {
		stats, err := s.filter.CacheStats(r.Context())
		if err != nil {
			s.logger.Warn("reading filter cache sizes failed", zap.Error(err))
		} else {
			resp.CacheSizes = &stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSecurityConfig reports the effective filter thresholds so
// operators can confirm what the engine is actually enforcing.
func (s *Server) handleSecurityConfig(w http.ResponseWriter, r *http.Request) {
	if s.filter == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "filter_unavailable", "security filter not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.filter.Snapshot())
}

// handleSecurityEvents lists security rejections from the audit trail,
// filterable by code, source IP, and time window.
func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	if s.trail == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "audit_unavailable", "audit trail not configured")
		return
	}

	q := r.URL.Query()
	f := audit.Filter{
		TypePrefix: audit.SecurityEventPrefix,
		SourceIP:   q.Get("ip"),
		Limit:      100,
	}
	if typ := q.Get("type"); typ != "" {
		if !strings.HasPrefix(typ, audit.SecurityEventPrefix) {
			typ = audit.SecurityEventPrefix + typ
		}
		f.Type = audit.EventType(typ)
	}
	if raw := q.Get("since"); raw != "" {
		since, err := parseSince(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request",
				"since must be RFC3339 or a duration like 15m")
			return
		}
		f.Since = since
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	events, err := s.trail.QueryPersisted(f)
	if err != nil {
		s.logger.Error("querying security events failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "querying security events failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// parseSince accepts either an absolute RFC3339 timestamp or a relative
// duration measured back from now.
func parseSince(raw string) (time.Time, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().UTC().Add(-d), nil
	}
	return time.Parse(time.RFC3339, raw)
}
