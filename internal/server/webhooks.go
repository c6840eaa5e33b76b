package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cybersentinel/soar/internal/audit"
	"github.com/cybersentinel/soar/internal/ingest"
	"github.com/cybersentinel/soar/internal/shared/signing"
	"github.com/cybersentinel/soar/internal/webhook"
)

// handleWebhookDelivery is the hot path: a security product posts an
// alert payload and gets back the admission outcome. Rejections map to
// 4xx with the security code in the body; drops are a successful "we
// heard you, nothing to run" answer.
func (s *Server) handleWebhookDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large",
				"request body exceeds limit")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "unable to read request body")
		return
	}

	secret := r.Header.Get("X-Webhook-Secret")
	if secret == "" {
		secret = r.URL.Query().Get("secret")
	}

	out, err := s.pipeline.Deliver(r.Context(), ingest.Delivery{
		WebhookID: r.PathValue("webhook_id"),
		SourceIP:  clientIP(r),
		Body:      body,
		Secret:    secret,
		Timestamp: r.Header.Get(signing.HeaderTimestamp),
		Signature: r.Header.Get(signing.HeaderSignature),
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrNotFound):
			// Unknown and disabled endpoints are indistinguishable so
			// probes cannot map the webhook namespace.
			writeJSONError(w, http.StatusNotFound, "UNKNOWN_WEBHOOK", "webhook not found")
		case errors.Is(err, webhook.ErrInvalidSecret):
			writeJSONError(w, http.StatusUnauthorized, "INVALID_SECRET", "invalid webhook secret")
		default:
			s.logger.Error("delivery failed", zap.Error(err))
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "delivery failed")
		}
		return
	}

	switch out.Status {
	case ingest.StatusAccepted:
		writeJSON(w, http.StatusAccepted, out)
	case ingest.StatusDropped:
		writeJSON(w, http.StatusOK, out)
	default:
		if out.Reject != nil && out.Reject.RateLimited() {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(out.Reject.RetryAfter)))
			writeJSON(w, http.StatusTooManyRequests, out)
			return
		}
		writeJSON(w, http.StatusBadRequest, out)
	}
}

// retryAfterSeconds rounds a backoff up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// handleRotateSecret mints a fresh shared secret for a webhook. The
// new secret appears in this response and nowhere else.
func (s *Server) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("webhook_id")
	secret, err := s.webhooks.RotateSecret(r.Context(), id)
	if err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "UNKNOWN_WEBHOOK", "webhook not found")
			return
		}
		s.logger.Error("secret rotation failed", zap.String("webhook_id", id), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "secret rotation failed")
		return
	}

	actor := actorFrom(r.Context())
	if actor == "" {
		actor = "operator"
	}
	if s.trail != nil {
		s.trail.Record(audit.Event{
			Type:      audit.EventSecretRotated,
			Actor:     actor,
			WebhookID: id,
			SourceIP:  clientIP(r),
			Summary:   "webhook secret rotated",
		})
	}
	s.logger.Info("webhook secret rotated", zap.String("webhook_id", id), zap.String("actor", actor))

	writeJSON(w, http.StatusOK, map[string]string{
		"webhook_id": id,
		"secret":     secret,
	})
}

// handleDeleteWebhook retires an endpoint. Its triggers are deleted in
// the same request so no orphaned predicate keeps matching deliveries
// for a webhook that no longer exists.
func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("webhook_id")
	if _, err := s.webhooks.Get(id); err != nil {
		writeJSONError(w, http.StatusNotFound, "UNKNOWN_WEBHOOK", "webhook not found")
		return
	}

	removed, err := s.triggers.DeleteByWebhook(r.Context(), id)
	if err != nil {
		s.logger.Error("trigger cascade failed", zap.String("webhook_id", id), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "webhook deletion failed")
		return
	}
	if err := s.webhooks.Delete(r.Context(), id); err != nil {
		s.logger.Error("webhook deletion failed", zap.String("webhook_id", id), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "webhook deletion failed")
		return
	}

	actor := actorFrom(r.Context())
	if actor == "" {
		actor = "operator"
	}
	if s.trail != nil {
		s.trail.Record(audit.Event{
			Type:      audit.EventWebhookDeleted,
			Actor:     actor,
			WebhookID: id,
			SourceIP:  clientIP(r),
			Summary:   "webhook deleted",
			Detail:    map[string]int{"triggers_removed": removed},
		})
	}
	s.logger.Info("webhook deleted",
		zap.String("webhook_id", id),
		zap.Int("triggers_removed", removed),
		zap.String("actor", actor))

	w.WriteHeader(http.StatusNoContent)
}
