package security

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cybersentinel/soar/internal/shared/canonical"
)

// ReplayGuard rejects deliveries that reuse a (webhook, payload,
// timestamp) tuple inside the nonce window, and deliveries whose
// timestamp drifts too far from the engine clock. It only runs when the
// delivery carries a timestamp; unsigned, untimestamped webhooks skip
// replay protection entirely.
type ReplayGuard struct {
	cache   Cache
	maxSkew time.Duration
	window  time.Duration

	now func() time.Time
}

// NewReplayGuard creates a guard with the given skew tolerance and nonce
// retention window.
func NewReplayGuard(cache Cache, maxSkew, window time.Duration) *ReplayGuard {
	return &ReplayGuard{cache: cache, maxSkew: maxSkew, window: window, now: time.Now}
}

// Check validates the timestamp and records the delivery nonce. Callers
// must have verified any payload signature first: a rejected signature
// must not consume the nonce, or the legitimate retry would be refused
// as a duplicate.
func (g *ReplayGuard) Check(ctx context.Context, webhookID string, payload []byte, timestamp string) (*RejectError, error) {
	ts, ok := parseDeliveryTimestamp(timestamp)
	if !ok {
		return &RejectError{
			Code:   CodeInvalidTimestamp,
			Detail: fmt.Sprintf("timestamp %q is not unix seconds, unix milliseconds, or RFC 3339", timestamp),
		}, nil
	}

	skew := g.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > g.maxSkew {
		return &RejectError{
			Code: CodeTimestampSkew,
			Detail: fmt.Sprintf("timestamp drifts %ds from server time (max %ds)",
				int64(skew/time.Second), int64(g.maxSkew/time.Second)),
		}, nil
	}

	canon, err := canonical.Bytes(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	nonce := canonical.Digest(webhookID, string(canon), timestamp)
	stored, err := g.cache.SetNX(ctx, "nonce:"+nonce, g.window)
	if err != nil {
		return nil, fmt.Errorf("store nonce: %w", err)
	}
	if !stored {
		return &RejectError{
			Code:   CodeDuplicateNonce,
			Detail: "delivery already seen inside the replay window",
		}, nil
	}
	return nil, nil
}

// parseDeliveryTimestamp accepts the three wire formats senders use:
// unix seconds, unix milliseconds, and RFC 3339. Integers at or above
// 1e12 are read as milliseconds; plain seconds will not cross that line
// until the year 33658.
func parseDeliveryTimestamp(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n >= 1_000_000_000_000 {
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}
