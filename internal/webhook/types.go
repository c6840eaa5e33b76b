package webhook

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Webhook is an inbound delivery endpoint bound to one playbook. Sources
// authenticate with the shared secret; the same secret keys the optional
// payload HMAC.
type Webhook struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	PlaybookID string `json:"playbook_id"`
	// Secret is the shared secret. It is kept server-side for signature
	// verification and never appears in API responses except once, at
	// creation or rotation.
	Secret  string `json:"-"`
	Enabled bool   `json:"enabled"`
	// PayloadSchema optionally constrains accepted payloads (JSON Schema,
	// draft 2020-12). Empty means any JSON object is accepted.
	PayloadSchema string `json:"payload_schema,omitempty"`
	// RateLimitPerMinute caps admitted deliveries for this endpoint on
	// top of the engine-wide flood limits. Zero means no extra cap.
	RateLimitPerMinute int `json:"rate_limit_per_minute,omitempty"`

	// Rotation bookkeeping. RotationCount counts secret rotations since
	// creation; RotatedAt is the last one.
	RotationCount int        `json:"rotation_count"`
	RotatedAt     *time.Time `json:"rotated_at,omitempty"`

	// Lifetime delivery counters, updated for every admitted delivery.
	DeliveriesTotal int64      `json:"deliveries_total"`
	LastDeliveryAt  *time.Time `json:"last_delivery_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SecretHint returns the visible prefix of the shared secret, enough for
// an operator to tell keys apart without exposing them.
func (w Webhook) SecretHint() string {
	if len(w.Secret) <= 8 {
		return w.Secret
	}
	return w.Secret[:8]
}

// NewSecret returns a fresh 32-byte hex shared secret.
func NewSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func newWebhookID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return "wh_" + hex.EncodeToString(b)
}
