// Package signing provides HMAC-SHA256 webhook payload signing and
// verification. Sources that share a secret sign each delivery; the
// ingestion filter verifies the signature before any processing. The
// outbound HTTP connector signs its own deliveries the same way so
// downstream receivers can verify us symmetrically.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cybersentinel/soar/internal/shared/canonical"
)

// Delivery headers carried alongside a signed payload.
const (
	HeaderSignature = "X-CyberSentinel-Signature"
	HeaderTimestamp = "X-CyberSentinel-Timestamp"
)

// ErrMismatch is returned when a signature does not match the payload.
var ErrMismatch = errors.New("signature mismatch")

// Signer creates and verifies HMAC-SHA256 payload signatures.
type Signer struct {
	key []byte
}

// NewSigner creates a signer with the given shared secret.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign computes hex HMAC-SHA256 over timestamp "." canonical(payload).
// The payload must be a valid JSON document.
func (s *Signer) Sign(timestamp string, payload []byte) (string, error) {
	base, err := baseString(timestamp, payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(base)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a hex signature against the payload. The comparison is
// constant time.
func (s *Signer) Verify(timestamp string, payload []byte, signature string) error {
	expected, err := s.Sign(timestamp, payload)
	if err != nil {
		return fmt.Errorf("compute expected: %w", err)
	}
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	expectedBytes, err := hex.DecodeString(expected)
	if err != nil {
		return fmt.Errorf("decode expected: %w", err)
	}
	if !hmac.Equal(sigBytes, expectedBytes) {
		return ErrMismatch
	}
	return nil
}

func baseString(timestamp string, payload []byte) ([]byte, error) {
	canon, err := canonical.Bytes(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	base := make([]byte, 0, len(timestamp)+1+len(canon))
	base = append(base, []byte(timestamp)...)
	base = append(base, '.')
	base = append(base, canon...)
	return base, nil
}
