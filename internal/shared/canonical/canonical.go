// Package canonical produces RFC 8785 canonical JSON and digests over it.
// Replay nonces, event fingerprints, and payload signatures must all agree
// on one byte representation of a payload regardless of key order or
// whitespace, so every hash in the engine goes through this package.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Bytes canonicalizes raw JSON. The input must be a valid JSON document.
func Bytes(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize json: %w", err)
	}
	return out, nil
}

// Marshal encodes v as JSON and canonicalizes the result.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return Bytes(raw)
}

// Digest returns the hex SHA-256 of parts joined by '|'.
func Digest(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
