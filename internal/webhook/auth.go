package webhook

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
)

// ErrInvalidSecret is returned when the presented secret does not match.
var ErrInvalidSecret = errors.New("invalid webhook secret")

// Authenticator resolves delivery endpoints and verifies shared secrets.
type Authenticator struct {
	store *Store
}

// NewAuthenticator wraps a store.
func NewAuthenticator(store *Store) *Authenticator {
	return &Authenticator{store: store}
}

// Resolve returns the webhook when it exists and is enabled. A disabled
// endpoint returns ErrNotFound, exactly like a missing one, so an
// attacker cannot probe which ids exist.
func (a *Authenticator) Resolve(id string) (Webhook, error) {
	wh, err := a.store.Get(id)
	if err != nil {
		return Webhook{}, err
	}
	if !wh.Enabled {
		return Webhook{}, ErrNotFound
	}
	return wh, nil
}

// Authenticate verifies the presented secret. The comparison runs over
// fixed-length digests so timing reveals nothing about the secret or its
// length. Rotation is immediate: the store cache is the live source.
func (a *Authenticator) Authenticate(wh Webhook, presented string) error {
	if presented == "" {
		return ErrInvalidSecret
	}
	want := sha256.Sum256([]byte(wh.Secret))
	got := sha256.Sum256([]byte(presented))
	if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		return ErrInvalidSecret
	}
	return nil
}
