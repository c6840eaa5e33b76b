package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNotFound is returned for unknown webhook ids. Callers must treat
// disabled endpoints identically so probing cannot distinguish them.
var ErrNotFound = errors.New("webhook not found")

// ErrPlaybookBound is returned when enabling a webhook for a playbook
// that already has an enabled endpoint.
var ErrPlaybookBound = errors.New("playbook already has an enabled webhook")

// Store provides persistent webhook storage backed by SQLite, with an
// in-memory view on the hot path. Writes go through the database first;
// the cache follows, so a restart always converges on disk state.
type Store struct {
	db *sql.DB

	mu       sync.RWMutex
	webhooks map[string]Webhook
	schemas  map[string]*jsonschema.Schema

	now func() time.Time
}

// NewStore initializes the webhooks table and loads all endpoints.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS webhooks (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL DEFAULT '',
		playbook_id      TEXT NOT NULL,
		secret           TEXT NOT NULL,
		payload_schema   TEXT NOT NULL DEFAULT '',
		enabled          INTEGER NOT NULL DEFAULT 1,
		rate_limit_pm    INTEGER NOT NULL DEFAULT 0,
		rotation_count   INTEGER NOT NULL DEFAULT 0,
		rotated_at       TEXT NOT NULL DEFAULT '',
		deliveries_total INTEGER NOT NULL DEFAULT 0,
		last_delivery_at TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create webhooks table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_webhooks_playbook
		ON webhooks(playbook_id)`); err != nil {
		return nil, fmt.Errorf("create webhook index: %w", err)
	}
	// Backstop for the one-enabled-endpoint-per-playbook rule; Upsert
	// checks it first so callers get ErrPlaybookBound instead of a raw
	// constraint error.
	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_webhooks_enabled_playbook
		ON webhooks(playbook_id) WHERE enabled = 1`); err != nil {
		return nil, fmt.Errorf("create webhook uniqueness index: %w", err)
	}

	s := &Store{
		db:       db,
		webhooks: make(map[string]Webhook),
		schemas:  make(map[string]*jsonschema.Schema),
		now:      time.Now,
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// Upsert persists a webhook. A zero ID gets a generated one; a zero
// Secret gets a fresh secret. The stored webhook is returned.
func (s *Store) Upsert(ctx context.Context, wh Webhook) (Webhook, error) {
	if wh.ID == "" {
		wh.ID = newWebhookID()
		wh.CreatedAt = s.now().UTC()
	}
	if wh.Secret == "" {
		wh.Secret = NewSecret()
	}
	if wh.PlaybookID == "" {
		return Webhook{}, fmt.Errorf("webhook %s: playbook_id is required", wh.ID)
	}
	if wh.PayloadSchema != "" {
		if _, err := compileSchema(wh.ID, wh.PayloadSchema); err != nil {
			return Webhook{}, fmt.Errorf("webhook %s: %w", wh.ID, err)
		}
	}
	if wh.Enabled {
		if other, ok := s.enabledFor(wh.PlaybookID); ok && other != wh.ID {
			return Webhook{}, fmt.Errorf("webhook %s for %s: %w", other, wh.PlaybookID, ErrPlaybookBound)
		}
	}
	// Updates keep the row's origin timestamp and lifetime delivery
	// counters; the conflict clause leaves them untouched in the table.
	s.mu.RLock()
	prev, exists := s.webhooks[wh.ID]
	s.mu.RUnlock()
	if exists {
		wh.CreatedAt = prev.CreatedAt
		wh.DeliveriesTotal = prev.DeliveriesTotal
		wh.LastDeliveryAt = prev.LastDeliveryAt
	}
	if wh.CreatedAt.IsZero() {
		wh.CreatedAt = s.now().UTC()
	}
	wh.UpdatedAt = s.now().UTC()

	if err := s.persist(ctx, wh); err != nil {
		return Webhook{}, err
	}

	s.mu.Lock()
	s.webhooks[wh.ID] = wh
	delete(s.schemas, wh.ID)
	s.mu.Unlock()
	return wh, nil
}

// Get returns a webhook by id, enabled or not.
func (s *Store) Get(id string) (Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wh, ok := s.webhooks[id]
	if !ok {
		return Webhook{}, ErrNotFound
	}
	return wh, nil
}

// List returns all webhooks ordered by id.
func (s *Store) List() []Webhook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Webhook, 0, len(s.webhooks))
	for _, wh := range s.webhooks {
		out = append(out, wh)
	}
	sortWebhooks(out)
	return out
}

// Delete removes a webhook. A webhook's triggers go with it; deletion
// surfaces pair this with trigger.Store.DeleteByWebhook.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	s.mu.Lock()
	delete(s.webhooks, id)
	delete(s.schemas, id)
	s.mu.Unlock()
	return nil
}

// RotateSecret replaces the shared secret and returns the new plaintext,
// which is shown exactly once. The new secret is live before this
// returns: deliveries signed with the old secret fail immediately.
func (s *Store) RotateSecret(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	wh, ok := s.webhooks[id]
	s.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}

	rotated := s.now().UTC()
	wh.Secret = NewSecret()
	wh.RotationCount++
	wh.RotatedAt = &rotated
	wh.UpdatedAt = rotated
	if err := s.persist(ctx, wh); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.webhooks[id] = wh
	s.mu.Unlock()
	return wh.Secret, nil
}

// RecordDelivery bumps the lifetime counters for an admitted delivery.
func (s *Store) RecordDelivery(ctx context.Context, id string) error {
	s.mu.Lock()
	wh, ok := s.webhooks[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	at := s.now().UTC()
	wh.DeliveriesTotal++
	wh.LastDeliveryAt = &at
	s.webhooks[id] = wh
	s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE webhooks
		SET deliveries_total = deliveries_total + 1, last_delivery_at = ?
		WHERE id = ?`, at.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// SchemaFor returns the compiled payload schema for the webhook, or nil
// when it accepts any payload. Compilation results are cached.
func (s *Store) SchemaFor(wh Webhook) (*jsonschema.Schema, error) {
	if wh.PayloadSchema == "" {
		return nil, nil
	}
	s.mu.RLock()
	compiled, ok := s.schemas[wh.ID]
	s.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := compileSchema(wh.ID, wh.PayloadSchema)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.schemas[wh.ID] = compiled
	s.mu.Unlock()
	return compiled, nil
}

func (s *Store) enabledFor(playbookID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, wh := range s.webhooks {
		if wh.Enabled && wh.PlaybookID == playbookID {
			return id, true
		}
	}
	return "", false
}

func compileSchema(id, schema string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := "webhook://" + id + "/payload-schema.json"
	if err := compiler.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add payload schema: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return compiled, nil
}

func (s *Store) persist(ctx context.Context, wh Webhook) error {
	enabled := 0
	if wh.Enabled {
		enabled = 1
	}
	rotatedAt := ""
	if wh.RotatedAt != nil {
		rotatedAt = wh.RotatedAt.Format(time.RFC3339Nano)
	}
	lastDelivery := ""
	if wh.LastDeliveryAt != nil {
		lastDelivery = wh.LastDeliveryAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO webhooks
		(id, name, playbook_id, secret, payload_schema, enabled, rate_limit_pm,
		 rotation_count, rotated_at, deliveries_total, last_delivery_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			playbook_id = excluded.playbook_id,
			secret = excluded.secret,
			payload_schema = excluded.payload_schema,
			enabled = excluded.enabled,
			rate_limit_pm = excluded.rate_limit_pm,
			rotation_count = excluded.rotation_count,
			rotated_at = excluded.rotated_at,
			updated_at = excluded.updated_at`,
		wh.ID, wh.Name, wh.PlaybookID, wh.Secret, wh.PayloadSchema, enabled,
		wh.RateLimitPerMinute, wh.RotationCount, rotatedAt, wh.DeliveriesTotal, lastDelivery,
		wh.CreatedAt.Format(time.RFC3339Nano), wh.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("persist webhook: %w", err)
	}
	return nil
}

func (s *Store) loadAll() error {
	rows, err := s.db.Query(`SELECT id, name, playbook_id, secret, payload_schema,
		enabled, rate_limit_pm, rotation_count, rotated_at, deliveries_total,
		last_delivery_at, created_at, updated_at FROM webhooks`)
	if err != nil {
		return fmt.Errorf("load webhooks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			wh                      Webhook
			enabled                 int
			rotatedAt, lastDelivery string
			createdAt, updatedAt    string
		)
		if err := rows.Scan(&wh.ID, &wh.Name, &wh.PlaybookID, &wh.Secret,
			&wh.PayloadSchema, &enabled, &wh.RateLimitPerMinute, &wh.RotationCount,
			&rotatedAt, &wh.DeliveriesTotal, &lastDelivery, &createdAt, &updatedAt); err != nil {
			return fmt.Errorf("scan webhook: %w", err)
		}
		wh.Enabled = enabled == 1
		if rotatedAt != "" {
			t, _ := time.Parse(time.RFC3339Nano, rotatedAt)
			wh.RotatedAt = &t
		}
		if lastDelivery != "" {
			t, _ := time.Parse(time.RFC3339Nano, lastDelivery)
			wh.LastDeliveryAt = &t
		}
		wh.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		wh.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		s.webhooks[wh.ID] = wh
	}
	return rows.Err()
}

func sortWebhooks(whs []Webhook) {
	sort.Slice(whs, func(i, j int) bool { return whs[i].ID < whs[j].ID })
}
