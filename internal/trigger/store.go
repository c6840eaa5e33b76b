package trigger

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned for unknown trigger ids.
var ErrNotFound = errors.New("trigger not found")

// Store provides persistent trigger storage backed by SQLite, with an
// in-memory view on the hot path. Writes go through the database first.
type Store struct {
	db *sql.DB

	mu       sync.RWMutex
	triggers map[string]Trigger

	now func() time.Time
}

// NewStore initializes the triggers table and loads all triggers.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS triggers (
		id          TEXT PRIMARY KEY,
		webhook_id  TEXT NOT NULL,
		playbook_id TEXT NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		enabled     INTEGER NOT NULL DEFAULT 1,
		match       TEXT NOT NULL DEFAULT 'ALL',
		conditions  TEXT NOT NULL DEFAULT '[]',
		position    INTEGER NOT NULL DEFAULT 0,
		version     INTEGER NOT NULL DEFAULT 1,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create triggers table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_triggers_webhook
		ON triggers(webhook_id, position)`); err != nil {
		return nil, fmt.Errorf("create trigger index: %w", err)
	}

	s := &Store{
		db:       db,
		triggers: make(map[string]Trigger),
		now:      time.Now,
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// Upsert persists a trigger. A zero ID gets a generated one. Every
// upsert bumps the version so snapshots embedded in past executions
// stay attributable to the predicate that admitted them.
func (s *Store) Upsert(ctx context.Context, t Trigger) (Trigger, error) {
	if t.WebhookID == "" {
		return Trigger{}, fmt.Errorf("trigger %s: webhook_id is required", t.ID)
	}
	if t.PlaybookID == "" {
		return Trigger{}, fmt.Errorf("trigger %s: playbook_id is required", t.ID)
	}
	if t.Match != "" && t.Match != MatchAll && t.Match != MatchAny {
		return Trigger{}, fmt.Errorf("trigger %s: match must be %s or %s", t.ID, MatchAll, MatchAny)
	}
	for i, c := range t.Conditions {
		if !knownOperator(c.Operator) {
			return Trigger{}, fmt.Errorf("trigger %s: condition %d: unknown operator %q", t.ID, i, c.Operator)
		}
		if c.Field == "" {
			return Trigger{}, fmt.Errorf("trigger %s: condition %d: field is required", t.ID, i)
		}
	}

	if t.ID == "" {
		t.ID = newTriggerID()
		t.CreatedAt = s.now().UTC()
		t.Version = 1
	} else {
		s.mu.RLock()
		prev, ok := s.triggers[t.ID]
		s.mu.RUnlock()
		if ok {
			t.CreatedAt = prev.CreatedAt
			t.Version = prev.Version + 1
		} else if t.Version == 0 {
			t.Version = 1
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	t.UpdatedAt = s.now().UTC()

	if err := s.persist(ctx, t); err != nil {
		return Trigger{}, err
	}

	s.mu.Lock()
	s.triggers[t.ID] = t
	s.mu.Unlock()
	return t, nil
}

// Get returns a trigger by id, enabled or not.
func (s *Store) Get(id string) (Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.triggers[id]
	if !ok {
		return Trigger{}, ErrNotFound
	}
	return t, nil
}

// ListByWebhook returns a webhook's triggers in evaluation order.
func (s *Store) ListByWebhook(webhookID string) []Trigger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Trigger, 0, 4)
	for _, t := range s.triggers {
		if t.WebhookID == webhookID {
			out = append(out, t)
		}
	}
	sortTriggers(out)
	return out
}

// List returns all triggers in evaluation order.
func (s *Store) List() []Trigger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, t)
	}
	sortTriggers(out)
	return out
}

// Delete removes a trigger.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	s.mu.Lock()
	delete(s.triggers, id)
	s.mu.Unlock()
	return nil
}

// DeleteByWebhook removes every trigger bound to webhookID and returns
// how many went. Webhook deletion cascades through here so no trigger
// outlives its endpoint.
func (s *Store) DeleteByWebhook(ctx context.Context, webhookID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE webhook_id = ?`, webhookID)
	if err != nil {
		return 0, fmt.Errorf("delete triggers for webhook %s: %w", webhookID, err)
	}
	n, _ := res.RowsAffected()

	s.mu.Lock()
	for id, t := range s.triggers {
		if t.WebhookID == webhookID {
			delete(s.triggers, id)
		}
	}
	s.mu.Unlock()
	return int(n), nil
}

func (s *Store) persist(ctx context.Context, t Trigger) error {
	conds, err := json.Marshal(t.Conditions)
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}
	enabled := 0
	if t.Enabled {
		enabled = 1
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO triggers
		(id, webhook_id, playbook_id, name, enabled, match, conditions,
		 position, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			webhook_id = excluded.webhook_id,
			playbook_id = excluded.playbook_id,
			name = excluded.name,
			enabled = excluded.enabled,
			match = excluded.match,
			conditions = excluded.conditions,
			position = excluded.position,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		t.ID, t.WebhookID, t.PlaybookID, t.Name, enabled, t.matchMode(), string(conds),
		t.Position, t.Version,
		t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("persist trigger: %w", err)
	}
	return nil
}

func (s *Store) loadAll() error {
	rows, err := s.db.Query(`SELECT id, webhook_id, playbook_id, name, enabled,
		match, conditions, position, version, created_at, updated_at FROM triggers`)
	if err != nil {
		return fmt.Errorf("load triggers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t                    Trigger
			enabled              int
			conds                string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&t.ID, &t.WebhookID, &t.PlaybookID, &t.Name, &enabled,
			&t.Match, &conds, &t.Position, &t.Version, &createdAt, &updatedAt); err != nil {
			return fmt.Errorf("scan trigger: %w", err)
		}
		if err := json.Unmarshal([]byte(conds), &t.Conditions); err != nil {
			return fmt.Errorf("decode conditions for %s: %w", t.ID, err)
		}
		t.Enabled = enabled == 1
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		s.triggers[t.ID] = t
	}
	return rows.Err()
}

func sortTriggers(ts []Trigger) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Position != ts[j].Position {
			return ts[i].Position < ts[j].Position
		}
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

func knownOperator(op string) bool {
	switch op {
	case OpEquals, OpNotEquals, OpLt, OpLe, OpGt, OpGe,
		OpContains, OpNotContains, OpStartsWith, OpEndsWith,
		OpRegexMatch, OpIn, OpNotIn, OpExists, OpNotExists:
		return true
	}
	return false
}

func newTriggerID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("tr_%d", time.Now().UnixNano())
	}
	return "tr_" + hex.EncodeToString(buf)
}
