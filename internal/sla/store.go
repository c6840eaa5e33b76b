package sla

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cybersentinel/soar/internal/ident"
)

// Store persists SLA policies in SQLite and answers Resolve lookups
// from an in-memory view. Policy counts are small (one per playbook or
// severity at most), so the whole set stays resident.
type Store struct {
	db *sql.DB

	mu       sync.RWMutex
	policies map[string]Policy

	now func() time.Time
}

// NewStore initializes the sla_policies table and loads all policies.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS sla_policies (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL DEFAULT '',
		scope          TEXT NOT NULL,
		key            TEXT NOT NULL DEFAULT '',
		acknowledge_ms INTEGER NOT NULL DEFAULT 0,
		containment_ms INTEGER NOT NULL DEFAULT 0,
		resolution_ms  INTEGER NOT NULL DEFAULT 0,
		enabled        INTEGER NOT NULL DEFAULT 1,
		priority       INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create sla_policies table: %w", err)
	}
	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_sla_enabled_scope_key
		ON sla_policies(scope, key) WHERE enabled = 1`); err != nil {
		return nil, fmt.Errorf("create sla uniqueness index: %w", err)
	}

	s := &Store{db: db, policies: make(map[string]Policy), now: time.Now}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// Upsert validates and persists a policy. A zero ID gets a generated
// one. Enabling a policy whose (scope, key) is already covered by a
// different enabled policy fails with ErrScopeBound.
func (s *Store) Upsert(ctx context.Context, p Policy) (Policy, error) {
	p.normalize()
	if err := p.validate(); err != nil {
		return Policy{}, fmt.Errorf("sla policy: %w", err)
	}
	if p.ID == "" {
		p.ID = ident.SLAID("policy", s.now())
		p.CreatedAt = s.now().UTC()
	} else {
		s.mu.RLock()
		prev, ok := s.policies[p.ID]
		s.mu.RUnlock()
		if ok {
			p.CreatedAt = prev.CreatedAt
		}
	}
	if p.Enabled {
		if other, ok := s.enabledFor(p.Scope, p.Key); ok && other != p.ID {
			return Policy{}, fmt.Errorf("policy %s: %w", other, ErrScopeBound)
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	p.UpdatedAt = s.now().UTC()

	enabled := 0
	if p.Enabled {
		enabled = 1
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO sla_policies
		(id, name, scope, key, acknowledge_ms, containment_ms, resolution_ms,
		 enabled, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			scope = excluded.scope,
			key = excluded.key,
			acknowledge_ms = excluded.acknowledge_ms,
			containment_ms = excluded.containment_ms,
			resolution_ms = excluded.resolution_ms,
			enabled = excluded.enabled,
			priority = excluded.priority,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Scope, p.Key, p.Thresholds.AcknowledgeMs,
		p.Thresholds.ContainmentMs, p.Thresholds.ResolutionMs, enabled, p.Priority,
		p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano)); err != nil {
		return Policy{}, fmt.Errorf("persist sla policy: %w", err)
	}

	s.mu.Lock()
	s.policies[p.ID] = p
	s.mu.Unlock()
	return p, nil
}

// Get returns a policy by id.
func (s *Store) Get(id string) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return Policy{}, ErrNotFound
	}
	return p, nil
}

// List returns all policies, enabled first, then by scope specificity
// and priority.
func (s *Store) List() []Policy {
	s.mu.RLock()
	out := make([]Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	s.mu.RUnlock()

	rank := map[string]int{ScopePlaybook: 0, ScopeSeverity: 1, ScopeGlobal: 2}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Enabled != out[j].Enabled {
			return out[i].Enabled
		}
		if rank[out[i].Scope] != rank[out[j].Scope] {
			return rank[out[i].Scope] < rank[out[j].Scope]
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Delete removes a policy.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sla_policies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete sla policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.mu.Lock()
	delete(s.policies, id)
	s.mu.Unlock()
	return nil
}

// Resolve picks the policy for an execution: playbook scope first, then
// severity, then global. Returns nil when nothing applies, which is not
// an error; executions without a policy simply carry no sla_status.
func (s *Store) Resolve(playbookID, severity string) *Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p := s.match(ScopePlaybook, playbookID); p != nil {
		return p
	}
	if p := s.match(ScopeSeverity, strings.ToLower(severity)); p != nil {
		return p
	}
	return s.match(ScopeGlobal, "")
}

// match assumes the read lock is held.
func (s *Store) match(scope, key string) *Policy {
	if scope != ScopeGlobal && key == "" {
		return nil
	}
	var best *Policy
	for id := range s.policies {
		p := s.policies[id]
		if !p.Enabled || p.Scope != scope || p.Key != key {
			continue
		}
		if best == nil || p.Priority > best.Priority {
			best = &p
		}
	}
	return best
}

func (s *Store) enabledFor(scope, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, p := range s.policies {
		if p.Enabled && p.Scope == scope && p.Key == key {
			return id, true
		}
	}
	return "", false
}

func (s *Store) loadAll() error {
	rows, err := s.db.Query(`SELECT id, name, scope, key, acknowledge_ms,
		containment_ms, resolution_ms, enabled, priority, created_at, updated_at
		FROM sla_policies`)
	if err != nil {
		return fmt.Errorf("load sla policies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p                    Policy
			enabled              int
			createdAt, updatedAt string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Scope, &p.Key,
			&p.Thresholds.AcknowledgeMs, &p.Thresholds.ContainmentMs,
			&p.Thresholds.ResolutionMs, &enabled, &p.Priority,
			&createdAt, &updatedAt); err != nil {
			return fmt.Errorf("scan sla policy: %w", err)
		}
		p.Enabled = enabled == 1
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		s.policies[p.ID] = p
	}
	return rows.Err()
}
