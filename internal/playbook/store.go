package playbook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cybersentinel/soar/internal/ident"
)

var (
	// ErrNotFound is returned for unknown playbook ids or versions.
	ErrNotFound = errors.New("playbook not found")
	// ErrAlreadyExists is returned when saving a (id, version) pair
	// that is already stored. Versions are immutable once written.
	ErrAlreadyExists = errors.New("playbook version already exists")
)

// Store persists playbooks as full documents keyed by (id, version).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore initializes the playbooks table.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS playbooks (
		id              TEXT NOT NULL,
		version         TEXT NOT NULL,
		name            TEXT NOT NULL,
		enabled         INTEGER NOT NULL DEFAULT 0,
		shadow_mode     INTEGER NOT NULL DEFAULT 0,
		definition_json TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		PRIMARY KEY (id, version)
	)`); err != nil {
		return nil, fmt.Errorf("create playbooks table: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Create validates and stores a new playbook version. A zero ID gets a
// generated one.
func (s *Store) Create(ctx context.Context, p Playbook) (Playbook, error) {
	if p.ID == "" {
		p.ID = ident.PlaybookID(s.now())
	}
	if err := Validate(&p); err != nil {
		return Playbook{}, err
	}

	now := s.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	doc, err := json.Marshal(p)
	if err != nil {
		return Playbook{}, fmt.Errorf("marshal playbook: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO playbooks
		(id, version, name, enabled, shadow_mode, definition_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Version, p.Name, boolInt(p.Enabled), boolInt(p.ShadowMode), string(doc),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") ||
			strings.Contains(strings.ToLower(err.Error()), "constraint") {
			return Playbook{}, ErrAlreadyExists
		}
		return Playbook{}, fmt.Errorf("insert playbook: %w", err)
	}
	return p, nil
}

// Get returns one playbook. An empty version selects the most recently
// stored one.
func (s *Store) Get(ctx context.Context, id, version string) (Playbook, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Playbook{}, ErrNotFound
	}

	var row *sql.Row
	if version == "" {
		// Insert order decides the latest version; flag flips rewrite
		// updated_at and must not change which version is current.
		row = s.db.QueryRowContext(ctx, `SELECT definition_json FROM playbooks
			WHERE id = ? ORDER BY rowid DESC LIMIT 1`, id)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT definition_json FROM playbooks
			WHERE id = ? AND version = ?`, id, version)
	}

	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Playbook{}, ErrNotFound
		}
		return Playbook{}, fmt.Errorf("get playbook: %w", err)
	}

	var p Playbook
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Playbook{}, fmt.Errorf("decode playbook: %w", err)
	}
	return p, nil
}

// Summary is the listing shape for playbooks.
type Summary struct {
	ID         string    `json:"id"`
	Version    string    `json:"version"`
	Name       string    `json:"name"`
	Enabled    bool      `json:"enabled"`
	ShadowMode bool      `json:"shadow_mode"`
	StepCount  int       `json:"step_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// List returns summaries of every stored playbook version, newest
// versions first within an id.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, version, name, enabled, shadow_mode,
		definition_json, updated_at FROM playbooks
		ORDER BY id ASC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	defer rows.Close()

	out := make([]Summary, 0)
	for rows.Next() {
		var (
			sum               Summary
			enabled, shadow   int
			doc, updatedAtRaw string
		)
		if err := rows.Scan(&sum.ID, &sum.Version, &sum.Name, &enabled, &shadow,
			&doc, &updatedAtRaw); err != nil {
			return nil, fmt.Errorf("scan playbook: %w", err)
		}
		sum.Enabled = enabled == 1
		sum.ShadowMode = shadow == 1
		var p Playbook
		if err := json.Unmarshal([]byte(doc), &p); err == nil {
			sum.StepCount = len(p.Steps)
		}
		sum.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtRaw)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// SetEnabled flips the enabled flag on every version of a playbook.
// Disabling takes effect for the next delivery; running executions
// finish on the version they started with.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.setFlag(ctx, id, "enabled", enabled)
}

// SetShadowMode flips shadow mode on every version of a playbook.
func (s *Store) SetShadowMode(ctx context.Context, id string, shadow bool) error {
	return s.setFlag(ctx, id, "shadow_mode", shadow)
}

func (s *Store) setFlag(ctx context.Context, id, column string, value bool) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, definition_json FROM playbooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("load playbook versions: %w", err)
	}
	type versionDoc struct {
		version string
		doc     Playbook
	}
	docs := make([]versionDoc, 0, 2)
	for rows.Next() {
		var version, raw string
		if err := rows.Scan(&version, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("scan playbook version: %w", err)
		}
		var p Playbook
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			rows.Close()
			return fmt.Errorf("decode playbook %s@%s: %w", id, version, err)
		}
		docs = append(docs, versionDoc{version: version, doc: p})
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if len(docs) == 0 {
		return ErrNotFound
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	for _, vd := range docs {
		switch column {
		case "enabled":
			vd.doc.Enabled = value
		case "shadow_mode":
			vd.doc.ShadowMode = value
		}
		raw, err := json.Marshal(vd.doc)
		if err != nil {
			return fmt.Errorf("marshal playbook: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE playbooks
			SET `+column+` = ?, definition_json = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			boolInt(value), string(raw), now, id, vd.version); err != nil {
			return fmt.Errorf("update playbook flag: %w", err)
		}
	}
	return nil
}

// Delete removes every version of a playbook.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM playbooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete playbook: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
