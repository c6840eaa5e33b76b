package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no execution matches the ID.
	ErrNotFound = errors.New("execution not found")

	// ErrTerminal is returned when a save would transition a COMPLETED
	// or FAILED execution to a different state.
	ErrTerminal = errors.New("execution is terminal")
)

// Store persists executions as full documents in SQLite. The payload
// bytes live in their own column so they survive every save untouched.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates the executions table and indexes if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS executions (
	id           TEXT PRIMARY KEY,
	state        TEXT NOT NULL,
	playbook_id  TEXT NOT NULL,
	webhook_id   TEXT NOT NULL DEFAULT '',
	severity     TEXT NOT NULL DEFAULT '',
	fingerprint  TEXT NOT NULL DEFAULT '',
	event_time   INTEGER NOT NULL,
	trigger_data BLOB,
	document     TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state, event_time DESC);
CREATE INDEX IF NOT EXISTS idx_executions_severity ON executions(severity, event_time DESC);
CREATE INDEX IF NOT EXISTS idx_executions_webhook ON executions(webhook_id, event_time DESC);
CREATE INDEX IF NOT EXISTS idx_executions_fingerprint ON executions(fingerprint);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initializing executions schema: %w", err)
	}
	return nil
}

// Save upserts the full execution document. Saves against a terminal
// record are refused unless the state is unchanged, which keeps
// terminal records append-only while staying idempotent.
func (s *Store) Save(ctx context.Context, e *Execution) error {
	if e.ID == "" {
		return fmt.Errorf("execution id is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	e.UpdatedAt = s.now().UTC()

	doc := *e
	doc.TriggerData = nil
	raw, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encoding execution %s: %w", e.ID, err)
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO executions (id, state, playbook_id, webhook_id, severity, fingerprint, event_time, trigger_data, document, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	state        = excluded.state,
	playbook_id  = excluded.playbook_id,
	webhook_id   = excluded.webhook_id,
	severity     = excluded.severity,
	fingerprint  = excluded.fingerprint,
	event_time   = excluded.event_time,
	trigger_data = excluded.trigger_data,
	document     = excluded.document,
	updated_at   = excluded.updated_at
WHERE executions.state NOT IN ('COMPLETED', 'FAILED') OR executions.state = excluded.state`,
		e.ID, e.State, e.PlaybookID, e.WebhookID, e.Severity, e.Fingerprint,
		e.EventTime.UTC().UnixNano(), []byte(e.TriggerData), string(raw),
		e.CreatedAt.UTC().Format(time.RFC3339Nano), e.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving execution %s: %w", e.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("saving execution %s: %w", e.ID, err)
	}
	if affected == 0 {
		return ErrTerminal
	}
	return nil
}

// Get loads one execution by ID.
func (s *Store) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT document, trigger_data FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// FindByFingerprint returns the ID of the execution holding this
// fingerprint, if any. Fingerprints embed a minute bucket, so a match
// always means the same alert identity in the same minute.
func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (string, bool, error) {
	if fingerprint == "" {
		return "", false, nil
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM executions WHERE fingerprint = ? LIMIT 1`, fingerprint).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("fingerprint lookup: %w", err)
	}
	return id, true, nil
}

// Filter narrows List results. Zero fields are ignored.
type Filter struct {
	State      string
	Severity   string
	WebhookID  string
	PlaybookID string
	Limit      int
}

// List returns executions newest-first by event time.
func (s *Store) List(ctx context.Context, f Filter) ([]*Execution, error) {
	var conds []string
	var args []any
	if f.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, f.State)
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.WebhookID != "" {
		conds = append(conds, "webhook_id = ?")
		args = append(args, f.WebhookID)
	}
	if f.PlaybookID != "" {
		conds = append(conds, "playbook_id = ?")
		args = append(args, f.PlaybookID)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := "SELECT document, trigger_data FROM executions"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY event_time DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListIDsByState returns execution IDs in a state, oldest-first. The
// engine uses it to requeue in-flight work after a restart.
func (s *Store) ListIDsByState(ctx context.Context, state string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM executions WHERE state = ? ORDER BY event_time ASC`, state)
	if err != nil {
		return nil, fmt.Errorf("listing executions by state: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountByState returns execution counts grouped by state.
func (s *Store) CountByState(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM executions GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counting executions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var doc string
	var data []byte
	if err := row.Scan(&doc, &data); err != nil {
		return nil, err
	}
	var e Execution
	if err := json.Unmarshal([]byte(doc), &e); err != nil {
		return nil, fmt.Errorf("decoding execution document: %w", err)
	}
	if len(data) > 0 {
		e.TriggerData = json.RawMessage(data)
	}
	return &e, nil
}
