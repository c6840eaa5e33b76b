/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package approval persists approval requests created by approval steps.
// An execution that reaches an approval step parks in WAITING_APPROVAL
// with no in-memory state; the decision endpoint or the expiry sweeper
// delivers the outcome back to the engine, which reloads the execution
// and moves on.
//
// A request can be decided via:
//   - API: POST /approvals/{id}/decide
//   - Timeout: the sweeper marks overdue requests timed_out
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cybersentinel/soar/internal/ident"
	"github.com/cybersentinel/soar/internal/metrics"
)

// Decision values. A row starts pending and changes exactly once.
const (
	DecisionPending  = "pending"
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
	DecisionTimedOut = "timed_out"
)

var (
	// ErrNotFound is returned for unknown approval ids.
	ErrNotFound = errors.New("approval not found")
	// ErrAlreadyDecided is returned on any second decision attempt.
	ErrAlreadyDecided = errors.New("approval already decided")
	// ErrInvalidDecision is returned for decisions outside approved/rejected.
	ErrInvalidDecision = errors.New("decision must be approved or rejected")
)

// Approval is one pending or resolved approval request.
type Approval struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	StepID      string     `json:"step_id"`
	Approvers   []string   `json:"approvers,omitempty"`
	Message     string     `json:"message,omitempty"`
	Decision    string     `json:"decision"`
	DecidedBy   string     `json:"decided_by,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// Pending reports whether the approval still awaits a decision.
func (a *Approval) Pending() bool { return a.Decision == DecisionPending }

// Store persists approvals in SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	now func() time.Time
}

// NewStore initializes the approvals table.
func NewStore(db *sql.DB, logger *zap.Logger) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS approvals (
		id           TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		step_id      TEXT NOT NULL,
		approvers    TEXT NOT NULL DEFAULT '[]',
		message      TEXT NOT NULL DEFAULT '',
		decision     TEXT NOT NULL DEFAULT 'pending',
		decided_by   TEXT NOT NULL DEFAULT '',
		decided_at   TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		expires_at   TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create approvals table: %w", err)
	}
	// The sweeper's scan: pending rows ordered by expiry.
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_approvals_pending
		ON approvals(expires_at) WHERE decision = 'pending'`); err != nil {
		return nil, fmt.Errorf("create approvals index: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_approvals_execution
		ON approvals(execution_id)`); err != nil {
		return nil, fmt.Errorf("create approvals execution index: %w", err)
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "approvals")), now: time.Now}, nil
}

// Create persists a new pending approval and returns it with its id.
func (s *Store) Create(ctx context.Context, a Approval) (Approval, error) {
	if a.ExpiresAt.IsZero() {
		return Approval{}, fmt.Errorf("approval for %s/%s: expires_at is required", a.ExecutionID, a.StepID)
	}
	now := s.now().UTC()
	a.ID = ident.ApprovalID(now)
	a.Decision = DecisionPending
	a.DecidedBy = ""
	a.DecidedAt = nil
	a.CreatedAt = now

	approvers, err := json.Marshal(a.Approvers)
	if err != nil {
		return Approval{}, fmt.Errorf("encode approvers: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO approvals
		(id, execution_id, step_id, approvers, message, decision, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ExecutionID, a.StepID, string(approvers), a.Message, a.Decision,
		a.CreatedAt.Format(time.RFC3339Nano), a.ExpiresAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return Approval{}, fmt.Errorf("persist approval: %w", err)
	}

	s.logger.Info("approval requested",
		zap.String("approval_id", a.ID),
		zap.String("execution_id", a.ExecutionID),
		zap.String("step_id", a.StepID),
		zap.Time("expires_at", a.ExpiresAt))
	return a, nil
}

// Get returns an approval by id.
func (s *Store) Get(ctx context.Context, id string) (Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, execution_id, step_id, approvers,
		message, decision, decided_by, decided_at, created_at, expires_at
		FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Approval{}, ErrNotFound
	}
	return a, err
}

// Decide records an operator decision. The UPDATE carries the pending
// guard, so a double decision loses the race inside the database rather
// than in process memory.
func (s *Store) Decide(ctx context.Context, id, decision, actor string) (Approval, error) {
	if decision != DecisionApproved && decision != DecisionRejected {
		return Approval{}, fmt.Errorf("%q: %w", decision, ErrInvalidDecision)
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE approvals
		SET decision = ?, decided_by = ?, decided_at = ?
		WHERE id = ? AND decision = 'pending'`,
		decision, actor, now.Format(time.RFC3339Nano), id)
	if err != nil {
		return Approval{}, fmt.Errorf("decide approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return Approval{}, ErrNotFound
		}
		return Approval{}, ErrAlreadyDecided
	}

	metrics.RecordApprovalDecision(decision)
	s.logger.Info("approval decided",
		zap.String("approval_id", id),
		zap.String("decision", decision),
		zap.String("decided_by", actor))
	return s.Get(ctx, id)
}

// ExpireDue marks every pending approval past its deadline as timed_out
// and returns them so the caller can resume the owning executions.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) ([]Approval, error) {
	cutoff := now.UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `SELECT id, execution_id, step_id, approvers,
		message, decision, decided_by, decided_at, created_at, expires_at
		FROM approvals WHERE decision = 'pending' AND expires_at <= ?
		ORDER BY expires_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("scan due approvals: %w", err)
	}
	due, err := collectApprovals(rows)
	if err != nil {
		return nil, err
	}

	expired := make([]Approval, 0, len(due))
	for _, a := range due {
		res, err := s.db.ExecContext(ctx, `UPDATE approvals
			SET decision = ?, decided_at = ?
			WHERE id = ? AND decision = 'pending'`,
			DecisionTimedOut, now.UTC().Format(time.RFC3339Nano), a.ID)
		if err != nil {
			return expired, fmt.Errorf("expire approval %s: %w", a.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// An operator decision won the race; theirs stands.
			continue
		}
		a.Decision = DecisionTimedOut
		at := now.UTC()
		a.DecidedAt = &at
		expired = append(expired, a)
		metrics.RecordApprovalDecision(DecisionTimedOut)
	}
	return expired, nil
}

// DeletePending removes still-pending approvals for an execution. Used
// when an execution is cancelled mid-wait; the request must not outlive
// the run that asked for it.
func (s *Store) DeletePending(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM approvals
		WHERE execution_id = ? AND decision = 'pending'`, executionID)
	if err != nil {
		return fmt.Errorf("delete pending approvals: %w", err)
	}
	return nil
}

// ListPending returns pending approvals, soonest expiry first.
func (s *Store) ListPending(ctx context.Context) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, execution_id, step_id, approvers,
		message, decision, decided_by, decided_at, created_at, expires_at
		FROM approvals WHERE decision = 'pending' ORDER BY expires_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return collectApprovals(rows)
}

// CountPending returns the number of undecided approvals.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approvals WHERE decision = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending approvals: %w", err)
	}
	return n, nil
}

// List returns approvals newest first, up to limit (0 means 100).
func (s *Store) List(ctx context.Context, limit int) ([]Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, execution_id, step_id, approvers,
		message, decision, decided_by, decided_at, created_at, expires_at
		FROM approvals ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	return collectApprovals(rows)
}

// Resumer receives resolved approvals and advances their executions.
type Resumer func(ctx context.Context, a Approval)

// StartSweeper launches the expiry loop. Every interval it times out due
// approvals and hands each to resume. Errors are logged and the loop
// continues; a failed sweep never takes the engine down.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration, resume Resumer) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				expired, err := s.ExpireDue(ctx, s.now())
				if err != nil {
					s.logger.Error("approval sweep failed", zap.Error(err))
					continue
				}
				for _, a := range expired {
					s.logger.Info("approval timed out",
						zap.String("approval_id", a.ID),
						zap.String("execution_id", a.ExecutionID),
						zap.String("step_id", a.StepID))
					resume(ctx, a)
				}
			}
		}
	}()
}

func scanApproval(row interface{ Scan(...any) error }) (Approval, error) {
	var (
		a         Approval
		approvers string
		decidedAt string
		createdAt string
		expiresAt string
	)
	if err := row.Scan(&a.ID, &a.ExecutionID, &a.StepID, &approvers, &a.Message,
		&a.Decision, &a.DecidedBy, &decidedAt, &createdAt, &expiresAt); err != nil {
		return Approval{}, err
	}
	if err := json.Unmarshal([]byte(approvers), &a.Approvers); err != nil {
		return Approval{}, fmt.Errorf("decode approvers: %w", err)
	}
	if decidedAt != "" {
		t, _ := time.Parse(time.RFC3339Nano, decidedAt)
		a.DecidedAt = &t
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	a.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	return a, nil
}

func collectApprovals(rows *sql.Rows) ([]Approval, error) {
	defer rows.Close()
	out := make([]Approval, 0)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
