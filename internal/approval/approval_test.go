/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package approval

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cybersentinel/soar/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "approvals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(db, zap.NewNop())
	require.NoError(t, err)
	return s
}

func pendingFixture(expiry time.Time) Approval {
	return Approval{
		ExecutionID: "EXE-20260314-AB12CD",
		StepID:      "manual_review",
		Approvers:   []string{"soc-lead@example.com"},
		Message:     "Block sender domain?",
		ExpiresAt:   expiry,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	expiry := time.Now().Add(4 * time.Hour)

	a, err := s.Create(context.Background(), pendingFixture(expiry))
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^APR-[0-9a-z]+-[0-9a-f]{8}$`), a.ID)
	assert.Equal(t, DecisionPending, a.Decision)
	assert.False(t, a.CreatedAt.IsZero())

	got, err := s.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ExecutionID, got.ExecutionID)
	assert.Equal(t, a.StepID, got.StepID)
	assert.Equal(t, []string{"soc-lead@example.com"}, got.Approvers)
	assert.Equal(t, "Block sender domain?", got.Message)
	assert.True(t, got.Pending())
	assert.WithinDuration(t, expiry, got.ExpiresAt, time.Second)
}

func TestCreateRequiresExpiry(t *testing.T) {
	s := newTestStore(t)
	a := pendingFixture(time.Time{})
	_, err := s.Create(context.Background(), a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expires_at")
}

func TestGetUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "APR-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDecideOnce(t *testing.T) {
	s := newTestStore(t)
	a, err := s.Create(context.Background(), pendingFixture(time.Now().Add(time.Hour)))
	require.NoError(t, err)

	decided, err := s.Decide(context.Background(), a.ID, DecisionApproved, "analyst@example.com")
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, decided.Decision)
	assert.Equal(t, "analyst@example.com", decided.DecidedBy)
	require.NotNil(t, decided.DecidedAt)
	assert.False(t, decided.Pending())

	// The second decision must lose regardless of its value.
	_, err = s.Decide(context.Background(), a.ID, DecisionRejected, "second@example.com")
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	got, err := s.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, got.Decision)
	assert.Equal(t, "analyst@example.com", got.DecidedBy)
}

func TestDecideValidation(t *testing.T) {
	s := newTestStore(t)
	a, err := s.Create(context.Background(), pendingFixture(time.Now().Add(time.Hour)))
	require.NoError(t, err)

	_, err = s.Decide(context.Background(), a.ID, "maybe", "analyst@example.com")
	assert.ErrorIs(t, err, ErrInvalidDecision)
	// timed_out is sweeper-only, never an operator decision.
	_, err = s.Decide(context.Background(), a.ID, DecisionTimedOut, "analyst@example.com")
	assert.ErrorIs(t, err, ErrInvalidDecision)

	_, err = s.Decide(context.Background(), "APR-missing", DecisionApproved, "analyst@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpireDue(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	due, err := s.Create(context.Background(), pendingFixture(base.Add(30*time.Minute)))
	require.NoError(t, err)
	fresh, err := s.Create(context.Background(), pendingFixture(base.Add(8*time.Hour)))
	require.NoError(t, err)
	decided, err := s.Create(context.Background(), pendingFixture(base.Add(10*time.Minute)))
	require.NoError(t, err)
	_, err = s.Decide(context.Background(), decided.ID, DecisionRejected, "analyst@example.com")
	require.NoError(t, err)

	expired, err := s.ExpireDue(context.Background(), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, due.ID, expired[0].ID)
	assert.Equal(t, DecisionTimedOut, expired[0].Decision)
	require.NotNil(t, expired[0].DecidedAt)

	got, err := s.Get(context.Background(), due.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionTimedOut, got.Decision)

	// Operator decisions and future expiries are untouched.
	got, err = s.Get(context.Background(), decided.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionRejected, got.Decision)
	got, err = s.Get(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionPending, got.Decision)

	// Expired rows cannot be decided afterwards.
	_, err = s.Decide(context.Background(), due.ID, DecisionApproved, "late@example.com")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestDeletePending(t *testing.T) {
	s := newTestStore(t)
	pending, err := s.Create(context.Background(), pendingFixture(time.Now().Add(time.Hour)))
	require.NoError(t, err)
	kept, err := s.Create(context.Background(), pendingFixture(time.Now().Add(time.Hour)))
	require.NoError(t, err)
	_, err = s.Decide(context.Background(), kept.ID, DecisionApproved, "analyst@example.com")
	require.NoError(t, err)

	require.NoError(t, s.DeletePending(context.Background(), pending.ExecutionID))

	_, err = s.Get(context.Background(), pending.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	// Decided history survives cancellation.
	got, err := s.Get(context.Background(), kept.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, got.Decision)
}

func TestListPendingOrder(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	later, err := s.Create(context.Background(), pendingFixture(base.Add(8*time.Hour)))
	require.NoError(t, err)
	sooner, err := s.Create(context.Background(), pendingFixture(base.Add(time.Hour)))
	require.NoError(t, err)

	pending, err := s.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, sooner.ID, pending[0].ID)
	assert.Equal(t, later.ID, pending[1].ID)
}

func TestSweeperDeliversTimeouts(t *testing.T) {
	s := newTestStore(t)
	a, err := s.Create(context.Background(), pendingFixture(time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	resumed := make(chan Approval, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartSweeper(ctx, 20*time.Millisecond, func(_ context.Context, got Approval) {
		resumed <- got
	})

	select {
	case got := <-resumed:
		assert.Equal(t, a.ID, got.ID)
		assert.Equal(t, DecisionTimedOut, got.Decision)
	case <-time.After(3 * time.Second):
		t.Fatal("sweeper never resumed the expired approval")
	}

	stored, err := s.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionTimedOut, stored.Decision)
}

func TestPersistenceAcrossReload(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "approvals.db"))
	require.NoError(t, err)
	s, err := NewStore(db, zap.NewNop())
	require.NoError(t, err)

	a, err := s.Create(context.Background(), pendingFixture(time.Now().Add(time.Hour)))
	require.NoError(t, err)
	_, err = s.Decide(context.Background(), a.ID, DecisionApproved, "analyst@example.com")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := storage.Open(filepath.Join(dir, "approvals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db2.Close() })
	s2, err := NewStore(db2, zap.NewNop())
	require.NoError(t, err)

	got, err := s2.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, got.Decision)
	assert.Equal(t, "analyst@example.com", got.DecidedBy)
}
