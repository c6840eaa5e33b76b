/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package scheduler fires playbooks on a timetable. A schedule carries
// either a standard cron expression or a fixed interval; a sweep loop
// runs whatever is due through the same admission path manual triggers
// use, so scheduled runs get identical audit, metrics, and trigger
// treatment.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cybersentinel/soar/internal/execution"
	"github.com/cybersentinel/soar/internal/ident"
	"github.com/cybersentinel/soar/internal/ingest"
)

// DefaultSweepInterval is how often due schedules are checked.
const DefaultSweepInterval = 30 * time.Second

// ErrNotFound is returned for unknown schedule ids.
var ErrNotFound = errors.New("schedule not found")

// ErrInvalid wraps every validation failure so the HTTP layer can
// answer 400 without string matching.
var ErrInvalid = errors.New("invalid schedule")

// Schedule binds a playbook to a timetable. Exactly one of CronSpec or
// IntervalSeconds must be set.
type Schedule struct {
	ID         string `json:"id"`
	PlaybookID string `json:"playbook_id"`
	Name       string `json:"name,omitempty"`

	// CronSpec is a standard five-field cron expression.
	CronSpec string `json:"cron,omitempty"`
	// IntervalSeconds runs the playbook on a fixed cadence instead.
	IntervalSeconds int64 `json:"interval_seconds,omitempty"`

	// TriggerData is handed to the playbook as the triggering event.
	TriggerData json.RawMessage `json:"trigger_data,omitempty"`
	// BypassTrigger skips trigger evaluation, like a forced manual run.
	BypassTrigger bool `json:"bypass_trigger"`

	Enabled         bool       `json:"enabled"`
	NextRunAt       time.Time  `json:"next_run_at"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (s *Schedule) validate() error {
	if s.PlaybookID == "" {
		return fmt.Errorf("%w: playbook_id is required", ErrInvalid)
	}
	if s.IntervalSeconds < 0 {
		return fmt.Errorf("%w: interval_seconds must be positive", ErrInvalid)
	}
	if (s.CronSpec == "") == (s.IntervalSeconds == 0) {
		return fmt.Errorf("%w: exactly one of cron or interval_seconds must be set", ErrInvalid)
	}
	if s.CronSpec != "" {
		if _, err := cron.ParseStandard(s.CronSpec); err != nil {
			return fmt.Errorf("%w: cron %q: %v", ErrInvalid, s.CronSpec, err)
		}
	}
	return nil
}

// nextAfter computes the next fire time strictly after t.
func (s *Schedule) nextAfter(t time.Time) (time.Time, error) {
	if s.CronSpec != "" {
		spec, err := cron.ParseStandard(s.CronSpec)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron %q: %w", s.CronSpec, err)
		}
		return spec.Next(t), nil
	}
	return t.Add(time.Duration(s.IntervalSeconds) * time.Second), nil
}

// Store persists schedules in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore initializes the schedules table.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schedules (
		id                TEXT PRIMARY KEY,
		playbook_id       TEXT NOT NULL,
		name              TEXT NOT NULL DEFAULT '',
		cron_spec         TEXT NOT NULL DEFAULT '',
		interval_seconds  INTEGER NOT NULL DEFAULT 0,
		trigger_data      TEXT NOT NULL DEFAULT '',
		bypass_trigger    INTEGER NOT NULL DEFAULT 0,
		enabled           INTEGER NOT NULL DEFAULT 1,
		next_run_at       TEXT NOT NULL,
		last_run_at       TEXT,
		last_execution_id TEXT NOT NULL DEFAULT '',
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create schedules table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_schedules_due
		ON schedules(enabled, next_run_at)`); err != nil {
		return nil, fmt.Errorf("create schedules index: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Upsert validates and persists a schedule. A zero ID gets a generated
// one; a zero NextRunAt is computed from the timetable.
func (st *Store) Upsert(ctx context.Context, s Schedule) (Schedule, error) {
	if err := s.validate(); err != nil {
		return Schedule{}, err
	}

	now := st.now().UTC()
	if s.ID == "" {
		s.ID = ident.ScheduleID(now)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.NextRunAt.IsZero() {
		next, err := s.nextAfter(now)
		if err != nil {
			return Schedule{}, err
		}
		s.NextRunAt = next
	}

	var lastRun any
	if s.LastRunAt != nil {
		lastRun = s.LastRunAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := st.db.ExecContext(ctx, `INSERT INTO schedules
		(id, playbook_id, name, cron_spec, interval_seconds, trigger_data,
		 bypass_trigger, enabled, next_run_at, last_run_at, last_execution_id,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			playbook_id = excluded.playbook_id,
			name = excluded.name,
			cron_spec = excluded.cron_spec,
			interval_seconds = excluded.interval_seconds,
			trigger_data = excluded.trigger_data,
			bypass_trigger = excluded.bypass_trigger,
			enabled = excluded.enabled,
			next_run_at = excluded.next_run_at,
			last_run_at = excluded.last_run_at,
			last_execution_id = excluded.last_execution_id,
			updated_at = excluded.updated_at`,
		s.ID, s.PlaybookID, s.Name, s.CronSpec, s.IntervalSeconds, string(s.TriggerData),
		boolToInt(s.BypassTrigger), boolToInt(s.Enabled),
		s.NextRunAt.UTC().Format(time.RFC3339Nano), lastRun, s.LastExecutionID,
		s.CreatedAt.UTC().Format(time.RFC3339Nano), s.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Schedule{}, fmt.Errorf("upsert schedule: %w", err)
	}
	// Conflict updates keep the stored created_at; read the row back so
	// the caller sees what the table holds.
	return st.Get(ctx, s.ID)
}

const scheduleCols = `id, playbook_id, name, cron_spec, interval_seconds, trigger_data,
	bypass_trigger, enabled, next_run_at, last_run_at, last_execution_id, created_at, updated_at`

// Get returns one schedule by id.
func (st *Store) Get(ctx context.Context, id string) (Schedule, error) {
	row := st.db.QueryRowContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	return s, err
}

// List returns every schedule, soonest first.
func (st *Store) List(ctx context.Context) ([]Schedule, error) {
	rows, err := st.db.QueryContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules ORDER BY next_run_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// Due returns enabled schedules whose next slot has passed.
func (st *Store) Due(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := st.db.QueryContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules
		 WHERE enabled = 1 AND next_run_at <= ?
		 ORDER BY next_run_at ASC`,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// MarkRun advances a schedule past a firing. The next slot comes from
// the timetable, so a slow sweep never double-fires.
func (st *Store) MarkRun(ctx context.Context, id, executionID string, ranAt, nextRunAt time.Time) error {
	_, err := st.db.ExecContext(ctx, `UPDATE schedules
		SET last_run_at = ?, last_execution_id = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		ranAt.UTC().Format(time.RFC3339Nano), executionID,
		nextRunAt.UTC().Format(time.RFC3339Nano),
		st.now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark schedule run: %w", err)
	}
	return nil
}

// SetEnabled flips a schedule without touching its timetable.
func (st *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := st.db.ExecContext(ctx,
		`UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), st.now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a schedule.
func (st *Store) Delete(ctx context.Context, id string) error {
	res, err := st.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSchedule(row interface{ Scan(...any) error }) (Schedule, error) {
	var (
		s           Schedule
		triggerData string
		bypass      int
		enabled     int
		nextRun     string
		lastRun     sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := row.Scan(&s.ID, &s.PlaybookID, &s.Name, &s.CronSpec, &s.IntervalSeconds,
		&triggerData, &bypass, &enabled, &nextRun, &lastRun, &s.LastExecutionID,
		&createdAt, &updatedAt); err != nil {
		return Schedule{}, err
	}
	if triggerData != "" {
		s.TriggerData = json.RawMessage(triggerData)
	}
	s.BypassTrigger = bypass != 0
	s.Enabled = enabled != 0
	s.NextRunAt, _ = time.Parse(time.RFC3339Nano, nextRun)
	if lastRun.Valid && lastRun.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastRun.String); err == nil {
			s.LastRunAt = &t
		}
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return s, nil
}

func collectSchedules(rows *sql.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Runner is the slice of the admission pipeline the scheduler needs.
type Runner interface {
	Trigger(ctx context.Context, req ingest.ManualRequest) (ingest.Outcome, error)
}

// Scheduler sweeps the schedule table and fires due playbooks.
type Scheduler struct {
	store  *Store
	runner Runner
	logger *zap.Logger
	now    func() time.Time
}

// New wires a scheduler to its store and the admission pipeline.
func New(store *Store, runner Runner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:  store,
		runner: runner,
		logger: logger.With(zap.String("component", "scheduler")),
		now:    time.Now,
	}
}

// Start launches the sweep loop. Errors are logged and the loop keeps
// going; a failed sweep never takes the engine down.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					s.logger.Error("schedule sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Sweep fires every due schedule once and returns how many runs were
// admitted.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.store.Due(ctx, now)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, sched := range due {
		next, err := sched.nextAfter(now)
		if err != nil {
			// Upsert validation makes this unreachable; skip rather
			// than hot-loop on a corrupt row.
			s.logger.Error("schedule has an unusable timetable",
				zap.String("schedule_id", sched.ID), zap.Error(err))
			continue
		}

		out, err := s.runner.Trigger(ctx, ingest.ManualRequest{
			PlaybookID:    sched.PlaybookID,
			TriggerData:   sched.TriggerData,
			BypassTrigger: sched.BypassTrigger,
			Actor:         "scheduler",
			Source:        execution.SourceSchedule,
		})

		execID := ""
		switch {
		case err != nil:
			// A missing or disabled playbook still advances the slot;
			// firing again in thirty seconds would not fix it.
			s.logger.Warn("scheduled run refused",
				zap.String("schedule_id", sched.ID),
				zap.String("playbook_id", sched.PlaybookID),
				zap.Error(err))
		case out.Status == ingest.StatusAccepted:
			execID = out.ExecutionID
			fired++
			s.logger.Info("scheduled run fired",
				zap.String("schedule_id", sched.ID),
				zap.String("playbook_id", sched.PlaybookID),
				zap.String("execution_id", execID))
		default:
			s.logger.Info("scheduled run dropped",
				zap.String("schedule_id", sched.ID),
				zap.String("reason", out.Reason))
		}

		if err := s.store.MarkRun(ctx, sched.ID, execID, now, next); err != nil {
			s.logger.Error("advancing schedule failed",
				zap.String("schedule_id", sched.ID), zap.Error(err))
		}
	}
	return fired, nil
}
