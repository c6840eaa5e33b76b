// Package execution defines the durable execution record and its
// store. An execution is created at webhook admission and mutated only
// by the engine; every state transition is persisted as a full
// document so a restart can resume from the last saved boundary.
package execution

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cybersentinel/soar/internal/trigger"
)

// Execution states. COMPLETED and FAILED are terminal; a terminal
// record never transitions again.
const (
	StateExecuting       = "EXECUTING"
	StateWaitingApproval = "WAITING_APPROVAL"
	StateCompleted       = "COMPLETED"
	StateFailed          = "FAILED"
)

// Step states.
const (
	StepPending   = "PENDING"
	StepExecuting = "EXECUTING"
	StepCompleted = "COMPLETED"
	StepFailed    = "FAILED"
	StepSkipped   = "SKIPPED"
)

// Execution failure codes. Step-level failures (connector codes,
// MISSING_INPUT, STEP_TIMEOUT) propagate onto the execution unchanged
// when on_failure stops the run.
const (
	CodeLoopDetected     = "LOOP_DETECTED"
	CodeCancelled        = "CANCELLED"
	CodeStepTimeout      = "STEP_TIMEOUT"
	CodeApprovalTimeout  = "APPROVAL_TIMEOUT"
	CodeApprovalRejected = "APPROVAL_REJECTED"
	CodeMissingStep      = "MISSING_STEP"
)

// Execution sources.
const (
	SourceWebhook  = "webhook"
	SourceManual   = "manual"
	SourceSchedule = "schedule"
)

// Timeline event types.
const (
	EventCreated          = "execution_created"
	EventStepStarted      = "step_started"
	EventStepRetry        = "step_retry"
	EventStepCompleted    = "step_completed"
	EventStepFailed       = "step_failed"
	EventStepSkipped      = "step_skipped"
	EventApprovalRequest  = "approval_requested"
	EventApprovalDecided  = "approval_decided"
	EventApprovalTimeout  = "approval_timed_out"
	EventExecutionDone    = "execution_completed"
	EventExecutionFailed  = "execution_failed"
	EventExecutionResumed = "execution_resumed"
)

// Error captures a failure with a stable code for dashboards. On a
// terminal FAILED execution, StepID names the step that sank it; it is
// empty when the failure happened before any step ran.
type Error struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	StepID  string    `json:"step_id,omitempty"`
	At      time.Time `json:"at"`
}

// StepAttempt is one try of a retryable step.
type StepAttempt struct {
	Attempt     int        `json:"attempt"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// StepRecord is one dispatch of a playbook step. A step re-entered via
// goto gets a fresh record; retries accumulate in Attempts within one
// record.
type StepRecord struct {
	StepID      string         `json:"step_id"`
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	State       string         `json:"state"`
	Attempts    []StepAttempt  `json:"attempts,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       *Error         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
}

// TimelineEvent is one entry in the execution's append-only history.
type TimelineEvent struct {
	ID       string    `json:"id"`
	Sequence int       `json:"sequence"`
	Type     string    `json:"type"`
	StepID   string    `json:"step_id,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// SLAStatus is the SLA accounting attached when a policy resolves.
// Thresholds are copied from the policy at admission so later policy
// edits never rewrite history; actuals fill in as the execution moves.
type SLAStatus struct {
	PolicyID string `json:"policy_id"`

	// Thresholds in milliseconds. Zero means the dimension is untracked.
	AcknowledgeThresholdMs int64 `json:"acknowledge_threshold_ms,omitempty"`
	ContainmentThresholdMs int64 `json:"containment_threshold_ms,omitempty"`
	ResolutionThresholdMs  int64 `json:"resolution_threshold_ms,omitempty"`

	// Measured durations, nil until the corresponding milestone occurs.
	AcknowledgeMs *int64 `json:"acknowledge_ms,omitempty"`
	ContainmentMs *int64 `json:"containment_ms,omitempty"`
	ResolutionMs  *int64 `json:"resolution_ms,omitempty"`

	Breached           bool     `json:"breached"`
	BreachedThresholds []string `json:"breached_thresholds,omitempty"`
	BreachReason       string   `json:"breach_reason,omitempty"`
}

// Execution is the durable record of one playbook run.
type Execution struct {
	ID     string `json:"execution_id"`
	CaseID string `json:"case_id"`
	State  string `json:"state"`

	PlaybookID      string `json:"playbook_id"`
	PlaybookVersion string `json:"playbook_version"`
	PlaybookName    string `json:"playbook_name,omitempty"`
	ShadowMode      bool   `json:"shadow_mode"`

	WebhookID       string            `json:"webhook_id,omitempty"`
	TriggerID       string            `json:"trigger_id,omitempty"`
	TriggerSnapshot *trigger.Snapshot `json:"trigger_snapshot,omitempty"`

	// TriggerData holds the payload exactly as delivered. It is kept
	// byte-for-byte; nothing in the pipeline re-encodes it.
	TriggerData json.RawMessage `json:"trigger_data,omitempty"`

	Source string `json:"source"`
	Actor  string `json:"actor,omitempty"`

	Severity        string    `json:"severity,omitempty"`
	Fingerprint     string    `json:"fingerprint,omitempty"`
	EventTime       time.Time `json:"event_time"`
	EventTimeSource string    `json:"event_time_source,omitempty"`

	CurrentStepID  string          `json:"current_step_id,omitempty"`
	StepExecutions int             `json:"step_executions"`
	Steps          []StepRecord    `json:"steps"`
	Timeline       []TimelineEvent `json:"timeline,omitempty"`
	Error          *Error          `json:"error,omitempty"`

	CurrentApprovalID string `json:"current_approval_id,omitempty"`
	WaitingApprovalMs int64  `json:"waiting_approval_ms,omitempty"`

	SLA *SLAStatus `json:"sla,omitempty"`

	WebhookReceivedAt *time.Time `json:"webhook_received_at,omitempty"`
	AcknowledgedAt    *time.Time `json:"acknowledged_at,omitempty"`
	ContainmentAt     *time.Time `json:"containment_at,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	DurationMs        int64      `json:"duration_ms,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the execution has reached a final state.
func (e *Execution) Terminal() bool {
	return e.State == StateCompleted || e.State == StateFailed
}

// LastStep returns the most recent step record, or nil before the
// first dispatch.
func (e *Execution) LastStep() *StepRecord {
	if len(e.Steps) == 0 {
		return nil
	}
	return &e.Steps[len(e.Steps)-1]
}

// RecordTimeline appends a timeline event with the next sequence
// number. Event IDs embed the execution ID so exports stay globally
// unique.
func (e *Execution) RecordTimeline(eventType, stepID, message string, at time.Time) {
	seq := len(e.Timeline) + 1
	e.Timeline = append(e.Timeline, TimelineEvent{
		ID:       fmt.Sprintf("%s-evt-%06d", e.ID, seq),
		Sequence: seq,
		Type:     eventType,
		StepID:   stepID,
		Message:  message,
		At:       at.UTC(),
	})
}
