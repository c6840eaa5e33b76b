// Package playbook defines response playbooks: ordered graphs of
// enrichment, condition, approval, action, and notification steps with
// explicit success and failure routing.
package playbook

import "time"

// Step types. Enrichment, action, and notification steps invoke a
// connector; they differ in intent: enrichments gather context,
// actions change the world, notifications tell humans. Shadow mode
// suppresses only actions.
const (
	StepEnrichment   = "enrichment"
	StepCondition    = "condition"
	StepApproval     = "approval"
	StepAction       = "action"
	StepNotification = "notification"
	StepWait         = "wait"
)

// EndTarget terminates the execution from any routing field.
const EndTarget = "__END__"

// Transition actions for on_success.
const (
	TransitionContinue = "continue"
	TransitionEnd      = "end"
	TransitionGoto     = "goto"
)

// Failure actions for on_failure.
const (
	FailureStop     = "stop"
	FailureContinue = "continue"
	FailureSkip     = "skip"
	FailureRetry    = "retry"
)

// Playbook is a stored response workflow. Steps execute from the first
// declared step; routing fields move the cursor from there.
type Playbook struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string    `json:"version" yaml:"version"`
	Enabled     bool      `json:"enabled" yaml:"enabled"`
	ShadowMode  bool      `json:"shadow_mode,omitempty" yaml:"shadow_mode,omitempty"`
	Tags        []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	Steps       []Step    `json:"steps" yaml:"steps"`
	CreatedAt   time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// Step is one node in the playbook graph. Type selects which of the
// variant fields apply.
type Step struct {
	ID   string `json:"id" yaml:"id"`
	Type string `json:"type" yaml:"type"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// enrichment / action / notification
	Connector string         `json:"connector_id,omitempty" yaml:"connector_id,omitempty"`
	Action    string         `json:"action_type,omitempty" yaml:"action_type,omitempty"`
	Input     map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	// Required inputs must resolve to a defined value at dispatch.
	RequiredInputs []string `json:"required_inputs,omitempty" yaml:"required_inputs,omitempty"`
	// Project renames and narrows the connector output: each entry maps
	// an output key to a dotted path inside the raw connector result.
	// Empty keeps the raw result.
	Project map[string]string `json:"project,omitempty" yaml:"project,omitempty"`

	// condition
	Condition *ConditionSpec `json:"condition,omitempty" yaml:"condition,omitempty"`
	OnTrue    string         `json:"on_true,omitempty" yaml:"on_true,omitempty"`
	OnFalse   string         `json:"on_false,omitempty" yaml:"on_false,omitempty"`

	// approval
	Approvers    []string `json:"approvers,omitempty" yaml:"approvers,omitempty"`
	Message      string   `json:"message,omitempty" yaml:"message,omitempty"`
	TimeoutHours float64  `json:"timeout_hours,omitempty" yaml:"timeout_hours,omitempty"`
	OnTimeout    string   `json:"on_timeout,omitempty" yaml:"on_timeout,omitempty"`
	OnApproved   string   `json:"on_approved,omitempty" yaml:"on_approved,omitempty"`
	OnRejected   string   `json:"on_rejected,omitempty" yaml:"on_rejected,omitempty"`

	// wait
	DurationSeconds float64 `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`

	// routing and budgets
	OnSuccess      *Transition    `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	OnFailure      *FailurePolicy `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	TimeoutSeconds float64        `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// ConditionSpec is the predicate of a condition step. Field is a
// variable reference, typically trigger_data.<path> or
// steps.<id>.output.<path>.
type ConditionSpec struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Transition routes a completed step: continue to the next declared
// step, end the execution, or goto a named step.
type Transition struct {
	Action string `json:"action" yaml:"action"`
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
}

// FailurePolicy routes a failed step. Retry re-dispatches with
// exponential backoff and falls back to stop when exhausted.
type FailurePolicy struct {
	Action string       `json:"action" yaml:"action"`
	Retry  *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// RetryPolicy controls failure retries. Delay for attempt n is
// backoff_seconds * multiplier^(n-1), capped at max_backoff_seconds.
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts" yaml:"max_attempts"`
	BackoffSeconds    float64 `json:"backoff_seconds" yaml:"backoff_seconds"`
	Multiplier        float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	MaxBackoffSeconds float64 `json:"max_backoff_seconds,omitempty" yaml:"max_backoff_seconds,omitempty"`
}

// IsConnectorStep reports whether stepType dispatches to a connector.
func IsConnectorStep(stepType string) bool {
	switch stepType {
	case StepEnrichment, StepAction, StepNotification:
		return true
	}
	return false
}

// EntryStep returns the id of the first declared step, or "" for an
// empty playbook.
func (p *Playbook) EntryStep() string {
	if len(p.Steps) == 0 {
		return ""
	}
	return p.Steps[0].ID
}

// StepByID returns the named step.
func (p *Playbook) StepByID(id string) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// NextDeclared returns the step declared after id, or "" when id is
// the last step.
func (p *Playbook) NextDeclared(id string) string {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			if i+1 < len(p.Steps) {
				return p.Steps[i+1].ID
			}
			return ""
		}
	}
	return ""
}

// SuccessTransition normalizes a step's on_success routing.
func (s *Step) SuccessTransition() Transition {
	if s.OnSuccess == nil || s.OnSuccess.Action == "" {
		return Transition{Action: TransitionContinue}
	}
	return *s.OnSuccess
}

// FailureAction normalizes a step's on_failure routing.
func (s *Step) FailureAction() FailurePolicy {
	if s.OnFailure == nil || s.OnFailure.Action == "" {
		return FailurePolicy{Action: FailureStop}
	}
	return *s.OnFailure
}
