package playbook

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Validation issue codes. Stable strings; API clients match on them.
const (
	CodeMissingPlaybookID        = "MISSING_PLAYBOOK_ID"
	CodeMissingPlaybookName      = "MISSING_PLAYBOOK_NAME"
	CodeInvalidVersion           = "INVALID_VERSION"
	CodeMissingSteps             = "MISSING_STEPS"
	CodeInvalidStepID            = "INVALID_STEP_ID"
	CodeDuplicateStepIDs         = "DUPLICATE_STEP_IDS"
	CodeInvalidStepType          = "INVALID_STEP_TYPE"
	CodeMissingConnector         = "MISSING_CONNECTOR"
	CodeMissingAction            = "MISSING_ACTION"
	CodeInvalidCondition         = "INVALID_CONDITION"
	CodeConditionMissingOnTrue   = "CONDITION_MISSING_ON_TRUE"
	CodeConditionMissingOnFalse  = "CONDITION_MISSING_ON_FALSE"
	CodeApprovalMissingApprovers = "APPROVAL_MISSING_APPROVERS"
	CodeApprovalMissingTimeout   = "APPROVAL_MISSING_TIMEOUT"
	CodeApprovalMissingOnTimeout = "APPROVAL_MISSING_ON_TIMEOUT"
	CodeInvalidWaitDuration      = "INVALID_WAIT_DURATION"
	CodeInvalidGotoTarget        = "INVALID_GOTO_TARGET"
	CodeInvalidTransition        = "INVALID_TRANSITION"
	CodeInvalidRetryPolicy       = "INVALID_RETRY_POLICY"
	CodeUnreachableStep          = "UNREACHABLE_STEP"
	CodeInescapableLoop          = "INESCAPABLE_LOOP"
)

var stepIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Issue is one validation finding.
type Issue struct {
	Code    string `json:"code"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError aggregates every issue found; a playbook with any
// issue is rejected whole.
type ValidationError struct {
	Issues []Issue `json:"issues"`
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "playbook validation failed"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s (%s)", issue.Path, issue.Message, issue.Code))
	}
	return "playbook validation failed: " + strings.Join(parts, "; ")
}

// Validate normalizes and validates a playbook. It never stops at the
// first problem: authors get the complete list in one round trip.
func Validate(p *Playbook) error {
	if p == nil {
		return &ValidationError{Issues: []Issue{{
			Code: CodeMissingPlaybookID, Path: "playbook", Message: "playbook is required",
		}}}
	}

	normalize(p)

	issues := make([]Issue, 0)
	add := func(code, path, message string) {
		issues = append(issues, Issue{Code: code, Path: path, Message: message})
	}

	if p.ID == "" {
		add(CodeMissingPlaybookID, "id", "playbook id is required")
	}
	if p.Name == "" {
		add(CodeMissingPlaybookName, "name", "playbook name is required")
	}
	if p.Version == "" {
		add(CodeInvalidVersion, "version", "version is required")
	} else if _, err := semver.NewVersion(p.Version); err != nil {
		add(CodeInvalidVersion, "version", fmt.Sprintf("version %q is not semantic version format", p.Version))
	}
	if len(p.Steps) == 0 {
		add(CodeMissingSteps, "steps", "at least one step is required")
	}

	stepIDs := make(map[string]struct{}, len(p.Steps))
	for idx := range p.Steps {
		step := &p.Steps[idx]
		path := fmt.Sprintf("steps[%d]", idx)

		if step.ID == "" {
			add(CodeInvalidStepID, path+".id", "step id is required")
		} else if !stepIDPattern.MatchString(step.ID) {
			add(CodeInvalidStepID, path+".id",
				fmt.Sprintf("step id %q must match %s", step.ID, stepIDPattern.String()))
		} else if _, dup := stepIDs[step.ID]; dup {
			add(CodeDuplicateStepIDs, path+".id", fmt.Sprintf("step id %q is declared more than once", step.ID))
		} else {
			stepIDs[step.ID] = struct{}{}
		}
	}

	for idx := range p.Steps {
		step := &p.Steps[idx]
		path := fmt.Sprintf("steps[%d]", idx)
		issues = append(issues, validateStep(path, step, stepIDs)...)
	}

	issues = append(issues, validateReachability(p, stepIDs)...)

	// Liveness runs only on structurally clean graphs; routing issues
	// above would just echo here as phantom loops.
	if len(issues) == 0 {
		issues = append(issues, validateTermination(p)...)
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func validateStep(path string, step *Step, stepIDs map[string]struct{}) []Issue {
	issues := make([]Issue, 0)
	add := func(code, subpath, message string) {
		issues = append(issues, Issue{Code: code, Path: path + subpath, Message: message})
	}
	target := func(subpath, value string) {
		if value == "" || value == EndTarget {
			return
		}
		if _, ok := stepIDs[value]; !ok {
			add(CodeInvalidGotoTarget, subpath, fmt.Sprintf("target %q is not a step id", value))
		}
	}

	switch step.Type {
	case StepEnrichment, StepAction, StepNotification:
		if step.Connector == "" {
			add(CodeMissingConnector, ".connector_id", fmt.Sprintf("%s steps require a connector_id", step.Type))
		}
		if step.Action == "" {
			add(CodeMissingAction, ".action_type", fmt.Sprintf("%s steps require an action_type", step.Type))
		}

	case StepCondition:
		if step.Condition == nil || step.Condition.Field == "" || step.Condition.Operator == "" {
			add(CodeInvalidCondition, ".condition", "condition steps require field and operator")
		}
		if step.OnTrue == "" {
			add(CodeConditionMissingOnTrue, ".on_true", "condition steps require on_true")
		} else {
			target(".on_true", step.OnTrue)
		}
		if step.OnFalse == "" {
			add(CodeConditionMissingOnFalse, ".on_false", "condition steps require on_false")
		} else {
			target(".on_false", step.OnFalse)
		}

	case StepApproval:
		if len(step.Approvers) == 0 {
			add(CodeApprovalMissingApprovers, ".approvers", "approval steps require at least one approver")
		}
		if step.TimeoutHours <= 0 {
			add(CodeApprovalMissingTimeout, ".timeout_hours", "approval steps require timeout_hours > 0")
		}
		switch step.OnTimeout {
		case "":
			add(CodeApprovalMissingOnTimeout, ".on_timeout", "approval steps require on_timeout")
		case "fail", FailureContinue, FailureSkip, EndTarget:
		default:
			target(".on_timeout", step.OnTimeout)
		}
		if step.OnApproved != "" {
			target(".on_approved", step.OnApproved)
		}
		switch step.OnRejected {
		case "", "fail", FailureStop:
		default:
			target(".on_rejected", step.OnRejected)
		}

	case StepWait:
		if step.DurationSeconds <= 0 {
			add(CodeInvalidWaitDuration, ".duration_seconds", "wait steps require duration_seconds > 0")
		}

	default:
		add(CodeInvalidStepType, ".type",
			fmt.Sprintf("type %q must be one of: enrichment, condition, approval, action, notification, wait", step.Type))
	}

	if step.OnSuccess != nil {
		switch step.OnSuccess.Action {
		case TransitionContinue, TransitionEnd:
		case TransitionGoto:
			if step.OnSuccess.Target == "" {
				add(CodeInvalidGotoTarget, ".on_success.target", "goto requires a target")
			} else {
				target(".on_success.target", step.OnSuccess.Target)
			}
		default:
			add(CodeInvalidTransition, ".on_success.action",
				fmt.Sprintf("action %q must be one of: continue, end, goto", step.OnSuccess.Action))
		}
	}

	if step.OnFailure != nil {
		switch step.OnFailure.Action {
		case FailureStop, FailureContinue, FailureSkip:
		case FailureRetry:
			issues = append(issues, validateRetry(path+".on_failure.retry", step.OnFailure.Retry)...)
		default:
			add(CodeInvalidTransition, ".on_failure.action",
				fmt.Sprintf("action %q must be one of: stop, continue, skip, retry", step.OnFailure.Action))
		}
	}

	return issues
}

func validateRetry(path string, retry *RetryPolicy) []Issue {
	if retry == nil {
		return []Issue{{Code: CodeInvalidRetryPolicy, Path: path, Message: "retry requires a retry policy"}}
	}
	issues := make([]Issue, 0, 3)
	if retry.MaxAttempts < 1 || retry.MaxAttempts > 10 {
		issues = append(issues, Issue{Code: CodeInvalidRetryPolicy, Path: path + ".max_attempts",
			Message: "max_attempts must be between 1 and 10"})
	}
	if retry.BackoffSeconds < 0 {
		issues = append(issues, Issue{Code: CodeInvalidRetryPolicy, Path: path + ".backoff_seconds",
			Message: "backoff_seconds cannot be negative"})
	}
	if retry.Multiplier != 0 && (retry.Multiplier < 1 || retry.Multiplier > 5) {
		issues = append(issues, Issue{Code: CodeInvalidRetryPolicy, Path: path + ".multiplier",
			Message: "multiplier must be between 1 and 5"})
	}
	if retry.MaxBackoffSeconds < 0 {
		issues = append(issues, Issue{Code: CodeInvalidRetryPolicy, Path: path + ".max_backoff_seconds",
			Message: "max_backoff_seconds cannot be negative"})
	}
	return issues
}

// validateReachability walks every routing edge from the entry step and
// flags steps no path can reach.
func validateReachability(p *Playbook, stepIDs map[string]struct{}) []Issue {
	if len(p.Steps) == 0 || len(stepIDs) != len(p.Steps) {
		// Duplicate or invalid ids already reported; a walk over an
		// ambiguous graph would only produce noise.
		return nil
	}

	reached := make(map[string]bool, len(p.Steps))
	queue := []string{p.EntryStep()}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == "" || id == EndTarget || reached[id] {
			continue
		}
		step, ok := p.StepByID(id)
		if !ok {
			continue
		}
		reached[id] = true

		push := func(next string) {
			if next != "" && next != EndTarget && !reached[next] {
				queue = append(queue, next)
			}
		}

		switch step.Type {
		case StepCondition:
			push(step.OnTrue)
			push(step.OnFalse)
		case StepApproval:
			if step.OnApproved != "" {
				push(step.OnApproved)
			} else {
				push(p.NextDeclared(id))
			}
			// Timing out with skip completes the execution outright.
			switch step.OnTimeout {
			case "fail", EndTarget, "", FailureSkip:
			case FailureContinue:
				push(p.NextDeclared(id))
			default:
				push(step.OnTimeout)
			}
			switch step.OnRejected {
			case "", "fail", FailureStop:
			default:
				push(step.OnRejected)
			}
		default:
			t := step.SuccessTransition()
			switch t.Action {
			case TransitionGoto:
				push(t.Target)
			case TransitionContinue:
				push(p.NextDeclared(id))
			}
		}

		// Failure skip ends the execution, so only continue adds an edge.
		if step.FailureAction().Action == FailureContinue {
			push(p.NextDeclared(id))
		}
	}

	issues := make([]Issue, 0)
	for idx := range p.Steps {
		if !reached[p.Steps[idx].ID] {
			issues = append(issues, Issue{
				Code:    CodeUnreachableStep,
				Path:    fmt.Sprintf("steps[%d]", idx),
				Message: fmt.Sprintf("step %q cannot be reached from the entry step", p.Steps[idx].ID),
			})
		}
	}
	return issues
}

// validateTermination flags steps from which the end of the playbook
// cannot be reached over decision and success routing. A goto cycle
// with no exit would otherwise spin until the engine's dispatch cap
// fails the execution at runtime. Failure routing does not count as an
// exit: a playbook that only ends when a step breaks is defective.
func validateTermination(p *Playbook) []Issue {
	rev := make(map[string][]string, len(p.Steps))
	canEnd := make(map[string]bool, len(p.Steps))
	queue := make([]string, 0, len(p.Steps))

	for idx := range p.Steps {
		step := &p.Steps[idx]
		id := step.ID
		terminates := false
		edge := func(next string) {
			switch next {
			case "":
				// Missing routing was reported above.
			case EndTarget:
				terminates = true
			default:
				rev[next] = append(rev[next], id)
			}
		}
		declared := func() {
			if next := p.NextDeclared(id); next != "" {
				rev[next] = append(rev[next], id)
			} else {
				terminates = true
			}
		}

		switch step.Type {
		case StepCondition:
			edge(step.OnTrue)
			edge(step.OnFalse)
		case StepApproval:
			if step.OnApproved != "" {
				edge(step.OnApproved)
			} else {
				declared()
			}
			switch step.OnTimeout {
			case "fail", FailureSkip, EndTarget, "":
				terminates = true
			case FailureContinue:
				declared()
			default:
				edge(step.OnTimeout)
			}
			switch step.OnRejected {
			case "", "fail", FailureStop:
				terminates = true
			default:
				edge(step.OnRejected)
			}
		default:
			t := step.SuccessTransition()
			switch t.Action {
			case TransitionEnd:
				terminates = true
			case TransitionGoto:
				edge(t.Target)
			default:
				declared()
			}
		}

		if terminates {
			canEnd[id] = true
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, pred := range rev[id] {
			if !canEnd[pred] {
				canEnd[pred] = true
				queue = append(queue, pred)
			}
		}
	}

	issues := make([]Issue, 0)
	for idx := range p.Steps {
		if !canEnd[p.Steps[idx].ID] {
			issues = append(issues, Issue{
				Code:    CodeInescapableLoop,
				Path:    fmt.Sprintf("steps[%d]", idx),
				Message: fmt.Sprintf("step %q can never reach the end of the playbook", p.Steps[idx].ID),
			})
		}
	}
	return issues
}

func normalize(p *Playbook) {
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	p.Version = strings.TrimSpace(p.Version)
	p.Description = strings.TrimSpace(p.Description)

	for idx := range p.Steps {
		step := &p.Steps[idx]
		step.ID = strings.TrimSpace(step.ID)
		step.Type = strings.TrimSpace(strings.ToLower(step.Type))
		step.Name = strings.TrimSpace(step.Name)
		step.Connector = strings.TrimSpace(step.Connector)
		step.Action = strings.TrimSpace(step.Action)
		step.OnTrue = strings.TrimSpace(step.OnTrue)
		step.OnFalse = strings.TrimSpace(step.OnFalse)
		step.OnTimeout = strings.TrimSpace(step.OnTimeout)
		step.OnApproved = strings.TrimSpace(step.OnApproved)
		step.OnRejected = strings.TrimSpace(step.OnRejected)
		for i := range step.Approvers {
			step.Approvers[i] = strings.TrimSpace(step.Approvers[i])
		}
		if step.Condition != nil {
			step.Condition.Field = strings.TrimSpace(step.Condition.Field)
			step.Condition.Operator = strings.TrimSpace(step.Condition.Operator)
		}
	}
}
