package playbook

import (
	"errors"
	"testing"
)

func TestValidateAcceptsContainmentPlaybook(t *testing.T) {
	p := containmentFixture()

	if err := Validate(&p); err != nil {
		t.Fatalf("expected valid playbook, got err=%v", err)
	}
	if p.Steps[0].Type != StepCondition {
		t.Fatalf("expected normalized step type, got %q", p.Steps[0].Type)
	}
}

func TestValidateCollectsEveryIssue(t *testing.T) {
	p := Playbook{
		Version: "not-a-version",
		Steps: []Step{
			{ID: "first", Type: "teleport"},
			{ID: "first", Type: StepAction},
		},
	}

	err := Validate(&p)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	for _, code := range []string{
		CodeMissingPlaybookID,
		CodeMissingPlaybookName,
		CodeInvalidVersion,
		CodeInvalidStepType,
		CodeDuplicateStepIDs,
	} {
		if !hasIssue(verr, code) {
			t.Fatalf("expected issue %s, got %+v", code, verr.Issues)
		}
	}
}

func TestValidateConnectorSteps(t *testing.T) {
	for _, typ := range []string{StepEnrichment, StepAction, StepNotification} {
		p := containmentFixture()
		p.Steps[1].Type = typ
		p.Steps[1].Connector = ""
		p.Steps[1].Action = ""
		verr := asValidation(t, Validate(&p))
		if !hasIssue(verr, CodeMissingConnector) || !hasIssue(verr, CodeMissingAction) {
			t.Fatalf("%s: expected connector and action issues, got %+v", typ, verr.Issues)
		}
	}

	p := containmentFixture()
	p.Steps[1].Type = StepEnrichment
	if err := Validate(&p); err != nil {
		t.Fatalf("expected enrichment step to validate like an action, got %v", err)
	}
}

func TestValidateStepIDPattern(t *testing.T) {
	for _, id := range []string{"Isolate", "9step", "iso-late", "iso late"} {
		p := containmentFixture()
		p.Steps[1].ID = id
		err := Validate(&p)
		if err == nil {
			t.Fatalf("expected step id %q to be rejected", id)
		}
		if !hasIssue(asValidation(t, err), CodeInvalidStepID) {
			t.Fatalf("expected INVALID_STEP_ID for %q, got %v", id, err)
		}
	}

	p := containmentFixture()
	p.Steps[1].ID = "isolate_host_v2"
	fixTargets(&p, "isolate_host", "isolate_host_v2")
	if err := Validate(&p); err != nil {
		t.Fatalf("expected snake_case id to pass, got %v", err)
	}
}

func TestValidateConditionRouting(t *testing.T) {
	p := containmentFixture()
	p.Steps[0].OnTrue = ""
	p.Steps[0].OnFalse = ""
	err := Validate(&p)
	verr := asValidation(t, err)
	if !hasIssue(verr, CodeConditionMissingOnTrue) || !hasIssue(verr, CodeConditionMissingOnFalse) {
		t.Fatalf("expected both condition routing issues, got %+v", verr.Issues)
	}

	p = containmentFixture()
	p.Steps[0].OnTrue = "no_such_step"
	if !hasIssue(asValidation(t, Validate(&p)), CodeInvalidGotoTarget) {
		t.Fatal("expected INVALID_GOTO_TARGET for unknown on_true")
	}

	p = containmentFixture()
	p.Steps[0].OnFalse = EndTarget
	if err := Validate(&p); err != nil {
		t.Fatalf("expected %s to be a legal routing target, got %v", EndTarget, err)
	}
}

func TestValidateApprovalRequirements(t *testing.T) {
	p := containmentFixture()
	p.Steps[2].Approvers = nil
	p.Steps[2].TimeoutHours = 0
	p.Steps[2].OnTimeout = ""

	verr := asValidation(t, Validate(&p))
	for _, code := range []string{
		CodeApprovalMissingApprovers,
		CodeApprovalMissingTimeout,
		CodeApprovalMissingOnTimeout,
	} {
		if !hasIssue(verr, code) {
			t.Fatalf("expected %s, got %+v", code, verr.Issues)
		}
	}

	p = containmentFixture()
	p.Steps[2].OnTimeout = "missing_step"
	if !hasIssue(asValidation(t, Validate(&p)), CodeInvalidGotoTarget) {
		t.Fatal("expected INVALID_GOTO_TARGET for unknown on_timeout step")
	}
}

func TestValidateRetryBounds(t *testing.T) {
	cases := []RetryPolicy{
		{MaxAttempts: 0, BackoffSeconds: 1},
		{MaxAttempts: 11, BackoffSeconds: 1},
		{MaxAttempts: 3, BackoffSeconds: -1},
		{MaxAttempts: 3, BackoffSeconds: 1, Multiplier: 0.5},
		{MaxAttempts: 3, BackoffSeconds: 1, Multiplier: 6},
	}
	for i, rp := range cases {
		p := containmentFixture()
		retry := rp
		p.Steps[1].OnFailure = &FailurePolicy{Action: FailureRetry, Retry: &retry}
		if !hasIssue(asValidation(t, Validate(&p)), CodeInvalidRetryPolicy) {
			t.Fatalf("case %d: expected INVALID_RETRY_POLICY for %+v", i, rp)
		}
	}

	p := containmentFixture()
	p.Steps[1].OnFailure = &FailurePolicy{Action: FailureRetry,
		Retry: &RetryPolicy{MaxAttempts: 5, BackoffSeconds: 2, Multiplier: 2, MaxBackoffSeconds: 60}}
	if err := Validate(&p); err != nil {
		t.Fatalf("expected in-bounds retry to pass, got %v", err)
	}

	p = containmentFixture()
	p.Steps[1].OnFailure = &FailurePolicy{Action: FailureRetry}
	if !hasIssue(asValidation(t, Validate(&p)), CodeInvalidRetryPolicy) {
		t.Fatal("expected INVALID_RETRY_POLICY when retry config is absent")
	}
}

func TestValidateUnreachableStep(t *testing.T) {
	p := containmentFixture()
	p.Steps = append(p.Steps, Step{
		ID:        "orphan",
		Type:      StepAction,
		Connector: "chat",
		Action:    "post_message",
	})

	verr := asValidation(t, Validate(&p))
	if !hasIssue(verr, CodeUnreachableStep) {
		t.Fatalf("expected UNREACHABLE_STEP, got %+v", verr.Issues)
	}
}

func TestValidateInescapableLoop(t *testing.T) {
	p := Playbook{
		ID:      "PB-spin",
		Name:    "endless rescan",
		Version: "1.0.0",
		Steps: []Step{
			{ID: "scan", Type: StepEnrichment, Connector: "edr", Action: "geoip",
				OnSuccess: &Transition{Action: TransitionGoto, Target: "rescore"}},
			{ID: "rescore", Type: StepEnrichment, Connector: "edr", Action: "geoip",
				OnSuccess: &Transition{Action: TransitionGoto, Target: "scan"}},
		},
	}
	verr := asValidation(t, Validate(&p))
	if !hasIssue(verr, CodeInescapableLoop) {
		t.Fatalf("expected INESCAPABLE_LOOP, got %+v", verr.Issues)
	}

	// A cycle with a condition exit is a legal polling loop.
	p = Playbook{
		ID:      "PB-poll",
		Name:    "poll until contained",
		Version: "1.0.0",
		Steps: []Step{
			{ID: "check_status", Type: StepCondition,
				Condition: &ConditionSpec{Field: "steps.rescan.output.done", Operator: "equals", Value: true},
				OnTrue:    EndTarget,
				OnFalse:   "rescan"},
			{ID: "rescan", Type: StepEnrichment, Connector: "edr", Action: "geoip",
				OnSuccess: &Transition{Action: TransitionGoto, Target: "check_status"}},
		},
	}
	if err := Validate(&p); err != nil {
		t.Fatalf("expected polling loop with an exit to validate, got %v", err)
	}
}

func TestValidateGotoOnSuccess(t *testing.T) {
	p := containmentFixture()
	p.Steps[3].OnSuccess = &Transition{Action: TransitionGoto}
	if !hasIssue(asValidation(t, Validate(&p)), CodeInvalidGotoTarget) {
		t.Fatal("expected INVALID_GOTO_TARGET for goto without target")
	}

	p = containmentFixture()
	p.Steps[3].OnSuccess = &Transition{Action: "jump", Target: "notify_team"}
	if !hasIssue(asValidation(t, Validate(&p)), CodeInvalidTransition) {
		t.Fatal("expected INVALID_TRANSITION for unknown on_success action")
	}
}

func containmentFixture() Playbook {
	return Playbook{
		ID:      "PB-critical-containment",
		Name:    "Critical host containment",
		Version: "1.2.0",
		Enabled: true,
		Steps: []Step{
			{
				ID:   "check_severity",
				Type: " CONDITION ",
				Condition: &ConditionSpec{
					Field:    "trigger_data.severity",
					Operator: "equals",
					Value:    "critical",
				},
				OnTrue:  "isolate_host",
				OnFalse: "notify_team",
			},
			{
				ID:        "isolate_host",
				Type:      StepAction,
				Connector: "edr",
				Action:    "isolate_host",
				Input:     map[string]any{"host": "{{trigger_data.host}}"},
				OnFailure: &FailurePolicy{Action: FailureRetry,
					Retry: &RetryPolicy{MaxAttempts: 3, BackoffSeconds: 2, Multiplier: 2, MaxBackoffSeconds: 30}},
			},
			{
				ID:           "approve_block",
				Type:         StepApproval,
				Approvers:    []string{"soc-lead@corp.example"},
				TimeoutHours: 4,
				OnTimeout:    "fail",
				OnRejected:   "fail",
			},
			{
				ID:        "block_ip",
				Type:      StepAction,
				Connector: "firewall",
				Action:    "block_ip",
				Input:     map[string]any{"ip": "{{trigger_data.source_ip}}"},
				OnSuccess: &Transition{Action: TransitionGoto, Target: "notify_team"},
			},
			{
				ID:        "notify_team",
				Type:      StepNotification,
				Connector: "chat",
				Action:    "post_message",
				Input:     map[string]any{"channel": "#soc", "text": "containment finished"},
				OnSuccess: &Transition{Action: TransitionEnd},
			},
		},
	}
}

func asValidation(t *testing.T, err error) *ValidationError {
	t.Helper()
	if err == nil {
		t.Fatal("expected validation error")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	return verr
}

func hasIssue(verr *ValidationError, code string) bool {
	for _, issue := range verr.Issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

func fixTargets(p *Playbook, from, to string) {
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.OnTrue == from {
			s.OnTrue = to
		}
		if s.OnFalse == from {
			s.OnFalse = to
		}
		if s.OnSuccess != nil && s.OnSuccess.Target == from {
			s.OnSuccess.Target = to
		}
	}
}
