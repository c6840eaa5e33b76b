/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cybersentinel/soar/internal/approval"
	"github.com/cybersentinel/soar/internal/connector"
	"github.com/cybersentinel/soar/internal/execution"
	"github.com/cybersentinel/soar/internal/metrics"
	"github.com/cybersentinel/soar/internal/playbook"
	"github.com/cybersentinel/soar/internal/resolver"
	"github.com/cybersentinel/soar/internal/sla"
	"github.com/cybersentinel/soar/internal/telemetry"
	"github.com/cybersentinel/soar/internal/trigger"
)

func (e *Engine) dispatch(ctx context.Context, exec *execution.Execution, pb *playbook.Playbook, step *playbook.Step, rec *execution.StepRecord) verdict {
	switch step.Type {
	case playbook.StepCondition:
		return e.runCondition(exec, pb, step, rec)
	case playbook.StepApproval:
		return e.runApproval(ctx, exec, pb, step, rec)
	case playbook.StepWait:
		return e.runWait(ctx, exec, pb, step, rec)
	default:
		return e.runConnectorStep(ctx, exec, pb, step, rec)
	}
}

// runConnectorStep dispatches enrichment, action, and notification
// steps. Inputs resolve before the shadow check so that shadow runs
// still surface MISSING_INPUT.
func (e *Engine) runConnectorStep(ctx context.Context, exec *execution.Execution, pb *playbook.Playbook, step *playbook.Step, rec *execution.StepRecord) verdict {
	env := buildEnv(exec, pb)
	inputs, err := resolver.ResolveInputs(step.ID, step.Input, step.RequiredInputs, env)
	if err != nil {
		// Resolution is deterministic within a run, so retry policies
		// fall through to their stop fallback instead of re-resolving.
		return e.stepFailure(exec, pb, step, rec, execution.Error{
			Code:    resolver.CodeMissingInput,
			Message: err.Error(),
		})
	}

	if exec.ShadowMode && step.Type == playbook.StepAction {
		e.finishStep(exec, rec, execution.StepSkipped, map[string]any{
			"skipped": true,
			"reason":  "shadow_mode",
			"would_execute": map[string]any{
				"connector": step.Connector,
				"action":    step.Action,
				"inputs":    inputs,
			},
		}, nil)
		return e.advance(exec, pb, step)
	}

	policy := step.FailureAction()
	retry := resolvedRetry{MaxAttempts: 1}
	if policy.Action == playbook.FailureRetry {
		retry = resolveRetry(policy.Retry)
	}

	var stepErr *execution.Error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		attemptStart := e.now().UTC()
		out, invokeErr := e.invoke(ctx, step, inputs)
		if invokeErr != nil && ctx.Err() != nil {
			// Cancel or shutdown interrupted the call; the outcome is
			// discarded, not recorded.
			return verdict{halted: true}
		}
		attemptEnd := e.now().UTC()
		attemptRec := execution.StepAttempt{
			Attempt:     attempt,
			StartedAt:   attemptStart,
			CompletedAt: &attemptEnd,
		}
		if invokeErr != nil {
			attemptRec.Error = invokeErr.Message
		}
		rec.Attempts = append(rec.Attempts, attemptRec)

		if invokeErr == nil {
			output := out
			if len(step.Project) > 0 {
				output = projectOutput(out, step.Project)
			}
			e.finishStep(exec, rec, execution.StepCompleted, output, nil)
			if step.Type == playbook.StepAction && exec.ContainmentAt == nil {
				at := e.now().UTC()
				exec.ContainmentAt = &at
				sla.RecordContainment(exec)
			}
			return e.advance(exec, pb, step)
		}

		stepErr = invokeErr
		if attempt == retry.MaxAttempts {
			break
		}
		exec.RecordTimeline(execution.EventStepRetry, step.ID,
			fmt.Sprintf("attempt %d/%d failed: %s", attempt, retry.MaxAttempts, invokeErr.Code), attemptEnd)
		metrics.RecordStepRetry()
		if !e.persist(ctx, exec) {
			return verdict{halted: true}
		}
		if err := e.sleep(ctx, retry.nextRetryDelay(attempt)); err != nil {
			return verdict{halted: true}
		}
	}
	return e.stepFailure(exec, pb, step, rec, *stepErr)
}

// runCondition evaluates the predicate and routes on_true/on_false.
// Conditions never fail the execution: an undefined field simply
// compares false (except exists/not_exists, which answer directly).
func (e *Engine) runCondition(exec *execution.Execution, pb *playbook.Playbook, step *playbook.Step, rec *execution.StepRecord) verdict {
	spec := step.Condition
	if spec == nil {
		return e.stepFailure(exec, pb, step, rec, execution.Error{
			Code:    resolver.CodeMissingInput,
			Message: fmt.Sprintf("condition step %s declares no predicate", step.ID),
		})
	}

	env := buildEnv(exec, pb)
	got, defined := resolver.Lookup(spec.Field, env)
	result := trigger.Compare(spec.Operator, got, defined, spec.Value)

	branch, next := "on_false", step.OnFalse
	if result {
		branch, next = "on_true", step.OnTrue
	}
	if next == "" {
		next = pb.NextDeclared(step.ID)
		if next == "" {
			next = playbook.EndTarget
		}
	}

	e.finishStep(exec, rec, execution.StepCompleted, map[string]any{
		"result":          result,
		"evaluated_value": got,
		"branch_taken":    branch,
		"next_step":       next,
	}, nil)
	return verdict{next: next}
}

// runApproval persists the approval request, parks the execution in
// WAITING_APPROVAL, and yields the worker. Nothing about the park is
// held in memory; Resume reloads everything from the stores.
func (e *Engine) runApproval(ctx context.Context, exec *execution.Execution, pb *playbook.Playbook, step *playbook.Step, rec *execution.StepRecord) verdict {
	_ = rec // stays EXECUTING until the decision lands

	env := buildEnv(exec, pb)
	timeout := time.Duration(step.TimeoutHours * float64(time.Hour))
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	now := e.now().UTC()
	a, err := e.approvals.Create(ctx, approval.Approval{
		ExecutionID: exec.ID,
		StepID:      step.ID,
		Approvers:   step.Approvers,
		Message:     resolver.Expand(step.Message, env),
		ExpiresAt:   now.Add(timeout),
	})
	if err != nil {
		e.logger.Error("create approval failed",
			zap.String("execution_id", exec.ID),
			zap.String("step_id", step.ID),
			zap.Error(err))
		return verdict{halted: true}
	}

	exec.State = execution.StateWaitingApproval
	exec.CurrentApprovalID = a.ID
	exec.RecordTimeline(execution.EventApprovalRequest, step.ID,
		fmt.Sprintf("waiting on %s until %s", strings.Join(a.Approvers, ", "), a.ExpiresAt.Format(time.RFC3339)), now)
	if !e.persist(ctx, exec) {
		return verdict{halted: true}
	}

	e.logger.Info("execution parked for approval",
		zap.String("execution_id", exec.ID),
		zap.String("approval_id", a.ID),
		zap.Time("expires_at", a.ExpiresAt))
	return verdict{parked: true}
}

func (e *Engine) runWait(ctx context.Context, exec *execution.Execution, pb *playbook.Playbook, step *playbook.Step, rec *execution.StepRecord) verdict {
	d := time.Duration(step.DurationSeconds * float64(time.Second))
	if err := e.sleep(ctx, d); err != nil {
		return verdict{halted: true}
	}
	e.finishStep(exec, rec, execution.StepCompleted, map[string]any{
		"waited_seconds": step.DurationSeconds,
	}, nil)
	return e.advance(exec, pb, step)
}

// stepFailure closes a failed step per its on_failure policy. Retry
// reaches here only exhausted, so it shares the stop arm.
func (e *Engine) stepFailure(exec *execution.Execution, pb *playbook.Playbook, step *playbook.Step, rec *execution.StepRecord, stepErr execution.Error) verdict {
	policy := step.FailureAction()
	switch policy.Action {
	case playbook.FailureContinue:
		e.finishStep(exec, rec, execution.StepFailed, nil, &stepErr)
		next := pb.NextDeclared(step.ID)
		if next == "" {
			next = playbook.EndTarget
		}
		return verdict{next: next}
	case playbook.FailureSkip:
		e.finishStep(exec, rec, execution.StepSkipped, nil, &stepErr)
		return verdict{next: playbook.EndTarget}
	default:
		e.finishStep(exec, rec, execution.StepFailed, nil, &stepErr)
		return verdict{failed: true, code: stepErr.Code, message: stepErr.Message}
	}
}

// invoke calls the connector under the step's wall clock budget and
// maps failures onto the step error taxonomy.
func (e *Engine) invoke(ctx context.Context, step *playbook.Step, inputs map[string]any) (map[string]any, *execution.Error) {
	timeout := e.stepTimeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds * float64(time.Second))
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stepCtx, span := telemetry.StartStepSpan(stepCtx, step.ID, step.Type, step.Connector, step.Action)
	out, err := e.connectors.Invoke(stepCtx, step.Connector, step.Action, inputs)
	if err == nil {
		telemetry.EndStepSpan(span, "completed")
		return out, nil
	}

	var stepErr *execution.Error
	switch {
	case errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		stepErr = &execution.Error{
			Code:    execution.CodeStepTimeout,
			Message: fmt.Sprintf("connector %s action %s exceeded %s", step.Connector, step.Action, timeout),
		}
	default:
		var invErr *connector.InvokeError
		if errors.As(err, &invErr) {
			stepErr = &execution.Error{Code: invErr.Code, Message: invErr.Error()}
		} else {
			stepErr = &execution.Error{Code: connector.CodeInvokeFailed, Message: err.Error()}
		}
	}
	telemetry.EndStepSpan(span, stepErr.Code)
	return nil, stepErr
}

// buildEnv assembles the reference sources visible to a step: trigger
// data, outputs of completed steps, and playbook metadata.
func buildEnv(exec *execution.Execution, pb *playbook.Playbook) resolver.Context {
	var payload map[string]any
	if len(exec.TriggerData) > 0 {
		_ = json.Unmarshal(exec.TriggerData, &payload)
	}
	outputs := make(map[string]map[string]any)
	for i := range exec.Steps {
		rec := &exec.Steps[i]
		if rec.State == execution.StepCompleted && rec.Output != nil {
			outputs[rec.StepID] = rec.Output
		}
	}
	return resolver.Context{
		TriggerData: payload,
		StepOutputs: outputs,
		Playbook: map[string]any{
			"id":          pb.ID,
			"name":        pb.Name,
			"version":     pb.Version,
			"description": pb.Description,
		},
	}
}

// projectOutput narrows a raw connector result to the declared keys.
// Paths that resolve to nothing are absent, not null.
func projectOutput(raw map[string]any, project map[string]string) map[string]any {
	out := make(map[string]any, len(project))
	for key, path := range project {
		if v, ok := trigger.Lookup(raw, path); ok {
			out[key] = v
		}
	}
	return out
}
