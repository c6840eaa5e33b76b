package sla

import (
	"time"

	"github.com/cybersentinel/soar/internal/execution"
	"github.com/cybersentinel/soar/internal/metrics"
)

// Attach copies the resolved policy's thresholds onto the execution.
// Happens once, at admission; later policy edits never rewrite the
// thresholds an execution was measured against.
func Attach(exec *execution.Execution, p *Policy) {
	if p == nil {
		return
	}
	exec.SLA = &execution.SLAStatus{
		PolicyID:               p.ID,
		AcknowledgeThresholdMs: p.Thresholds.AcknowledgeMs,
		ContainmentThresholdMs: p.Thresholds.ContainmentMs,
		ResolutionThresholdMs:  p.Thresholds.ResolutionMs,
	}
}

// RecordAcknowledge measures webhook_received_at to acknowledged_at and
// marks an acknowledge breach immediately. Called right after the
// execution row is inserted.
func RecordAcknowledge(exec *execution.Execution) {
	if exec.SLA == nil || exec.WebhookReceivedAt == nil || exec.AcknowledgedAt == nil {
		return
	}
	ms := exec.AcknowledgedAt.Sub(*exec.WebhookReceivedAt).Milliseconds()
	exec.SLA.AcknowledgeMs = &ms
	if exec.SLA.AcknowledgeThresholdMs > 0 && ms > exec.SLA.AcknowledgeThresholdMs {
		markBreach(exec, DimensionAcknowledge)
	}
}

// RecordContainment measures admission to containment_at. The engine
// sets containment_at the first time an action step completes for real
// (shadow-suppressed actions do not contain anything).
func RecordContainment(exec *execution.Execution) {
	if exec.SLA == nil || exec.WebhookReceivedAt == nil || exec.ContainmentAt == nil {
		return
	}
	if exec.SLA.ContainmentMs != nil {
		return
	}
	ms := exec.ContainmentAt.Sub(*exec.WebhookReceivedAt).Milliseconds()
	exec.SLA.ContainmentMs = &ms
	if exec.SLA.ContainmentThresholdMs > 0 && ms > exec.SLA.ContainmentThresholdMs {
		markBreach(exec, DimensionContainment)
	}
}

// Finalize measures admission to terminal state. Called exactly once,
// when the engine lands the execution in COMPLETED or FAILED.
func Finalize(exec *execution.Execution) {
	if exec.SLA == nil || exec.WebhookReceivedAt == nil || exec.CompletedAt == nil {
		return
	}
	ms := exec.CompletedAt.Sub(*exec.WebhookReceivedAt).Milliseconds()
	exec.SLA.ResolutionMs = &ms
	if exec.SLA.ResolutionThresholdMs > 0 && ms > exec.SLA.ResolutionThresholdMs {
		markBreach(exec, DimensionResolution)
	}
}

func markBreach(exec *execution.Execution, dimension string) {
	for _, d := range exec.SLA.BreachedThresholds {
		if d == dimension {
			return
		}
	}
	exec.SLA.BreachedThresholds = append(exec.SLA.BreachedThresholds, dimension)
	exec.SLA.Breached = true
	if exec.SLA.BreachReason == "" {
		exec.SLA.BreachReason = classifyBreach(exec)
	}
	metrics.RecordSLABreach(exec.SLA.BreachReason)
}

// classifyBreach picks the most likely cause, checked in a fixed order:
// a failed step points at the automation itself, a long approval wait at
// the humans, step timeouts at the connector's dependency, and anything
// left is the engine lagging under load.
func classifyBreach(exec *execution.Execution) string {
	for i := range exec.Steps {
		if exec.Steps[i].State == execution.StepFailed {
			return ReasonAutomationFailure
		}
	}
	if exec.WaitingApprovalMs > 0 {
		if elapsed := elapsedMs(exec); elapsed > 0 && exec.WaitingApprovalMs*2 > elapsed {
			return ReasonManualInterventionDelay
		}
	}
	for i := range exec.Steps {
		if exec.Steps[i].Error != nil && exec.Steps[i].Error.Code == execution.CodeStepTimeout {
			return ReasonExternalDependencyDelay
		}
	}
	return ReasonResourceExhaustion
}

// elapsedMs is the execution's wall time so far: to completion when
// terminal, else to the last persisted update.
func elapsedMs(exec *execution.Execution) int64 {
	end := exec.UpdatedAt
	if exec.CompletedAt != nil {
		end = *exec.CompletedAt
	}
	if exec.StartedAt.IsZero() || end.Before(exec.StartedAt) {
		return 0
	}
	return end.Sub(exec.StartedAt).Milliseconds()
}

// Report aggregates response-time numbers over a set of executions.
// Means are computed only over executions that reached the milestone.
type Report struct {
	Executions int `json:"executions"`
	WithPolicy int `json:"with_policy"`
	Breached   int `json:"breached"`

	MeanAcknowledgeMs int64 `json:"mean_acknowledge_ms,omitempty"`
	MeanContainmentMs int64 `json:"mean_containment_ms,omitempty"`
	MeanResolutionMs  int64 `json:"mean_resolution_ms,omitempty"`

	BreachesByReason    map[string]int `json:"breaches_by_reason,omitempty"`
	BreachesByDimension map[string]int `json:"breaches_by_dimension,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
}

// BuildReport computes MTTA, MTTC, and MTTR over the given executions.
func BuildReport(execs []*execution.Execution, now time.Time) Report {
	r := Report{
		Executions:          len(execs),
		BreachesByReason:    make(map[string]int),
		BreachesByDimension: make(map[string]int),
		GeneratedAt:         now.UTC(),
	}
	var ackSum, ackN, cntSum, cntN, resSum, resN int64
	for i := range execs {
		sla := execs[i].SLA
		if sla == nil {
			continue
		}
		r.WithPolicy++
		if sla.AcknowledgeMs != nil {
			ackSum += *sla.AcknowledgeMs
			ackN++
		}
		if sla.ContainmentMs != nil {
			cntSum += *sla.ContainmentMs
			cntN++
		}
		if sla.ResolutionMs != nil {
			resSum += *sla.ResolutionMs
			resN++
		}
		if sla.Breached {
			r.Breached++
			if sla.BreachReason != "" {
				r.BreachesByReason[sla.BreachReason]++
			}
			for _, d := range sla.BreachedThresholds {
				r.BreachesByDimension[d]++
			}
		}
	}
	if ackN > 0 {
		r.MeanAcknowledgeMs = ackSum / ackN
	}
	if cntN > 0 {
		r.MeanContainmentMs = cntSum / cntN
	}
	if resN > 0 {
		r.MeanResolutionMs = resSum / resN
	}
	return r
}
