/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the SOAR engine.
//
// Metric naming follows Prometheus conventions:
//   - soar_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var (
	// WebhooksAdmittedTotal counts deliveries that created an execution.
	WebhooksAdmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "soar_webhooks_admitted_total",
			Help: "Total webhook deliveries admitted into execution.",
		},
	)

	// WebhooksDroppedTotal counts deliveries dropped after admission checks.
	WebhooksDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soar_webhooks_dropped_total",
			Help: "Total webhook deliveries dropped, by reason.",
		},
		[]string{"reason"},
	)

	// SecurityRejectionsTotal counts deliveries refused by the security filter.
	SecurityRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soar_security_rejections_total",
			Help: "Total deliveries refused by the security filter, by code.",
		},
		[]string{"code"},
	)

	// IngestLatencySeconds is a histogram of webhook admission latency.
	IngestLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "soar_ingest_latency_seconds",
			Help:    "Latency from webhook receipt to execution creation.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// ExecutionsTotal counts executions reaching a terminal state.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soar_executions_total",
			Help: "Total executions by terminal state.",
		},
		[]string{"state"},
	)

	// ExecutionDurationSeconds is a histogram of execution wall time.
	ExecutionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "soar_execution_duration_seconds",
			Help:    "Duration of executions in seconds.",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 1800, 7200, 86400},
		},
	)

	// StepsTotal counts step completions by type and state.
	StepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soar_steps_total",
			Help: "Total step completions by step type and state.",
		},
		[]string{"type", "state"},
	)

	// StepDurationSeconds is a histogram of step wall time by type.
	StepDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "soar_step_duration_seconds",
			Help:    "Duration of step executions in seconds.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 5, 15, 60, 300},
		},
		[]string{"type"},
	)

	// StepRetriesTotal counts retry attempts across all steps.
	StepRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "soar_step_retries_total",
			Help: "Total step retry attempts.",
		},
	)

	// ApprovalDecisionsTotal counts approval outcomes.
	ApprovalDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soar_approval_decisions_total",
			Help: "Total approval outcomes (approved, rejected, timed_out).",
		},
		[]string{"decision"},
	)

	// SLABreachesTotal counts SLA breaches by reason.
	SLABreachesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soar_sla_breaches_total",
			Help: "Total SLA breaches by classified reason.",
		},
		[]string{"reason"},
	)

	// ConnectorInvocationsTotal counts connector calls by outcome.
	ConnectorInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soar_connector_invocations_total",
			Help: "Total connector invocations by connector and outcome.",
		},
		[]string{"connector", "outcome"},
	)

	// ConnectorLatencySeconds is a histogram of connector call latency.
	ConnectorLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "soar_connector_latency_seconds",
			Help:    "Latency of connector invocations in seconds.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"connector"},
	)

	// ActiveExecutions is the number of executions not yet terminal.
	ActiveExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "soar_active_executions",
			Help: "Number of executions currently executing or suspended.",
		},
	)

	// WaitingApprovals is the number of pending approval requests.
	WaitingApprovals = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "soar_waiting_approvals",
			Help: "Number of approval requests awaiting a decision.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WebhooksAdmittedTotal,
		WebhooksDroppedTotal,
		SecurityRejectionsTotal,
		IngestLatencySeconds,
		ExecutionsTotal,
		ExecutionDurationSeconds,
		StepsTotal,
		StepDurationSeconds,
		StepRetriesTotal,
		ApprovalDecisionsTotal,
		SLABreachesTotal,
		ConnectorInvocationsTotal,
		ConnectorLatencySeconds,
		ActiveExecutions,
		WaitingApprovals,
	)
}

// RecordWebhookAdmitted records an admitted delivery and its latency.
func RecordWebhookAdmitted(latency time.Duration) {
	WebhooksAdmittedTotal.Inc()
	IngestLatencySeconds.Observe(latency.Seconds())
}

// RecordWebhookDropped records a dropped delivery.
func RecordWebhookDropped(reason string) {
	WebhooksDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordSecurityRejection records a refused delivery.
func RecordSecurityRejection(code string) {
	SecurityRejectionsTotal.WithLabelValues(code).Inc()
}

// RecordExecutionComplete records a terminal execution.
func RecordExecutionComplete(state string, duration time.Duration) {
	ExecutionsTotal.WithLabelValues(state).Inc()
	ExecutionDurationSeconds.Observe(duration.Seconds())
}

// RecordStepComplete records a finished step.
func RecordStepComplete(stepType, state string, duration time.Duration) {
	StepsTotal.WithLabelValues(stepType, state).Inc()
	StepDurationSeconds.WithLabelValues(stepType).Observe(duration.Seconds())
}

// RecordStepRetry records a single retry attempt.
func RecordStepRetry() {
	StepRetriesTotal.Inc()
}

// RecordApprovalDecision records an approval outcome.
func RecordApprovalDecision(decision string) {
	ApprovalDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordSLABreach records a classified SLA breach.
func RecordSLABreach(reason string) {
	SLABreachesTotal.WithLabelValues(reason).Inc()
}

// RecordConnectorInvocation records one connector call.
func RecordConnectorInvocation(connector, outcome string, latency time.Duration) {
	ConnectorInvocationsTotal.WithLabelValues(connector, outcome).Inc()
	ConnectorLatencySeconds.WithLabelValues(connector).Observe(latency.Seconds())
}

// SecuritySummary aggregates the security-facing counters for the JSON
// form of GET /security/metrics.
type SecuritySummary struct {
	Admitted         uint64            `json:"admitted"`
	DroppedByReason  map[string]uint64 `json:"dropped_by_reason"`
	RejectedByCode   map[string]uint64 `json:"rejected_by_code"`
	ActiveExecutions int64             `json:"active_executions"`
	WaitingApprovals int64             `json:"waiting_approvals"`
}

// Summary gathers the default registry and folds the security counters
// into a JSON-friendly snapshot.
func Summary() (SecuritySummary, error) {
	s := SecuritySummary{
		DroppedByReason: make(map[string]uint64),
		RejectedByCode:  make(map[string]uint64),
	}
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return s, err
	}
	for _, f := range families {
		switch f.GetName() {
		case "soar_webhooks_admitted_total":
			s.Admitted = counterSum(f)
		case "soar_webhooks_dropped_total":
			counterByLabel(f, "reason", s.DroppedByReason)
		case "soar_security_rejections_total":
			counterByLabel(f, "code", s.RejectedByCode)
		case "soar_active_executions":
			s.ActiveExecutions = gaugeValue(f)
		case "soar_waiting_approvals":
			s.WaitingApprovals = gaugeValue(f)
		}
	}
	return s, nil
}

func counterSum(f *dto.MetricFamily) uint64 {
	var total float64
	for _, m := range f.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return uint64(total)
}

func counterByLabel(f *dto.MetricFamily, label string, out map[string]uint64) {
	for _, m := range f.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == label {
				out[l.GetValue()] += uint64(m.GetCounter().GetValue())
			}
		}
	}
}

func gaugeValue(f *dto.MetricFamily) int64 {
	for _, m := range f.GetMetric() {
		return int64(m.GetGauge().GetValue())
	}
	return 0
}
