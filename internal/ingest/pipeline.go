/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package ingest admits webhook deliveries into the execution engine.
// A delivery passes the security filter, webhook authentication,
// trigger evaluation, normalization and dedup before an execution
// record is created and submitted. Each stage either advances the
// delivery or settles it with a terminal outcome.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cybersentinel/soar/internal/audit"
	"github.com/cybersentinel/soar/internal/execution"
	"github.com/cybersentinel/soar/internal/ident"
	"github.com/cybersentinel/soar/internal/metrics"
	"github.com/cybersentinel/soar/internal/normalize"
	"github.com/cybersentinel/soar/internal/playbook"
	"github.com/cybersentinel/soar/internal/security"
	"github.com/cybersentinel/soar/internal/sla"
	"github.com/cybersentinel/soar/internal/telemetry"
	"github.com/cybersentinel/soar/internal/trigger"
	"github.com/cybersentinel/soar/internal/webhook"
)

// Outcome statuses.
const (
	StatusAccepted = "accepted"
	StatusDropped  = "dropped"
	StatusRejected = "rejected"
)

// Drop reasons. A drop is a valid request the pipeline declined to act
// on; the sender gets a 200 and should not retry.
const (
	DropNoMatch          = "matching_rules_not_satisfied"
	DropDuplicate        = "duplicate_fingerprint"
	DropPlaybookDisabled = "playbook_disabled"
	DropTriggerDisabled  = "trigger_disabled"
	DropSchemaInvalid    = "schema_validation_failed"
)

// ReasonInvalidPayload rejects bodies that are not JSON objects.
const ReasonInvalidPayload = "invalid_payload"

var (
	// ErrPlaybookNotFound reports a manual trigger against an unknown id.
	ErrPlaybookNotFound = errors.New("playbook not found")

	// ErrPlaybookDisabled reports a manual trigger against a playbook
	// an operator has switched off.
	ErrPlaybookDisabled = errors.New("playbook disabled")
)

// Delivery is one inbound webhook request, already read off the wire.
type Delivery struct {
	WebhookID string
	SourceIP  string
	Body      []byte

	// Secret is the shared secret presented by the sender, from the
	// X-Webhook-Secret header or the ?secret= query parameter.
	Secret string

	// Timestamp and Signature carry the optional HMAC pair from
	// X-CyberSentinel-Timestamp and X-CyberSentinel-Signature.
	Timestamp string
	Signature string

	// Arrival defaults to the pipeline clock when zero.
	Arrival time.Time
}

// ManualRequest fires a playbook outside the webhook path.
type ManualRequest struct {
	PlaybookID    string
	TriggerData   json.RawMessage
	BypassTrigger bool
	Actor         string

	// Source is execution.SourceManual unless the scheduler is calling.
	Source string
}

// Outcome is the settled verdict for one delivery.
type Outcome struct {
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	PlaybookID  string `json:"playbook_id,omitempty"`
	TriggerID   string `json:"trigger_id,omitempty"`
	LatencyMs   int64  `json:"latency_ms"`

	// Trusted marks deliveries from a source on the filter's trust
	// list, which skipped every filter check on the way in.
	Trusted bool `json:"trusted,omitempty"`

	// Reject carries the security filter verdict when Status is
	// rejected by the filter; nil for payload-shape rejections.
	Reject *security.RejectError `json:"-"`
}

// Submitter hands admitted executions to the engine.
type Submitter interface {
	Submit(executionID string) bool
}

// Recorder lands pipeline outcomes in the audit trail.
type Recorder interface {
	Record(evt audit.Event)
}

// Options tunes pipeline behavior.
type Options struct {
	// ShadowMode forces every admitted execution into shadow mode
	// regardless of the playbook flag.
	ShadowMode bool
}

// Pipeline wires the admission stages together.
type Pipeline struct {
	filter     *security.Filter
	auth       *webhook.Authenticator
	webhooks   *webhook.Store
	triggers   *trigger.Store
	playbooks  *playbook.Store
	executions *execution.Store
	policies   *sla.Store
	engine     Submitter
	trail      Recorder
	shadowAll  bool
	logger     *zap.Logger

	now func() time.Time
}

// NewPipeline assembles the admission pipeline. trail may be nil.
func NewPipeline(
	filter *security.Filter,
	auth *webhook.Authenticator,
	webhooks *webhook.Store,
	triggers *trigger.Store,
	playbooks *playbook.Store,
	executions *execution.Store,
	policies *sla.Store,
	eng Submitter,
	trail Recorder,
	opts Options,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		filter:     filter,
		auth:       auth,
		webhooks:   webhooks,
		triggers:   triggers,
		playbooks:  playbooks,
		executions: executions,
		policies:   policies,
		engine:     eng,
		trail:      trail,
		shadowAll:  opts.ShadowMode,
		logger:     logger.With(zap.String("component", "ingest")),
		now:        time.Now,
	}
}

// Deliver runs one webhook delivery through the full admission pipeline.
// Authentication failures surface as webhook.ErrNotFound or
// webhook.ErrInvalidSecret; any other non-nil error is internal.
func (p *Pipeline) Deliver(ctx context.Context, d Delivery) (Outcome, error) {
	ctx, span := telemetry.StartDeliverySpan(ctx, d.WebhookID, d.SourceIP)
	out, err := p.deliver(ctx, d)
	if err != nil {
		telemetry.EndDeliverySpan(span, "error", err.Error())
		return out, err
	}
	out.Trusted = p.filter.Trusted(d.SourceIP)
	telemetry.EndDeliverySpan(span, out.Status, out.Reason)
	return out, nil
}

func (p *Pipeline) deliver(ctx context.Context, d Delivery) (Outcome, error) {
	arrival := d.Arrival
	if arrival.IsZero() {
		arrival = p.now().UTC()
	}

	// 1. Source throttling: sliding rate window, burst window, blocks.
	rej, err := p.filter.CheckSource(ctx, d.SourceIP)
	if err != nil {
		return Outcome{}, err
	}
	if rej != nil {
		return p.rejected(rej, arrival), nil
	}

	// 2. Webhook identity and shared-secret authentication.
	wh, err := p.auth.Resolve(d.WebhookID)
	if err != nil {
		return Outcome{}, p.authFailure(d, err)
	}
	if err := p.auth.Authenticate(wh, d.Secret); err != nil {
		return Outcome{}, p.authFailure(d, err)
	}

	// 3. Replay protection and optional HMAC verification.
	rej, err = p.filter.CheckDelivery(ctx, d.SourceIP, wh.ID, d.Body, d.Timestamp, d.Signature, wh.Secret)
	if err != nil {
		return Outcome{}, err
	}
	if rej != nil {
		return p.rejected(rej, arrival), nil
	}

	// 4. Payload decode. Executions keep the original bytes; the
	// decoded form only feeds evaluation and normalization.
	var payload map[string]any
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		p.logger.Debug("delivery body is not a JSON object",
			zap.String("webhook_id", wh.ID), zap.String("source_ip", d.SourceIP))
		metrics.RecordSecurityRejection(strings.ToUpper(ReasonInvalidPayload))
		p.record(audit.Event{
			Type:      audit.EventDeliveryRejected,
			SourceIP:  d.SourceIP,
			WebhookID: wh.ID,
			Summary:   "payload is not a JSON object",
		})
		return Outcome{Status: StatusRejected, Reason: ReasonInvalidPayload, LatencyMs: p.since(arrival)}, nil
	}

	// 5. Optional payload schema.
	if schema, err := p.webhooks.SchemaFor(wh); err != nil {
		p.logger.Warn("payload schema failed to compile",
			zap.String("webhook_id", wh.ID), zap.Error(err))
		return p.dropped(d, wh.ID, DropSchemaInvalid, arrival), nil
	} else if schema != nil {
		if err := schema.Validate(payload); err != nil {
			return p.dropped(d, wh.ID, DropSchemaInvalid, arrival), nil
		}
	}

	// 6. Trigger evaluation, declared order, first match wins. A
	// disabled trigger still claims its match so deliveries never leak
	// past an operator's off switch to a later trigger.
	var matched *trigger.Trigger
	for _, t := range p.triggers.ListByWebhook(wh.ID) {
		if trigger.Evaluate(t, payload) {
			matched = &t
			break
		}
	}
	if matched == nil {
		return p.dropped(d, wh.ID, DropNoMatch, arrival), nil
	}
	if !matched.Enabled {
		return p.dropped(d, wh.ID, DropTriggerDisabled, arrival), nil
	}

	// 7. Target playbook must exist and be switched on.
	pb, err := p.playbooks.Get(ctx, matched.PlaybookID, "")
	if errors.Is(err, playbook.ErrNotFound) {
		p.logger.Warn("trigger points at a missing playbook",
			zap.String("trigger_id", matched.ID), zap.String("playbook_id", matched.PlaybookID))
		return p.dropped(d, wh.ID, DropPlaybookDisabled, arrival), nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if !pb.Enabled {
		return p.dropped(d, wh.ID, DropPlaybookDisabled, arrival), nil
	}

	// 8. Normalization and dedup.
	norm := normalize.Normalize(wh.ID, payload, arrival)
	if existing, found, err := p.executions.FindByFingerprint(ctx, norm.Fingerprint); err != nil {
		return Outcome{}, err
	} else if found {
		p.logger.Debug("duplicate delivery",
			zap.String("webhook_id", wh.ID),
			zap.String("fingerprint", norm.Fingerprint),
			zap.String("existing_execution_id", existing))
		return p.dropped(d, wh.ID, DropDuplicate, arrival), nil
	}

	// 9. Flood admission. Runs last so counters only move for
	// deliveries that are about to become executions.
	rej, err = p.filter.AdmitFlood(ctx, d.SourceIP, pb.ID, wh.ID, wh.RateLimitPerMinute)
	if err != nil {
		return Outcome{}, err
	}
	if rej != nil {
		return p.rejected(rej, arrival), nil
	}

	// 10. Durable execution record, then hand off to the engine.
	exec := p.newExecution(&pb, &wh, matched, d.Body, norm, arrival)
	if err := p.executions.Save(ctx, exec); err != nil {
		return Outcome{}, fmt.Errorf("inserting execution: %w", err)
	}
	if err := p.webhooks.RecordDelivery(ctx, wh.ID); err != nil {
		p.logger.Warn("recording delivery stats", zap.String("webhook_id", wh.ID), zap.Error(err))
	}
	p.engine.Submit(exec.ID)

	latency := p.since(arrival)
	metrics.RecordWebhookAdmitted(time.Duration(latency) * time.Millisecond)
	p.record(audit.Event{
		Type:        audit.EventDeliveryAccepted,
		SourceIP:    d.SourceIP,
		WebhookID:   wh.ID,
		ExecutionID: exec.ID,
		Actor:       "webhook:" + wh.ID,
		Summary:     fmt.Sprintf("admitted as %s via trigger %s", exec.ID, matched.ID),
	})
	p.logger.Info("delivery admitted",
		zap.String("webhook_id", wh.ID),
		zap.String("execution_id", exec.ID),
		zap.String("playbook_id", pb.ID),
		zap.String("trigger_id", matched.ID),
		zap.Int64("latency_ms", latency))

	return Outcome{
		Status:      StatusAccepted,
		ExecutionID: exec.ID,
		PlaybookID:  pb.ID,
		TriggerID:   matched.ID,
		LatencyMs:   latency,
	}, nil
}

// Trigger fires a playbook directly, for operators and the scheduler.
// Dedup is skipped: an explicit run request is never a duplicate.
func (p *Pipeline) Trigger(ctx context.Context, req ManualRequest) (Outcome, error) {
	arrival := p.now().UTC()
	source := req.Source
	if source == "" {
		source = execution.SourceManual
	}

	pb, err := p.playbooks.Get(ctx, req.PlaybookID, "")
	if errors.Is(err, playbook.ErrNotFound) {
		return Outcome{}, ErrPlaybookNotFound
	}
	if err != nil {
		return Outcome{}, err
	}
	if !pb.Enabled {
		return Outcome{}, ErrPlaybookDisabled
	}

	body := req.TriggerData
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return Outcome{Status: StatusRejected, Reason: ReasonInvalidPayload, LatencyMs: p.since(arrival)}, nil
	}

	var matched *trigger.Trigger
	if !req.BypassTrigger {
		for _, t := range p.triggers.List() {
			if t.PlaybookID != pb.ID {
				continue
			}
			if trigger.Evaluate(t, payload) {
				matched = &t
				break
			}
		}
		if matched == nil {
			metrics.RecordWebhookDropped(DropNoMatch)
			return Outcome{Status: StatusDropped, Reason: DropNoMatch, LatencyMs: p.since(arrival)}, nil
		}
		if !matched.Enabled {
			metrics.RecordWebhookDropped(DropTriggerDisabled)
			return Outcome{Status: StatusDropped, Reason: DropTriggerDisabled, LatencyMs: p.since(arrival)}, nil
		}
	}

	norm := normalize.Normalize("", payload, arrival)
	exec := p.newExecution(&pb, nil, matched, body, norm, arrival)
	exec.Source = source
	exec.Actor = req.Actor

	if err := p.executions.Save(ctx, exec); err != nil {
		return Outcome{}, fmt.Errorf("inserting execution: %w", err)
	}
	p.engine.Submit(exec.ID)

	evtType := audit.EventExecutionTriggered
	if source == execution.SourceSchedule {
		evtType = audit.EventScheduleFired
	}
	p.record(audit.Event{
		Type:        evtType,
		ExecutionID: exec.ID,
		Actor:       req.Actor,
		Summary:     fmt.Sprintf("playbook %s fired by %s", pb.ID, source),
	})
	p.logger.Info("execution triggered",
		zap.String("execution_id", exec.ID),
		zap.String("playbook_id", pb.ID),
		zap.String("source", source),
		zap.String("actor", req.Actor))

	out := Outcome{
		Status:      StatusAccepted,
		ExecutionID: exec.ID,
		PlaybookID:  pb.ID,
		LatencyMs:   p.since(arrival),
	}
	if matched != nil {
		out.TriggerID = matched.ID
	}
	return out, nil
}

func (p *Pipeline) newExecution(
	pb *playbook.Playbook,
	wh *webhook.Webhook,
	t *trigger.Trigger,
	body []byte,
	norm normalize.Normalized,
	arrival time.Time,
) *execution.Execution {
	now := p.now().UTC()

	exec := &execution.Execution{
		ID:              ident.ExecutionID(now),
		CaseID:          ident.CaseID(now),
		State:           execution.StateExecuting,
		PlaybookID:      pb.ID,
		PlaybookVersion: pb.Version,
		PlaybookName:    pb.Name,
		ShadowMode:      pb.ShadowMode || p.shadowAll,
		Source:          execution.SourceWebhook,
		Severity:        severityOf(norm.Identity),
		EventTime:       norm.EventTime,
		EventTimeSource: norm.EventTimeSource,
		TriggerData:     json.RawMessage(body),
		AcknowledgedAt:  &now,
		StartedAt:       now,
	}
	if wh != nil {
		// Dedup and acknowledge latency only make sense for deliveries
		// that actually arrived over a webhook.
		recv := arrival.UTC()
		exec.WebhookID = wh.ID
		exec.Fingerprint = norm.Fingerprint
		exec.WebhookReceivedAt = &recv
	}
	if t != nil {
		exec.TriggerID = t.ID
		snap := t.Snapshot()
		exec.TriggerSnapshot = &snap
	}

	exec.RecordTimeline(execution.EventCreated, "",
		fmt.Sprintf("execution created for playbook %s", pb.ID), now)

	sla.Attach(exec, p.policies.Resolve(pb.ID, exec.Severity))
	sla.RecordAcknowledge(exec)
	return exec
}

// rejected wraps a filter verdict. The filter already recorded the
// security event and metric when it rejected.
func (p *Pipeline) rejected(rej *security.RejectError, arrival time.Time) Outcome {
	return Outcome{
		Status:    StatusRejected,
		Reason:    rej.Code,
		Reject:    rej,
		LatencyMs: p.since(arrival),
	}
}

func (p *Pipeline) dropped(d Delivery, webhookID, reason string, arrival time.Time) Outcome {
	metrics.RecordWebhookDropped(reason)
	p.record(audit.Event{
		Type:      audit.EventDeliveryDropped,
		SourceIP:  d.SourceIP,
		WebhookID: webhookID,
		Summary:   reason,
	})
	p.logger.Debug("delivery dropped",
		zap.String("webhook_id", webhookID),
		zap.String("source_ip", d.SourceIP),
		zap.String("reason", reason))
	return Outcome{Status: StatusDropped, Reason: reason, LatencyMs: p.since(arrival)}
}

func (p *Pipeline) authFailure(d Delivery, err error) error {
	code := "UNKNOWN_WEBHOOK"
	if errors.Is(err, webhook.ErrInvalidSecret) {
		code = "INVALID_SECRET"
	}
	metrics.RecordSecurityRejection(code)
	p.record(audit.Event{
		Type:      audit.EventDeliveryRejected,
		SourceIP:  d.SourceIP,
		WebhookID: d.WebhookID,
		Summary:   code,
	})
	p.logger.Warn("delivery authentication failed",
		zap.String("webhook_id", d.WebhookID),
		zap.String("source_ip", d.SourceIP),
		zap.String("code", code))
	return err
}

func (p *Pipeline) record(evt audit.Event) {
	if p.trail != nil {
		p.trail.Record(evt)
	}
}

func (p *Pipeline) since(arrival time.Time) int64 {
	ms := p.now().UTC().Sub(arrival).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

func severityOf(identity map[string]any) string {
	s, _ := identity["severity"].(string)
	return strings.ToLower(strings.TrimSpace(s))
}
