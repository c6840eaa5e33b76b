/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cybersentinel/soar/internal/audit"
	"github.com/cybersentinel/soar/internal/execution"
	"github.com/cybersentinel/soar/internal/playbook"
	"github.com/cybersentinel/soar/internal/security"
	"github.com/cybersentinel/soar/internal/shared/signing"
	"github.com/cybersentinel/soar/internal/sla"
	"github.com/cybersentinel/soar/internal/storage"
	"github.com/cybersentinel/soar/internal/trigger"
	"github.com/cybersentinel/soar/internal/webhook"
)

type fakeEngine struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeEngine) Submit(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return true
}

func (f *fakeEngine) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ids))
	copy(out, f.ids)
	return out
}

type captureTrail struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureTrail) Record(evt audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureTrail) has(typ audit.EventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, evt := range c.events {
		if evt.Type == typ {
			return true
		}
	}
	return false
}

type rig struct {
	pipeline   *Pipeline
	playbooks  *playbook.Store
	executions *execution.Store
	webhooks   *webhook.Store
	triggers   *trigger.Store
	engine     *fakeEngine
	trail      *captureTrail

	pb playbook.Playbook
	tr trigger.Trigger
}

// generousLimits keeps the security filter out of the way for tests
// that exercise other stages.
func generousLimits() security.Options {
	return security.Options{
		RateLimitPerMinute:     100000,
		BurstLimit:             100000,
		PlaybookFloodPerMinute: 100000,
		GlobalFloodPerMinute:   100000,
	}
}

func newRig(t *testing.T, opts Options, sec security.Options) *rig {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(filepath.Join(t.TempDir(), "ingest.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	playbooks, err := playbook.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	executions, err := execution.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	webhooks, err := webhook.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	triggers, err := trigger.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	policies, err := sla.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}

	cache := security.NewMemoryCache(time.Minute)
	filter := security.NewFilter(cache, sec, nil, zap.NewNop())
	eng := &fakeEngine{}
	trail := &captureTrail{}

	p := NewPipeline(filter, webhook.NewAuthenticator(webhooks), webhooks, triggers,
		playbooks, executions, policies, eng, trail, opts, zap.NewNop())

	r := &rig{
		pipeline:   p,
		playbooks:  playbooks,
		executions: executions,
		webhooks:   webhooks,
		triggers:   triggers,
		engine:     eng,
		trail:      trail,
	}

	pb, err := playbooks.Create(ctx, playbook.Playbook{
		Name:    "phishing triage",
		Version: "1.0.0",
		Enabled: true,
		Steps: []playbook.Step{
			{ID: "notify", Type: playbook.StepNotification, Connector: "chat", Action: "post_message",
				Input: map[string]any{"message": "alert admitted"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	r.pb = pb

	if _, err := webhooks.Upsert(ctx, webhook.Webhook{
		ID:         "wh-edr",
		Name:       "edr alerts",
		PlaybookID: pb.ID,
		Secret:     "s3cret-edr",
		Enabled:    true,
	}); err != nil {
		t.Fatal(err)
	}

	tr, err := triggers.Upsert(ctx, trigger.Trigger{
		WebhookID:  "wh-edr",
		PlaybookID: pb.ID,
		Name:       "high severity",
		Enabled:    true,
		Conditions: []trigger.Condition{
			{Field: "severity", Operator: trigger.OpEquals, Value: "high"},
		},
		Position: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	r.tr = tr

	return r
}

func (r *rig) deliver(t *testing.T, body string) (Outcome, error) {
	t.Helper()
	return r.pipeline.Deliver(context.Background(), Delivery{
		WebhookID: "wh-edr",
		SourceIP:  "198.51.100.10",
		Body:      []byte(body),
		Secret:    "s3cret-edr",
	})
}

func (r *rig) countExecutions(t *testing.T) int {
	t.Helper()
	execs, err := r.executions.List(context.Background(), execution.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	return len(execs)
}

func TestDeliverAdmitsMatchingDelivery(t *testing.T) {
	r := newRig(t, Options{}, generousLimits())

	body := `{"severity":"high","alert_id":"A-1","source_ip":"203.0.113.7"}`
	out, err := r.deliver(t, body)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %s (%s)", out.Status, out.Reason)
	}
	if out.ExecutionID == "" || out.PlaybookID != r.pb.ID || out.TriggerID != r.tr.ID {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if got := r.engine.submitted(); len(got) != 1 || got[0] != out.ExecutionID {
		t.Fatalf("expected one engine submission for %s, got %v", out.ExecutionID, got)
	}

	exec, err := r.executions.Get(context.Background(), out.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Source != execution.SourceWebhook {
		t.Errorf("expected webhook source, got %s", exec.Source)
	}
	if exec.WebhookID != "wh-edr" || exec.TriggerID != r.tr.ID {
		t.Errorf("expected linkage to webhook and trigger, got %s / %s", exec.WebhookID, exec.TriggerID)
	}
	if exec.Severity != "high" {
		t.Errorf("expected severity high, got %q", exec.Severity)
	}
	if exec.Fingerprint == "" {
		t.Error("expected a dedup fingerprint")
	}
	if exec.TriggerSnapshot == nil || exec.TriggerSnapshot.TriggerID != r.tr.ID {
		t.Error("expected the trigger snapshot pinned on the execution")
	} else if exec.TriggerSnapshot.Version != r.tr.Version {
		t.Errorf("snapshot version = %d, want the admitting trigger's %d",
			exec.TriggerSnapshot.Version, r.tr.Version)
	}
	if exec.AcknowledgedAt == nil || exec.WebhookReceivedAt == nil {
		t.Error("expected admission timestamps stamped")
	}
	if string(exec.TriggerData) != body {
		t.Errorf("trigger data should keep the original bytes, got %s", exec.TriggerData)
	}
	if len(exec.Timeline) == 0 || exec.Timeline[0].Type != execution.EventCreated {
		t.Error("expected execution_created as the first timeline event")
	}

	wh, err := r.webhooks.Get("wh-edr")
	if err != nil {
		t.Fatal(err)
	}
	if wh.DeliveriesTotal != 1 || wh.LastDeliveryAt == nil {
		t.Errorf("expected delivery stats updated, got total=%d", wh.DeliveriesTotal)
	}
	if !r.trail.has(audit.EventDeliveryAccepted) {
		t.Error("expected a delivery.accepted audit event")
	}
}

func TestDeliverNoMatchDrops(t *testing.T) {
	r := newRig(t, Options{}, generousLimits())

	out, err := r.deliver(t, `{"severity":"low","alert_id":"A-2"}`)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusDropped || out.Reason != DropNoMatch {
		t.Fatalf("expected drop %s, got %s (%s)", DropNoMatch, out.Status, out.Reason)
	}
	if n := r.countExecutions(t); n != 0 {
		t.Fatalf("expected no executions, got %d", n)
	}
	if len(r.engine.submitted()) != 0 {
		t.Fatal("nothing should reach the engine")
	}
	if !r.trail.has(audit.EventDeliveryDropped) {
		t.Error("expected a delivery.dropped audit event")
	}
}

func TestDeliverDisabledTriggerDrops(t *testing.T) {
	r := newRig(t, Options{}, generousLimits())

	r.tr.Enabled = false
	if _, err := r.triggers.Upsert(context.Background(), r.tr); err != nil {
		t.Fatal(err)
	}

	out, err := r.deliver(t, `{"severity":"high","alert_id":"A-3"}`)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusDropped || out.Reason != DropTriggerDisabled {
		t.Fatalf("expected drop %s, got %s (%s)", DropTriggerDisabled, out.Status, out.Reason)
	}
	if n := r.countExecutions(t); n != 0 {
		t.Fatalf("expected no executions, got %d", n)
	}
}

func TestDeliverDisabledPlaybookDrops(t *testing.T) {
	r := newRig(t, Options{}, generousLimits())

	if err := r.playbooks.SetEnabled(context.Background(), r.pb.ID, false); err != nil {
		t.Fatal(err)
	}

	out, err := r.deliver(t, `{"severity":"high","alert_id":"A-4"}`)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusDropped || out.Reason != DropPlaybookDisabled {
		t.Fatalf("expected drop %s, got %s (%s)", DropPlaybookDisabled, out.Status, out.Reason)
	}
}

func TestDeliverDuplicateEventDrops(t *testing.T) {
	r := newRig(t, Options{}, generousLimits())

	// A pinned event_time keeps both deliveries in the same minute
	// bucket regardless of wall clock.
	body := `{"severity":"high","alert_id":"A-5","event_time":"2026-03-14T10:00:00Z"}`

	first, err := r.deliver(t, body)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != StatusAccepted {
		t.Fatalf("first delivery should be accepted, got %s (%s)", first.Status, first.Reason)
	}

	second, err := r.deliver(t, body)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != StatusDropped || second.Reason != DropDuplicate {
		t.Fatalf("expected drop %s, got %s (%s)", DropDuplicate, second.Status, second.Reason)
	}
	if n := r.countExecutions(t); n != 1 {
		t.Fatalf("expected exactly one execution, got %d", n)
	}

	exec, err := r.executions.Get(context.Background(), first.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if exec.EventTimeSource != "event_time" {
		t.Errorf("expected event_time source, got %s", exec.EventTimeSource)
	}
	if !exec.EventTime.Equal(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected event time %s", exec.EventTime)
	}
}

func TestDeliverSchemaValidation(t *testing.T) {
	r := newRig(t, Options{}, generousLimits())

	wh, err := r.webhooks.Get("wh-edr")
	if err != nil {
		t.Fatal(err)
	}
	wh.PayloadSchema = `{"type":"object","required":["severity","alert_id"]}`
	if _, err := r.webhooks.Upsert(context.Background(), wh); err != nil {
		t.Fatal(err)
	}

	out, err := r.deliver(t, `{"severity":"high"}`)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusDropped || out.Reason != DropSchemaInvalid {
		t.Fatalf("expected drop %s, got %s (%s)", DropSchemaInvalid, out.Status, out.Reason)
	}

	out, err = r.deliver(t, `{"severity":"high","alert_id":"A-6"}`)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusAccepted {
		t.Fatalf("conforming payload should be accepted, got %s (%s)", out.Status, out.Reason)
	}
}

func TestDeliverAuthFailures(t *testing.T) {
	r := newRig(t, Options{}, generousLimits())
	ctx := context.Background()

	// Unknown webhook id.
	_, err := r.pipeline.Deliver(ctx, Delivery{
		WebhookID: "wh-ghost", SourceIP: "198.51.100.10",
		Body: []byte(`{"severity":"high"}`), Secret: "whatever",
	})
	if !errors.Is(err, webhook.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown webhook, got %v", err)
	}

	// A disabled webhook is indistinguishable from a missing one.
	if _, err := r.webhooks.Upsert(ctx, webhook.Webhook{
		ID: "wh-dark", Name: "off", PlaybookID: r.pb.ID, Secret: "x", Enabled: false,
	}); err != nil {
		t.Fatal(err)
	}
	_, err = r.pipeline.Deliver(ctx, Delivery{
		WebhookID: "wh-dark", SourceIP: "198.51.100.10",
		Body: []byte(`{"severity":"high"}`), Secret: "x",
	})
	if !errors.Is(err, webhook.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for disabled webhook, got %v", err)
	}

	// Wrong shared secret.
	_, err = r.pipeline.Deliver(ctx, Delivery{
		WebhookID: "wh-edr", SourceIP: "198.51.100.10",
		Body: []byte(`{"severity":"high"}`), Secret: "wrong",
	})
	if !errors.Is(err, webhook.ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret, got %v", err)
	}

	if !r.trail.has(audit.EventDeliveryRejected) {
		t.Error("expected delivery.rejected audit events")
	}
	if n := r.countExecutions(t); n != 0 {
		t.Fatalf("expected no executions, got %d", n)
	}
}

func TestDeliverReplayRejected(t *testing.T) {
	r := newRig(t, Options{}, generousLimits())

	body := `{"severity":"high","alert_id":"A-7"}`
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	first, err := r.pipeline.Deliver(context.Background(), Delivery{
		WebhookID: "wh-edr", SourceIP: "198.51.100.10",
		Body: []byte(body), Secret: "s3cret-edr", Timestamp: ts,
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != StatusAccepted {
		t.Fatalf("first delivery should be accepted, got %s (%s)", first.Status, first.Reason)
	}

	replay, err := r.pipeline.Deliver(context.Background(), Delivery{
		WebhookID: "wh-edr", SourceIP: "198.51.100.10",
		Body: []byte(body), Secret: "s3cret-edr", Timestamp: ts,
	})
	if err != nil {
		t.Fatal(err)
	}
	if replay.Status != StatusRejected || replay.Reason != security.CodeDuplicateNonce {
		t.Fatalf("expected %s, got %s (%s)", security.CodeDuplicateNonce, replay.Status, replay.Reason)
	}
	if replay.Reject == nil || replay.Reject.RateLimited() {
		t.Fatal("replay rejection should carry a non-throttle verdict")
	}
	if n := r.countExecutions(t); n != 1 {
		t.Fatalf("expected one execution, got %d", n)
	}
}

func TestDeliverSignatureChecks(t *testing.T) {
	r := newRig(t, Options{}, generousLimits())
	signer := signing.NewSigner([]byte("s3cret-edr"))

	send := func(body, ts, sig string) Outcome {
		t.Helper()
		out, err := r.pipeline.Deliver(context.Background(), Delivery{
			WebhookID: "wh-edr", SourceIP: "198.51.100.10",
			Body: []byte(body), Secret: "s3cret-edr",
			Timestamp: ts, Signature: sig,
		})
		if err != nil {
			t.Fatal(err)
		}
		return out
	}

	t.Run("valid signature admits", func(t *testing.T) {
		body := `{"severity":"high","alert_id":"S-1"}`
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		sig, err := signer.Sign(ts, []byte(body))
		if err != nil {
			t.Fatal(err)
		}
		if out := send(body, ts, sig); out.Status != StatusAccepted {
			t.Fatalf("expected accepted, got %s (%s)", out.Status, out.Reason)
		}
	})

	t.Run("tampered payload rejected", func(t *testing.T) {
		ts := strconv.FormatInt(time.Now().Unix()+1, 10)
		sig, err := signer.Sign(ts, []byte(`{"severity":"high","alert_id":"S-2"}`))
		if err != nil {
			t.Fatal(err)
		}
		out := send(`{"severity":"high","alert_id":"S-2-tampered"}`, ts, sig)
		if out.Status != StatusRejected || out.Reason != security.CodeInvalidSignature {
			t.Fatalf("expected %s, got %s (%s)", security.CodeInvalidSignature, out.Status, out.Reason)
		}
	})

	t.Run("signature without timestamp rejected", func(t *testing.T) {
		out := send(`{"severity":"high","alert_id":"S-3"}`, "", "deadbeef")
		if out.Status != StatusRejected || out.Reason != security.CodeMissingTimestamp {
			t.Fatalf("expected %s, got %s (%s)", security.CodeMissingTimestamp, out.Status, out.Reason)
		}
	})

	t.Run("stale timestamp rejected", func(t *testing.T) {
		body := `{"severity":"high","alert_id":"S-4"}`
		ts := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
		sig, err := signer.Sign(ts, []byte(body))
		if err != nil {
			t.Fatal(err)
		}
		out := send(body, ts, sig)
		if out.Status != StatusRejected || out.Reason != security.CodeTimestampSkew {
			t.Fatalf("expected %s, got %s (%s)", security.CodeTimestampSkew, out.Status, out.Reason)
		}
	})

	t.Run("unparseable timestamp rejected", func(t *testing.T) {
		out := send(`{"severity":"high","alert_id":"S-5"}`, "yesterday", "")
		if out.Status != StatusRejected || out.Reason != security.CodeInvalidTimestamp {
			t.Fatalf("expected %s, got %s (%s)", security.CodeInvalidTimestamp, out.Status, out.Reason)
		}
	})
}

func TestDeliverRateLimitRejects(t *testing.T) {
	sec := generousLimits()
	sec.RateLimitPerMinute = 3
	r := newRig(t, Options{}, sec)

	for i := 0; i < 3; i++ {
		out, err := r.deliver(t, fmt.Sprintf(`{"severity":"high","alert_id":"R-%d"}`, i))
		if err != nil {
			t.Fatal(err)
		}
		if out.Status == StatusRejected {
			t.Fatalf("delivery %d should pass the source check, got %s", i, out.Reason)
		}
	}

	out, err := r.deliver(t, `{"severity":"high","alert_id":"R-over"}`)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusRejected || out.Reason != security.CodeRateLimit {
		t.Fatalf("expected %s, got %s (%s)", security.CodeRateLimit, out.Status, out.Reason)
	}
	if out.Reject == nil || !out.Reject.RateLimited() || out.Reject.RetryAfter <= 0 {
		t.Fatalf("expected a throttle verdict with Retry-After, got %+v", out.Reject)
	}

	// Sustained-window throttling never blocks: the source keeps
	// getting the rate verdict until the window rolls over.
	out, err = r.deliver(t, `{"severity":"high","alert_id":"R-throttled"}`)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusRejected || out.Reason != security.CodeRateLimit {
		t.Fatalf("expected %s, got %s (%s)", security.CodeRateLimit, out.Status, out.Reason)
	}
}

func TestDeliverTrustedIPBypassesThrottling(t *testing.T) {
	sec := generousLimits()
	sec.RateLimitPerMinute = 1
	sec.BurstLimit = 1
	sec.TrustedIPs = []string{"203.0.113.99"}
	r := newRig(t, Options{}, sec)

	for i := 0; i < 5; i++ {
		out, err := r.pipeline.Deliver(context.Background(), Delivery{
			WebhookID: "wh-edr", SourceIP: "203.0.113.99",
			Body:   []byte(fmt.Sprintf(`{"severity":"high","alert_id":"T-%d"}`, i)),
			Secret: "s3cret-edr",
		})
		if err != nil {
			t.Fatal(err)
		}
		if out.Status == StatusRejected {
			t.Fatalf("trusted source should never be throttled, got %s on delivery %d", out.Reason, i)
		}
		if !out.Trusted {
			t.Fatalf("delivery %d from a trusted source is not tagged trusted", i)
		}
	}
}

func TestDeliverWebhookFloodRejects(t *testing.T) {
	r := newRig(t, Options{}, generousLimits())
	ctx := context.Background()

	wh, err := r.webhooks.Get("wh-edr")
	if err != nil {
		t.Fatal(err)
	}
	wh.RateLimitPerMinute = 2
	if _, err := r.webhooks.Upsert(ctx, wh); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		out, err := r.deliver(t, fmt.Sprintf(`{"severity":"high","alert_id":"F-%d"}`, i))
		if err != nil {
			t.Fatal(err)
		}
		if out.Status != StatusAccepted {
			t.Fatalf("delivery %d should be accepted, got %s (%s)", i, out.Status, out.Reason)
		}
	}

	out, err := r.deliver(t, `{"severity":"high","alert_id":"F-over"}`)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusRejected || out.Reason != security.CodeWebhookFlood {
		t.Fatalf("expected %s, got %s (%s)", security.CodeWebhookFlood, out.Status, out.Reason)
	}
	if out.Reject == nil || !out.Reject.RateLimited() {
		t.Fatal("flood rejection should be a throttle verdict")
	}
	if n := r.countExecutions(t); n != 2 {
		t.Fatalf("expected two executions, got %d", n)
	}
}

func TestDeliverInvalidJSONRejected(t *testing.T) {
	r := newRig(t, Options{}, generousLimits())

	out, err := r.deliver(t, `"just a string"`)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusRejected || out.Reason != ReasonInvalidPayload {
		t.Fatalf("expected %s, got %s (%s)", ReasonInvalidPayload, out.Status, out.Reason)
	}
	if out.Reject != nil {
		t.Fatal("payload-shape rejections carry no filter verdict")
	}
}

func TestDeliverShadowOverride(t *testing.T) {
	r := newRig(t, Options{ShadowMode: true}, generousLimits())

	out, err := r.deliver(t, `{"severity":"high","alert_id":"SH-1"}`)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %s (%s)", out.Status, out.Reason)
	}

	exec, err := r.executions.Get(context.Background(), out.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if !exec.ShadowMode {
		t.Error("global shadow override should force shadow mode")
	}
}

func TestTriggerManualBypass(t *testing.T) {
	r := newRig(t, Options{}, generousLimits())

	out, err := r.pipeline.Trigger(context.Background(), ManualRequest{
		PlaybookID:    r.pb.ID,
		TriggerData:   json.RawMessage(`{"severity":"low","alert_id":"M-1"}`),
		BypassTrigger: true,
		Actor:         "alice@soc.example",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusAccepted || out.TriggerID != "" {
		t.Fatalf("expected accepted without trigger, got %+v", out)
	}

	exec, err := r.executions.Get(context.Background(), out.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Source != execution.SourceManual {
		t.Errorf("expected manual source, got %s", exec.Source)
	}
	if exec.Actor != "alice@soc.example" {
		t.Errorf("expected actor recorded, got %q", exec.Actor)
	}
	if exec.Fingerprint != "" || exec.WebhookReceivedAt != nil {
		t.Error("manual runs never dedup or measure webhook latency")
	}
	if exec.AcknowledgedAt == nil {
		t.Error("manual runs still acknowledge at insert")
	}
	if !r.trail.has(audit.EventExecutionTriggered) {
		t.Error("expected an execution.triggered audit event")
	}
}

func TestTriggerManualEvaluatesTriggers(t *testing.T) {
	r := newRig(t, Options{}, generousLimits())
	ctx := context.Background()

	out, err := r.pipeline.Trigger(ctx, ManualRequest{
		PlaybookID:  r.pb.ID,
		TriggerData: json.RawMessage(`{"severity":"high"}`),
		Actor:       "alice@soc.example",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusAccepted || out.TriggerID != r.tr.ID {
		t.Fatalf("expected accepted via trigger %s, got %+v", r.tr.ID, out)
	}

	out, err = r.pipeline.Trigger(ctx, ManualRequest{
		PlaybookID:  r.pb.ID,
		TriggerData: json.RawMessage(`{"severity":"low"}`),
		Actor:       "alice@soc.example",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusDropped || out.Reason != DropNoMatch {
		t.Fatalf("expected drop %s, got %s (%s)", DropNoMatch, out.Status, out.Reason)
	}
}

func TestTriggerManualPlaybookGuards(t *testing.T) {
	r := newRig(t, Options{}, generousLimits())
	ctx := context.Background()

	_, err := r.pipeline.Trigger(ctx, ManualRequest{PlaybookID: "PB-ghost", BypassTrigger: true})
	if !errors.Is(err, ErrPlaybookNotFound) {
		t.Fatalf("expected ErrPlaybookNotFound, got %v", err)
	}

	if err := r.playbooks.SetEnabled(ctx, r.pb.ID, false); err != nil {
		t.Fatal(err)
	}
	_, err = r.pipeline.Trigger(ctx, ManualRequest{PlaybookID: r.pb.ID, BypassTrigger: true})
	if !errors.Is(err, ErrPlaybookDisabled) {
		t.Fatalf("expected ErrPlaybookDisabled, got %v", err)
	}
}

func TestTriggerScheduleSource(t *testing.T) {
	r := newRig(t, Options{}, generousLimits())

	out, err := r.pipeline.Trigger(context.Background(), ManualRequest{
		PlaybookID:    r.pb.ID,
		BypassTrigger: true,
		Actor:         "scheduler",
		Source:        execution.SourceSchedule,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %s (%s)", out.Status, out.Reason)
	}

	exec, err := r.executions.Get(context.Background(), out.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Source != execution.SourceSchedule {
		t.Errorf("expected schedule source, got %s", exec.Source)
	}
	if !r.trail.has(audit.EventScheduleFired) {
		t.Error("expected a schedule.fired audit event")
	}
}
