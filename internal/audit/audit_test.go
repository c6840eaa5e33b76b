package audit

import (
	"testing"
	"time"
)

func TestRecordAndQuery(t *testing.T) {
	log := NewLog(0)

	log.Emit(EventExecutionTriggered, "EXE-001", "webhook:wh-edr", "triggered by phishing-triage")
	log.Emit(EventApprovalDecided, "EXE-001", "alice@soc.example", "approved isolate_host")
	log.Emit(EventExecutionCompleted, "EXE-001", "engine", "completed in 4.2s")
	log.Emit(EventExecutionFailed, "EXE-002", "engine", "CONNECTOR_FAILURE at block_ip")

	if log.Count() != 4 {
		t.Errorf("expected 4 events, got %d", log.Count())
	}

	// Query by execution
	events := log.Query(Filter{ExecutionID: "EXE-001"})
	if len(events) != 3 {
		t.Errorf("expected 3 events for EXE-001, got %d", len(events))
	}

	// Query by type
	events = log.Query(Filter{Type: EventApprovalDecided})
	if len(events) != 1 {
		t.Errorf("expected 1 approval.decided event, got %d", len(events))
	}

	// Recent
	events = log.Recent(2)
	if len(events) != 2 {
		t.Errorf("expected 2 recent events, got %d", len(events))
	}
	if events[0].Type != EventExecutionFailed {
		t.Errorf("expected newest first, got %s", events[0].Type)
	}
}

func TestRingBuffer(t *testing.T) {
	log := NewLog(3)

	for i := 0; i < 5; i++ {
		log.Emit(EventDeliveryAccepted, "EXE-001", "webhook:wh-edr", "delivery")
	}

	if log.Count() != 3 {
		t.Errorf("ring buffer should cap at 3, got %d", log.Count())
	}
}

func TestQuerySince(t *testing.T) {
	log := NewLog(0)

	log.Record(Event{
		Type:      EventDeliveryDropped,
		Timestamp: time.Now().UTC().Add(-2 * time.Hour),
		Summary:   "old event",
	})
	log.Record(Event{
		Type:      EventDeliveryAccepted,
		Timestamp: time.Now().UTC().Add(-30 * time.Minute),
		Summary:   "recent event",
	})

	events := log.Query(Filter{Since: time.Now().UTC().Add(-1 * time.Hour)})
	if len(events) != 1 {
		t.Errorf("expected 1 event since last hour, got %d", len(events))
	}
}

func TestQueryBySourceAndWebhook(t *testing.T) {
	log := NewLog(0)

	log.Record(Event{Type: EventDeliveryRejected, SourceIP: "203.0.113.5", WebhookID: "wh-edr", Summary: "bad signature"})
	log.Record(Event{Type: EventDeliveryRejected, SourceIP: "203.0.113.5", WebhookID: "wh-siem", Summary: "bad signature"})
	log.Record(Event{Type: EventDeliveryAccepted, SourceIP: "198.51.100.9", WebhookID: "wh-edr", Summary: "ok"})

	if got := len(log.Query(Filter{SourceIP: "203.0.113.5"})); got != 2 {
		t.Errorf("expected 2 events for source, got %d", got)
	}
	if got := len(log.Query(Filter{WebhookID: "wh-edr"})); got != 2 {
		t.Errorf("expected 2 events for webhook, got %d", got)
	}
	if got := len(log.Query(Filter{SourceIP: "203.0.113.5", WebhookID: "wh-edr"})); got != 1 {
		t.Errorf("expected 1 event for source+webhook, got %d", got)
	}
}

func TestDetailPreserved(t *testing.T) {
	log := NewLog(0)

	log.Record(Event{
		Type:        EventSecretRotated,
		WebhookID:   "wh-edr",
		Actor:       "alice@soc.example",
		Summary:     "secret rotated",
		Detail:      map[string]string{"hint": "a1b2c3d4"},
		ExecutionID: "",
	})

	events := log.Recent(1)
	if events[0].Detail == nil {
		t.Error("detail payload should be preserved")
	}
}
