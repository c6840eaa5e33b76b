// Package audit provides an append-only audit trail for the engine.
// Every admission decision, security rejection, operator action, and
// execution milestone is recorded.
package audit

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies audit events. Security rejections use the
// rejection code itself prefixed with "security.".
type EventType string

const (
	EventExecutionTriggered EventType = "execution.triggered"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionCancelled EventType = "execution.cancelled"
	EventDeliveryAccepted   EventType = "delivery.accepted"
	EventDeliveryDropped    EventType = "delivery.dropped"
	EventDeliveryRejected   EventType = "delivery.rejected"
	EventApprovalDecided    EventType = "approval.decided"
	EventApprovalExpired    EventType = "approval.expired"
	EventSecretRotated      EventType = "webhook.secret_rotated"
	EventWebhookDeleted     EventType = "webhook.deleted"
	EventPlaybookLoaded     EventType = "playbook.loaded"
	EventScheduleCreated    EventType = "schedule.created"
	EventScheduleUpdated    EventType = "schedule.updated"
	EventScheduleDeleted    EventType = "schedule.deleted"
	EventScheduleFired      EventType = "schedule.fired"
	EventSLABreached        EventType = "sla.breached"
)

// SecurityEventPrefix namespaces filter rejection codes in the trail.
const SecurityEventPrefix = "security."

// Event is a single audit trail entry.
type Event struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Type        EventType `json:"type"`
	Actor       string    `json:"actor,omitempty"` // operator, webhook source, or "system"
	SourceIP    string    `json:"source_ip,omitempty"`
	WebhookID   string    `json:"webhook_id,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Summary     string    `json:"summary"`
	Detail      any       `json:"detail,omitempty"`
}

// Log is an append-only in-memory view of the trail, bounded as a ring.
type Log struct {
	events []Event
	mu     sync.RWMutex
	maxLen int // ring buffer size (0 = unbounded)
}

// NewLog creates a new audit log. maxLen=0 means unbounded.
func NewLog(maxLen int) *Log {
	return &Log{
		events: make([]Event, 0, 1024),
		maxLen: maxLen,
	}
}

// Record appends an event to the log.
func (l *Log) Record(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, evt)

	// Ring buffer: drop oldest if over capacity
	if l.maxLen > 0 && len(l.events) > l.maxLen {
		l.events = l.events[len(l.events)-l.maxLen:]
	}
}

// Emit is a convenience for recording a new event with minimal args.
func (l *Log) Emit(typ EventType, executionID, actor, summary string) {
	l.Record(Event{
		Type:        typ,
		ExecutionID: executionID,
		Actor:       actor,
		Summary:     summary,
	})
}

// Filter selects events. limit=0 means all.
type Filter struct {
	ExecutionID string
	WebhookID   string
	SourceIP    string
	Type        EventType
	// TypePrefix matches any event type under a namespace, for example
	// every "security." rejection. Ignored when Type is set.
	TypePrefix string
	Since      time.Time
	Until      time.Time
	Cursor     string
	Limit      int
}

// Query returns filtered events, newest first.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []Event

	// Walk backwards (newest first)
	for i := len(l.events) - 1; i >= 0; i-- {
		evt := l.events[i]

		if f.ExecutionID != "" && evt.ExecutionID != f.ExecutionID {
			continue
		}
		if f.WebhookID != "" && evt.WebhookID != f.WebhookID {
			continue
		}
		if f.SourceIP != "" && evt.SourceIP != f.SourceIP {
			continue
		}
		if f.Type != "" && evt.Type != f.Type {
			continue
		}
		if f.Type == "" && f.TypePrefix != "" && !strings.HasPrefix(string(evt.Type), f.TypePrefix) {
			continue
		}
		if !f.Since.IsZero() && evt.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && evt.Timestamp.After(f.Until) {
			continue
		}

		result = append(result, evt)

		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}

	return result
}

// Recent returns the N most recent events.
func (l *Log) Recent(n int) []Event {
	return l.Query(Filter{Limit: n})
}

// Count returns total event count.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// MarshalJSON exports all events as JSON (for API responses).
func (l *Log) MarshalJSON() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return json.Marshal(l.events)
}
