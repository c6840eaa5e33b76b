// Package trigger evaluates trigger predicates against webhook payloads.
// A trigger binds a webhook to a playbook through a predicate; deliveries
// that fail the predicate are dropped before any execution is created.
package trigger

import "time"

// Match modes over a trigger's conditions.
const (
	MatchAll = "ALL"
	MatchAny = "ANY"
)

// Condition operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpLt          = "lt"
	OpLe          = "le"
	OpGt          = "gt"
	OpGe          = "ge"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpStartsWith  = "starts_with"
	OpEndsWith    = "ends_with"
	OpRegexMatch  = "regex_match"
	OpIn          = "in"
	OpNotIn       = "not_in"
	OpExists      = "exists"
	OpNotExists   = "not_exists"
)

// Trigger is a predicate over webhook payloads. Version increments on
// every change so execution records can pin the exact predicate that
// admitted them.
type Trigger struct {
	ID         string      `json:"id"`
	WebhookID  string      `json:"webhook_id"`
	PlaybookID string      `json:"playbook_id"`
	Name       string      `json:"name,omitempty"`
	Enabled    bool        `json:"enabled"`
	Match      string      `json:"match"` // ALL or ANY; empty means ALL
	Conditions []Condition `json:"conditions"`
	// Position orders triggers within a webhook; the first match wins.
	Position  int       `json:"position"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Condition is one predicate clause. Field is a dotted path into the
// payload; numeric segments index into arrays.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// Snapshot is the immutable copy of a trigger embedded into execution
// records at admission time. Later edits to the trigger never alter it.
type Snapshot struct {
	TriggerID  string      `json:"trigger_id"`
	Version    int         `json:"version"`
	Match      string      `json:"match"`
	Conditions []Condition `json:"conditions"`
}

// Snapshot captures the trigger as evaluated.
func (t Trigger) Snapshot() Snapshot {
	conds := make([]Condition, len(t.Conditions))
	copy(conds, t.Conditions)
	return Snapshot{
		TriggerID:  t.ID,
		Version:    t.Version,
		Match:      t.matchMode(),
		Conditions: conds,
	}
}

func (t Trigger) matchMode() string {
	if t.Match == MatchAny {
		return MatchAny
	}
	return MatchAll
}
