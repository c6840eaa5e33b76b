// Package sla resolves service-level policies for executions and keeps
// the per-execution accounting: thresholds copied at admission, measured
// acknowledge/containment/resolution durations, and breach
// classification.
package sla

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Policy scopes, in resolution order.
const (
	ScopePlaybook = "playbook"
	ScopeSeverity = "severity"
	ScopeGlobal   = "global"
)

// Breach dimensions recorded in sla_status.breached_thresholds.
const (
	DimensionAcknowledge = "acknowledge"
	DimensionContainment = "containment"
	DimensionResolution  = "resolution"
)

// Breach reasons, assigned once at the first breached dimension.
const (
	ReasonAutomationFailure       = "automation_failure"
	ReasonManualInterventionDelay = "manual_intervention_delay"
	ReasonExternalDependencyDelay = "external_dependency_delay"
	ReasonResourceExhaustion      = "resource_exhaustion"
)

var (
	// ErrNotFound is returned for unknown policy ids.
	ErrNotFound = errors.New("sla policy not found")
	// ErrScopeBound is returned when enabling a second policy for the
	// same (scope, key).
	ErrScopeBound = errors.New("an enabled policy already covers this scope and key")
)

// Thresholds are response-time ceilings in milliseconds. A zero value
// leaves that dimension untracked.
type Thresholds struct {
	AcknowledgeMs int64 `json:"acknowledge_ms,omitempty"`
	ContainmentMs int64 `json:"containment_ms,omitempty"`
	ResolutionMs  int64 `json:"resolution_ms,omitempty"`
}

// Policy binds thresholds to a scope. Playbook policies key on a
// playbook id, severity policies on a severity label, and the global
// policy has no key.
type Policy struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Scope      string     `json:"scope"`
	Key        string     `json:"key,omitempty"`
	Thresholds Thresholds `json:"thresholds"`
	Enabled    bool       `json:"enabled"`
	// Priority breaks ties when several enabled policies answer the
	// same lookup; higher wins.
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *Policy) validate() error {
	switch p.Scope {
	case ScopePlaybook, ScopeSeverity:
		if p.Key == "" {
			return fmt.Errorf("%s policy requires a key", p.Scope)
		}
	case ScopeGlobal:
		if p.Key != "" {
			return errors.New("global policy must not have a key")
		}
	default:
		return fmt.Errorf("scope %q must be one of: playbook, severity, global", p.Scope)
	}
	t := p.Thresholds
	if t.AcknowledgeMs < 0 || t.ContainmentMs < 0 || t.ResolutionMs < 0 {
		return errors.New("thresholds cannot be negative")
	}
	if t.AcknowledgeMs == 0 && t.ContainmentMs == 0 && t.ResolutionMs == 0 {
		return errors.New("at least one threshold is required")
	}
	return nil
}

func (p *Policy) normalize() {
	p.Scope = strings.ToLower(strings.TrimSpace(p.Scope))
	p.Key = strings.TrimSpace(p.Key)
	if p.Scope == ScopeSeverity {
		p.Key = strings.ToLower(p.Key)
	}
	p.Name = strings.TrimSpace(p.Name)
}
