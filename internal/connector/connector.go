/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package connector provides the outbound action surface for playbook
// steps. Every action step names a connector and an action; the
// registry wraps each invocation in a per-connector rate limiter and
// circuit breaker so one misbehaving downstream cannot starve the rest
// of the pipeline.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cybersentinel/soar/internal/metrics"
)

// Invocation error codes, surfaced as step failure codes.
const (
	CodeUnknownConnector = "UNKNOWN_CONNECTOR"
	CodeUnknownAction    = "UNKNOWN_ACTION"
	CodeRateLimited      = "CONNECTOR_RATE_LIMITED"
	CodeCircuitOpen      = "CONNECTOR_CIRCUIT_OPEN"
	CodeInvokeFailed     = "CONNECTOR_FAILURE"
)

// Connector executes named actions against one downstream system.
type Connector interface {
	// Name is the identifier playbook steps reference.
	Name() string

	// Description is shown in the connector listing API.
	Description() string

	// Actions lists the action names this connector accepts.
	Actions() []string

	// Invoke runs one action. Implementations must honor ctx
	// cancellation; the engine bounds every call with the step timeout.
	Invoke(ctx context.Context, action string, inputs map[string]any) (map[string]any, error)
}

// InvokeError wraps a failed invocation with a stable code.
type InvokeError struct {
	Code      string
	Connector string
	Action    string
	Err       error
}

func (e *InvokeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: connector %s action %s", e.Code, e.Connector, e.Action)
	}
	return fmt.Sprintf("%s: connector %s action %s: %v", e.Code, e.Connector, e.Action, e.Err)
}

func (e *InvokeError) Unwrap() error { return e.Err }

// Limits bound one connector's outbound call rate.
type Limits struct {
	// RPS is the sustained invocation rate. Zero means 10/s.
	RPS float64
	// Burst is the short-term burst allowance. Zero means 2×RPS.
	Burst int
}

func (l Limits) withDefaults() Limits {
	if l.RPS <= 0 {
		l.RPS = 10
	}
	if l.Burst <= 0 {
		l.Burst = int(2 * l.RPS)
		if l.Burst < 1 {
			l.Burst = 1
		}
	}
	return l
}

type entry struct {
	conn    Connector
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Registry holds the connectors available to action steps.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *zap.Logger
}

// NewRegistry creates an empty connector registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Register adds a connector with default limits.
func (r *Registry) Register(conn Connector) {
	r.RegisterWithLimits(conn, Limits{})
}

// RegisterWithLimits adds a connector with explicit rate limits. The
// breaker opens after five consecutive failures and probes again after
// thirty seconds.
func (r *Registry) RegisterWithLimits(conn Connector, limits Limits) {
	limits = limits.withDefaults()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    conn.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("connector breaker state change",
				zap.String("connector", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[conn.Name()] = &entry{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(limits.RPS), limits.Burst),
		breaker: breaker,
	}
}

// Get looks up a connector by name.
func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Info describes one registered connector for the listing API.
type Info struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Actions     []string `json:"actions"`
	State       string   `json:"breaker_state"`
}

// List returns connector descriptions sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Info{
			Name:        e.conn.Name(),
			Description: e.conn.Description(),
			Actions:     e.conn.Actions(),
			State:       e.breaker.State().String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs one action through the connector's limiter and breaker.
// The returned error is always an *InvokeError.
func (r *Registry) Invoke(ctx context.Context, name, action string, inputs map[string]any) (map[string]any, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &InvokeError{Code: CodeUnknownConnector, Connector: name, Action: action}
	}

	start := time.Now()
	if err := e.limiter.Wait(ctx); err != nil {
		metrics.RecordConnectorInvocation(name, "rate_limited", time.Since(start))
		return nil, &InvokeError{Code: CodeRateLimited, Connector: name, Action: action, Err: err}
	}

	result, err := e.breaker.Execute(func() (any, error) {
		return e.conn.Invoke(ctx, action, inputs)
	})
	elapsed := time.Since(start)

	if err != nil {
		code := CodeInvokeFailed
		outcome := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			code = CodeCircuitOpen
			outcome = "circuit_open"
		}
		var invokeErr *InvokeError
		if errors.As(err, &invokeErr) {
			code = invokeErr.Code
		}
		metrics.RecordConnectorInvocation(name, outcome, elapsed)
		r.logger.Warn("connector invocation failed",
			zap.String("connector", name),
			zap.String("action", action),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, &InvokeError{Code: code, Connector: name, Action: action, Err: err}
	}

	metrics.RecordConnectorInvocation(name, "ok", elapsed)
	output, _ := result.(map[string]any)
	return output, nil
}

// unknownAction is the shared error for actions a connector does not
// implement.
func unknownAction(connector, action string) error {
	return &InvokeError{Code: CodeUnknownAction, Connector: connector, Action: action}
}
