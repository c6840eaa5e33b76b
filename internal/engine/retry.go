/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package engine

import (
	"math"
	"time"

	"github.com/cybersentinel/soar/internal/playbook"
)

const (
	defaultRetryBackoff    = 5 * time.Second
	defaultRetryMultiplier = 2.0
)

// resolvedRetry is a retry policy with defaults applied. The validator
// bounds max_attempts to 1..10 and multiplier to 1..5 at save time, so
// the engine only fills gaps, never re-validates.
type resolvedRetry struct {
	MaxAttempts int
	Backoff     time.Duration
	Multiplier  float64
	MaxBackoff  time.Duration
}

func resolveRetry(p *playbook.RetryPolicy) resolvedRetry {
	out := resolvedRetry{
		MaxAttempts: 1,
		Backoff:     defaultRetryBackoff,
		Multiplier:  defaultRetryMultiplier,
	}
	if p == nil {
		return out
	}
	if p.MaxAttempts > 0 {
		out.MaxAttempts = p.MaxAttempts
	}
	if p.BackoffSeconds > 0 {
		out.Backoff = time.Duration(p.BackoffSeconds * float64(time.Second))
	}
	if p.Multiplier >= 1 {
		out.Multiplier = p.Multiplier
	}
	if p.MaxBackoffSeconds > 0 {
		out.MaxBackoff = time.Duration(p.MaxBackoffSeconds * float64(time.Second))
	}
	return out
}

// nextRetryDelay returns the delay before re-dispatching after
// failedAttempt has completed.
func (r resolvedRetry) nextRetryDelay(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	delay := time.Duration(float64(r.Backoff) * math.Pow(r.Multiplier, float64(failedAttempt-1)))
	if delay <= 0 {
		delay = r.Backoff
	}
	if r.MaxBackoff > 0 && delay > r.MaxBackoff {
		return r.MaxBackoff
	}
	return delay
}
