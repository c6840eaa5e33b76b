/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cybersentinel/soar/internal/playbook"
)

func TestResolveRetryDefaults(t *testing.T) {
	got := resolveRetry(nil)
	assert.Equal(t, 1, got.MaxAttempts)
	assert.Equal(t, 5*time.Second, got.Backoff)
	assert.Equal(t, 2.0, got.Multiplier)
	assert.Equal(t, time.Duration(0), got.MaxBackoff)
}

func TestResolveRetryOverrides(t *testing.T) {
	got := resolveRetry(&playbook.RetryPolicy{
		MaxAttempts:       4,
		BackoffSeconds:    1.5,
		Multiplier:        3,
		MaxBackoffSeconds: 30,
	})
	assert.Equal(t, 4, got.MaxAttempts)
	assert.Equal(t, 1500*time.Millisecond, got.Backoff)
	assert.Equal(t, 3.0, got.Multiplier)
	assert.Equal(t, 30*time.Second, got.MaxBackoff)
}

func TestNextRetryDelayGrowth(t *testing.T) {
	r := resolveRetry(&playbook.RetryPolicy{MaxAttempts: 5, BackoffSeconds: 2, Multiplier: 2})
	assert.Equal(t, 2*time.Second, r.nextRetryDelay(1))
	assert.Equal(t, 4*time.Second, r.nextRetryDelay(2))
	assert.Equal(t, 8*time.Second, r.nextRetryDelay(3))
	assert.Equal(t, 16*time.Second, r.nextRetryDelay(4))
}

func TestNextRetryDelayCap(t *testing.T) {
	r := resolveRetry(&playbook.RetryPolicy{
		MaxAttempts:       6,
		BackoffSeconds:    10,
		Multiplier:        4,
		MaxBackoffSeconds: 60,
	})
	assert.Equal(t, 10*time.Second, r.nextRetryDelay(1))
	assert.Equal(t, 40*time.Second, r.nextRetryDelay(2))
	assert.Equal(t, time.Minute, r.nextRetryDelay(3))
	assert.Equal(t, time.Minute, r.nextRetryDelay(6))
}
