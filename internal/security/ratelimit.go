/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package security

import (
	"context"
	"fmt"
	"time"
)

// IPLimiter enforces the per-source request ceilings: a sustained window
// and a short burst window. Overrunning the sustained window answers 429
// until the window rolls over; overrunning the burst window places the
// source on a temporary block list, and further requests are refused
// outright until the block expires.
type IPLimiter struct {
	cache Cache

	limit       int           // requests per window
	window      time.Duration // sustained window, 60s in production
	burst       int           // requests per burstWindow
	burstWindow time.Duration // 5s in production
	blockFor    time.Duration

	now func() time.Time
}

// NewIPLimiter creates a limiter over the given cache.
func NewIPLimiter(cache Cache, limit, burst int, blockFor time.Duration) *IPLimiter {
	return &IPLimiter{
		cache:       cache,
		limit:       limit,
		window:      time.Minute,
		burst:       burst,
		burstWindow: 5 * time.Second,
		blockFor:    blockFor,
		now:         time.Now,
	}
}

// Check admits or rejects one request from ip. Every call counts against
// both windows; the returned rejection is nil when admitted. A non-nil
// error means the cache backend failed and the caller should surface a
// server error rather than guess.
func (l *IPLimiter) Check(ctx context.Context, ip string) (*RejectError, error) {
	blockKey := "block:" + ip
	blocked, err := l.cache.Exists(ctx, blockKey)
	if err != nil {
		return nil, fmt.Errorf("check block list: %w", err)
	}
	if blocked {
		retry, _ := l.cache.TTL(ctx, blockKey)
		if retry <= 0 {
			retry = l.blockFor
		}
		return &RejectError{
			Code:       CodeIPBlocked,
			Detail:     "source temporarily blocked",
			RetryAfter: retry,
		}, nil
	}

	now := l.now()
	rate, err := slidingCount(ctx, l.cache, "rate:"+ip, l.window, now, true)
	if err != nil {
		return nil, fmt.Errorf("rate window: %w", err)
	}
	if rate > int64(l.limit) {
		secs := int64(l.window / time.Second)
		retry := time.Duration(secs-now.Unix()%secs) * time.Second
		return &RejectError{
			Code:       CodeRateLimit,
			Detail:     fmt.Sprintf("%d requests in %s (limit %d)", rate, l.window, l.limit),
			RetryAfter: retry,
		}, nil
	}

	burst, err := slidingCount(ctx, l.cache, "burst:"+ip, l.burstWindow, now, true)
	if err != nil {
		return nil, fmt.Errorf("burst window: %w", err)
	}
	if burst > int64(l.burst) {
		return l.block(ctx, ip, CodeBurstLimit,
			fmt.Sprintf("%d requests in %s (limit %d)", burst, l.burstWindow, l.burst))
	}

	return nil, nil
}

func (l *IPLimiter) block(ctx context.Context, ip, code, detail string) (*RejectError, error) {
	if err := l.cache.Set(ctx, "block:"+ip, l.blockFor); err != nil {
		return nil, fmt.Errorf("set block: %w", err)
	}
	return &RejectError{Code: code, Detail: detail, RetryAfter: l.blockFor}, nil
}

// slidingCount returns the effective request count for the window ending
// now. Counts live in fixed buckets the size of the window; the previous
// bucket contributes its unexpired fraction, which smooths the boundary
// without tracking individual timestamps. Buckets persist 2x the window
// so the previous bucket is always still readable.
func slidingCount(ctx context.Context, cache Cache, key string, window time.Duration, now time.Time, increment bool) (int64, error) {
	secs := int64(window / time.Second)
	bucket := now.Unix() / secs

	var curr int64
	var err error
	if increment {
		curr, err = cache.IncrBucket(ctx, key, bucket, 2*window)
	} else {
		curr, err = cache.GetBucket(ctx, key, bucket)
	}
	if err != nil {
		return 0, err
	}

	prev, err := cache.GetBucket(ctx, key, bucket-1)
	if err != nil {
		return 0, err
	}
	elapsed := float64(now.Unix()%secs) / float64(secs)
	return curr + int64(float64(prev)*(1-elapsed)), nil
}
