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
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cybersentinel/soar/internal/metrics"
	"github.com/cybersentinel/soar/internal/shared/signing"
)

// Rejection codes surfaced to callers. Rate-class codes map to HTTP 429,
// the rest to 400.
const (
	CodeRateLimit        = "RATE_LIMIT_EXCEEDED"
	CodeBurstLimit       = "BURST_LIMIT_EXCEEDED"
	CodeIPBlocked        = "IP_BLOCKED"
	CodeWebhookFlood     = "WEBHOOK_FLOOD_LIMIT"
	CodePlaybookFlood    = "PLAYBOOK_FLOOD_LIMIT"
	CodeGlobalFlood      = "GLOBAL_FLOOD_LIMIT"
	CodeInvalidTimestamp = "INVALID_TIMESTAMP"
	CodeTimestampSkew    = "TIMESTAMP_SKEW"
	CodeMissingTimestamp = "MISSING_TIMESTAMP"
	CodeDuplicateNonce   = "DUPLICATE_NONCE"
	CodeInvalidSignature = "INVALID_SIGNATURE"
)

// RejectError describes a refused delivery. RetryAfter is non-zero for
// rate-class rejections and feeds the Retry-After response header.
type RejectError struct {
	Code       string
	Detail     string
	RetryAfter time.Duration
}

func (e *RejectError) Error() string {
	return e.Code + ": " + e.Detail
}

// RateLimited reports whether the rejection is rate-class (HTTP 429).
func (e *RejectError) RateLimited() bool {
	switch e.Code {
	case CodeRateLimit, CodeBurstLimit, CodeIPBlocked, CodeWebhookFlood, CodePlaybookFlood, CodeGlobalFlood:
		return true
	}
	return false
}

// Event is the structured record emitted for every rejection.
type Event struct {
	Type      string    `json:"type"`
	SourceIP  string    `json:"source_ip,omitempty"`
	WebhookID string    `json:"webhook_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// EventSink receives security events. The audit trail implements this.
type EventSink interface {
	RecordSecurityEvent(ev Event)
}

// Options tunes the filter. Zero values are replaced by production
// defaults matching config.Default().
type Options struct {
	RateLimitPerMinute     int
	BurstLimit             int
	BlockFor               time.Duration
	MaxSkew                time.Duration
	NonceWindow            time.Duration
	PlaybookFloodPerMinute int
	GlobalFloodPerMinute   int
	TrustedIPs             []string
}

func (o *Options) applyDefaults() {
	if o.RateLimitPerMinute == 0 {
		o.RateLimitPerMinute = 100
	}
	if o.BurstLimit == 0 {
		o.BurstLimit = 20
	}
	if o.BlockFor == 0 {
		o.BlockFor = 5 * time.Minute
	}
	if o.MaxSkew == 0 {
		o.MaxSkew = 5 * time.Minute
	}
	if o.NonceWindow == 0 {
		o.NonceWindow = 10 * time.Minute
	}
	if o.PlaybookFloodPerMinute == 0 {
		o.PlaybookFloodPerMinute = 50
	}
	if o.GlobalFloodPerMinute == 0 {
		o.GlobalFloodPerMinute = 500
	}
}

// Filter is the ingestion security pipeline. Checks run in three stages
// keyed to what the handler knows at each point: source checks before the
// webhook is resolved, delivery checks once the payload and secret are in
// hand, and flood admission last so only fully admitted events consume
// flood budget.
type Filter struct {
	opts    Options
	cache   Cache
	limiter *IPLimiter
	replay  *ReplayGuard
	flood   *FloodController
	trusted map[string]struct{}
	sink    EventSink
	logger  *zap.Logger
}

// NewFilter assembles the filter over the given cache.
func NewFilter(cache Cache, opts Options, sink EventSink, logger *zap.Logger) *Filter {
	opts.applyDefaults()
	trusted := make(map[string]struct{}, len(opts.TrustedIPs))
	for _, ip := range opts.TrustedIPs {
		trusted[ip] = struct{}{}
	}
	return &Filter{
		opts:    opts,
		cache:   cache,
		limiter: NewIPLimiter(cache, opts.RateLimitPerMinute, opts.BurstLimit, opts.BlockFor),
		replay:  NewReplayGuard(cache, opts.MaxSkew, opts.NonceWindow),
		flood:   NewFloodController(cache, opts.PlaybookFloodPerMinute, opts.GlobalFloodPerMinute),
		trusted: trusted,
		sink:    sink,
		logger:  logger.With(zap.String("component", "security")),
	}
}

// Trusted reports whether ip is on the configured trust list. Trusted
// sources bypass every filter stage: rate, burst, replay, signature,
// and flood.
func (f *Filter) Trusted(ip string) bool {
	_, ok := f.trusted[ip]
	return ok
}

// CheckSource runs the per-IP rate and burst windows.
func (f *Filter) CheckSource(ctx context.Context, ip string) (*RejectError, error) {
	if f.Trusted(ip) {
		return nil, nil
	}
	rej, err := f.limiter.Check(ctx, ip)
	if err != nil {
		return nil, err
	}
	if rej != nil {
		f.emit(rej, ip, "")
	}
	return rej, nil
}

// CheckDelivery validates the optional signature headers and replay
// nonce for a delivery to webhookID. The secret is the webhook's shared
// secret; it keys the HMAC when a signature is present. Signature
// verification runs before the nonce is consumed.
func (f *Filter) CheckDelivery(ctx context.Context, ip, webhookID string, payload []byte, timestamp, signature, secret string) (*RejectError, error) {
	if f.Trusted(ip) {
		return nil, nil
	}
	if signature == "" && timestamp == "" {
		return nil, nil
	}
	if signature != "" && timestamp == "" {
		rej := &RejectError{Code: CodeMissingTimestamp, Detail: "signed delivery without " + signing.HeaderTimestamp}
		f.emit(rej, ip, webhookID)
		return rej, nil
	}

	if signature != "" {
		if err := signing.NewSigner([]byte(secret)).Verify(timestamp, payload, signature); err != nil {
			if !errors.Is(err, signing.ErrMismatch) {
				return nil, err
			}
			rej := &RejectError{Code: CodeInvalidSignature, Detail: "payload signature mismatch"}
			f.emit(rej, ip, webhookID)
			return rej, nil
		}
	}

	rej, err := f.replay.Check(ctx, webhookID, payload, timestamp)
	if err != nil {
		return nil, err
	}
	if rej != nil {
		f.emit(rej, ip, webhookID)
	}
	return rej, nil
}

// AdmitFlood consumes flood budget for an event about to create an
// execution on playbookID. webhookPerMinute is the webhook's own cap,
// zero when the webhook does not set one.
func (f *Filter) AdmitFlood(ctx context.Context, ip, playbookID, webhookID string, webhookPerMinute int) (*RejectError, error) {
	if f.Trusted(ip) {
		return nil, nil
	}
	rej, err := f.flood.Admit(ctx, playbookID, webhookID, webhookPerMinute)
	if err != nil {
		return nil, err
	}
	if rej != nil {
		f.emit(rej, ip, webhookID)
	}
	return rej, nil
}

func (f *Filter) emit(rej *RejectError, ip, webhookID string) {
	metrics.RecordSecurityRejection(rej.Code)
	ev := Event{
		Type:      rej.Code,
		SourceIP:  ip,
		WebhookID: webhookID,
		Detail:    rej.Detail,
		At:        time.Now().UTC(),
	}
	if f.sink != nil {
		f.sink.RecordSecurityEvent(ev)
	}
	f.logger.Warn("delivery rejected",
		zap.String("code", rej.Code),
		zap.String("source_ip", ip),
		zap.String("webhook_id", webhookID),
		zap.String("detail", rej.Detail))
}

// CacheStats reports live entry counts in the filter's state cache,
// split by concern. Bucketed counters (rate, burst, flood) count
// buckets, not requests.
type CacheStats struct {
	BlockedSources int64 `json:"blocked_sources"`
	RateEntries    int64 `json:"rate_entries"`
	BurstEntries   int64 `json:"burst_entries"`
	Nonces         int64 `json:"nonces"`
	FloodEntries   int64 `json:"flood_entries"`
}

// CacheStats counts the filter's live cache entries by key class.
func (f *Filter) CacheStats(ctx context.Context) (CacheStats, error) {
	var stats CacheStats
	counts := []struct {
		prefix string
		out    *int64
	}{
		{"block:", &stats.BlockedSources},
		{"rate:", &stats.RateEntries},
		{"burst:", &stats.BurstEntries},
		{"nonce:", &stats.Nonces},
		{"flood:", &stats.FloodEntries},
	}
	for _, c := range counts {
		n, err := f.cache.CountPrefix(ctx, c.prefix)
		if err != nil {
			return stats, fmt.Errorf("count %s entries: %w", c.prefix, err)
		}
		*c.out = n
	}
	return stats, nil
}

// ConfigSnapshot is the effective filter configuration, served by
// GET /security/config.
type ConfigSnapshot struct {
	RateLimitPerMinute     int      `json:"rate_limit_per_minute"`
	BurstLimit             int      `json:"burst_limit"`
	BlockSeconds           int      `json:"block_seconds"`
	TimestampSkewSeconds   int      `json:"timestamp_skew_seconds"`
	NonceWindowSeconds     int      `json:"nonce_window_seconds"`
	PlaybookFloodPerMinute int      `json:"playbook_flood_per_minute"`
	GlobalFloodPerMinute   int      `json:"global_flood_per_minute"`
	TrustedIPs             []string `json:"trusted_ips"`
}

// Snapshot returns the running configuration.
func (f *Filter) Snapshot() ConfigSnapshot {
	trusted := f.opts.TrustedIPs
	if trusted == nil {
		trusted = []string{}
	}
	return ConfigSnapshot{
		RateLimitPerMinute:     f.opts.RateLimitPerMinute,
		BurstLimit:             f.opts.BurstLimit,
		BlockSeconds:           int(f.opts.BlockFor / time.Second),
		TimestampSkewSeconds:   int(f.opts.MaxSkew / time.Second),
		NonceWindowSeconds:     int(f.opts.NonceWindow / time.Second),
		PlaybookFloodPerMinute: f.opts.PlaybookFloodPerMinute,
		GlobalFloodPerMinute:   f.opts.GlobalFloodPerMinute,
		TrustedIPs:             trusted,
	}
}
