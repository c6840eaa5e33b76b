package security

import (
	"context"
	"fmt"
	"time"
)

// FloodController caps how many events may be admitted per webhook, per
// playbook, and across the whole engine per minute. Unlike the IP
// limiter it counts only admitted events: traffic rejected earlier in
// the filter never consumes flood budget.
type FloodController struct {
	cache       Cache
	perPlaybook int
	global      int

	now func() time.Time
}

// NewFloodController creates a controller with per-playbook and global
// per-minute ceilings. Per-webhook ceilings ride in on each Admit call
// because they are configured on the webhook itself.
func NewFloodController(cache Cache, perPlaybook, global int) *FloodController {
	return &FloodController{cache: cache, perPlaybook: perPlaybook, global: global, now: time.Now}
}

// Admit checks every ceiling and, only if the event fits under all of
// them, consumes one unit from each. webhookPerMinute is the webhook's
// own cap; zero means uncapped. Counts live in fixed one-minute buckets
// retained for two minutes.
func (f *FloodController) Admit(ctx context.Context, playbookID, webhookID string, webhookPerMinute int) (*RejectError, error) {
	now := f.now()
	bucket := now.Unix() / 60
	retry := time.Duration(60-now.Unix()%60) * time.Second
	pbKey := "flood:pb:" + playbookID
	whKey := "flood:wh:" + webhookID

	if webhookPerMinute > 0 {
		whCount, err := f.cache.GetBucket(ctx, whKey, bucket)
		if err != nil {
			return nil, fmt.Errorf("webhook flood count: %w", err)
		}
		if whCount >= int64(webhookPerMinute) {
			return &RejectError{
				Code:       CodeWebhookFlood,
				Detail:     fmt.Sprintf("webhook %s exceeded %d events/min", webhookID, webhookPerMinute),
				RetryAfter: retry,
			}, nil
		}
	}

	pbCount, err := f.cache.GetBucket(ctx, pbKey, bucket)
	if err != nil {
		return nil, fmt.Errorf("playbook flood count: %w", err)
	}
	if pbCount >= int64(f.perPlaybook) {
		return &RejectError{
			Code:       CodePlaybookFlood,
			Detail:     fmt.Sprintf("playbook %s exceeded %d events/min", playbookID, f.perPlaybook),
			RetryAfter: retry,
		}, nil
	}

	globalCount, err := f.cache.GetBucket(ctx, "flood:global", bucket)
	if err != nil {
		return nil, fmt.Errorf("global flood count: %w", err)
	}
	if globalCount >= int64(f.global) {
		return &RejectError{
			Code:       CodeGlobalFlood,
			Detail:     fmt.Sprintf("engine exceeded %d events/min", f.global),
			RetryAfter: retry,
		}, nil
	}

	if webhookPerMinute > 0 {
		if _, err := f.cache.IncrBucket(ctx, whKey, bucket, 2*time.Minute); err != nil {
			return nil, fmt.Errorf("consume webhook flood budget: %w", err)
		}
	}
	if _, err := f.cache.IncrBucket(ctx, pbKey, bucket, 2*time.Minute); err != nil {
		return nil, fmt.Errorf("consume playbook flood budget: %w", err)
	}
	if _, err := f.cache.IncrBucket(ctx, "flood:global", bucket, 2*time.Minute); err != nil {
		return nil, fmt.Errorf("consume global flood budget: %w", err)
	}
	return nil, nil
}
