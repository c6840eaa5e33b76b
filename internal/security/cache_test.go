package security

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMemoryCache(clk *fakeClock) *MemoryCache {
	c := NewMemoryCache(0) // no sweeper goroutine in tests
	c.now = clk.Now
	return c
}

func TestMemoryCacheIncrAndGet(t *testing.T) {
	clk := newFakeClock()
	c := newTestMemoryCache(clk)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := c.IncrBucket(ctx, "rate:1.2.3.4", 100, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if n != i {
			t.Fatalf("count = %d, want %d", n, i)
		}
	}
	n, err := c.GetBucket(ctx, "rate:1.2.3.4", 100)
	if err != nil || n != 3 {
		t.Fatalf("GetBucket = %d, %v", n, err)
	}
	if n, _ := c.GetBucket(ctx, "rate:1.2.3.4", 99); n != 0 {
		t.Fatalf("other bucket should be empty, got %d", n)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	clk := newFakeClock()
	c := newTestMemoryCache(clk)
	ctx := context.Background()

	c.IncrBucket(ctx, "k", 1, time.Minute)
	clk.Advance(61 * time.Second)
	if n, _ := c.GetBucket(ctx, "k", 1); n != 0 {
		t.Fatalf("expired bucket should read zero, got %d", n)
	}
}

func TestMemoryCacheSetNX(t *testing.T) {
	clk := newFakeClock()
	c := newTestMemoryCache(clk)
	ctx := context.Background()

	stored, err := c.SetNX(ctx, "nonce:abc", time.Minute)
	if err != nil || !stored {
		t.Fatalf("first SetNX = %v, %v", stored, err)
	}
	stored, _ = c.SetNX(ctx, "nonce:abc", time.Minute)
	if stored {
		t.Fatal("second SetNX should report existing key")
	}
	clk.Advance(2 * time.Minute)
	stored, _ = c.SetNX(ctx, "nonce:abc", time.Minute)
	if !stored {
		t.Fatal("SetNX after expiry should store again")
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	clk := newFakeClock()
	c := newTestMemoryCache(clk)
	ctx := context.Background()

	c.Set(ctx, "block:ip", 5*time.Minute)
	clk.Advance(2 * time.Minute)
	ttl, err := c.TTL(ctx, "block:ip")
	if err != nil {
		t.Fatal(err)
	}
	if ttl != 3*time.Minute {
		t.Fatalf("TTL = %s, want 3m", ttl)
	}
	if ttl, _ := c.TTL(ctx, "missing"); ttl != 0 {
		t.Fatalf("missing key TTL = %s, want 0", ttl)
	}
}

func TestMemoryCacheSweep(t *testing.T) {
	clk := newFakeClock()
	c := newTestMemoryCache(clk)
	ctx := context.Background()

	c.Set(ctx, "a", time.Second)
	c.Set(ctx, "b", time.Hour)
	clk.Advance(2 * time.Second)
	c.sweep()
	if got := c.size(); got != 1 {
		t.Fatalf("size after sweep = %d, want 1", got)
	}
}

func TestMemoryCacheCountPrefix(t *testing.T) {
	clk := newFakeClock()
	c := newTestMemoryCache(clk)
	ctx := context.Background()

	c.Set(ctx, "block:1.1.1.1", time.Minute)
	c.Set(ctx, "block:2.2.2.2", time.Second)
	c.Set(ctx, "nonce:abc", time.Minute)
	clk.Advance(2 * time.Second)

	if n, _ := c.CountPrefix(ctx, "block:"); n != 1 {
		t.Fatalf("CountPrefix(block:) = %d, want 1 live entry", n)
	}
	if n, _ := c.CountPrefix(ctx, "nonce:"); n != 1 {
		t.Fatalf("CountPrefix(nonce:) = %d, want 1", n)
	}
	if n, _ := c.CountPrefix(ctx, "flood:"); n != 0 {
		t.Fatalf("CountPrefix(flood:) = %d, want 0", n)
	}
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCache(client, "test")
	ctx := context.Background()

	n, err := c.IncrBucket(ctx, "rate:ip", 7, time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("IncrBucket = %d, %v", n, err)
	}
	n, _ = c.IncrBucket(ctx, "rate:ip", 7, time.Minute)
	if n != 2 {
		t.Fatalf("second incr = %d, want 2", n)
	}
	if n, _ := c.GetBucket(ctx, "rate:ip", 7); n != 2 {
		t.Fatalf("GetBucket = %d, want 2", n)
	}

	stored, _ := c.SetNX(ctx, "nonce:x", time.Minute)
	if !stored {
		t.Fatal("first SetNX should store")
	}
	stored, _ = c.SetNX(ctx, "nonce:x", time.Minute)
	if stored {
		t.Fatal("second SetNX should not store")
	}

	ok, _ := c.Exists(ctx, "nonce:x")
	if !ok {
		t.Fatal("nonce:x should exist")
	}
	ttl, _ := c.TTL(ctx, "nonce:x")
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("TTL = %s", ttl)
	}
	if n, _ := c.CountPrefix(ctx, "nonce:"); n != 1 {
		t.Fatalf("CountPrefix(nonce:) = %d, want 1", n)
	}

	mr.FastForward(2 * time.Minute)
	ok, _ = c.Exists(ctx, "nonce:x")
	if ok {
		t.Fatal("nonce:x should have expired")
	}
	if n, _ := c.GetBucket(ctx, "rate:ip", 7); n != 0 {
		t.Fatalf("expired bucket = %d, want 0", n)
	}
}
