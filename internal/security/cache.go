/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package security implements the ingestion security filter: per-source
// rate limiting, replay protection, payload signature verification, and
// flood control. State lives behind the Cache interface so a single node
// can run in-process while a fleet shares counters through Redis.
package security

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Cache is the state backend for the security filter. Keys are plain
// strings; bucketed counters compose the bucket index into the key so
// implementations stay a flat keyspace.
type Cache interface {
	// IncrBucket adds one to the counter for (key, bucket) and returns
	// the new count. The entry expires after ttl.
	IncrBucket(ctx context.Context, key string, bucket int64, ttl time.Duration) (int64, error)
	// GetBucket returns the counter for (key, bucket), zero if absent.
	GetBucket(ctx context.Context, key string, bucket int64) (int64, error)
	// SetNX stores key if absent and reports whether it was stored.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Set stores key unconditionally.
	Set(ctx context.Context, key string, ttl time.Duration) error
	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining lifetime of key, zero if absent.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// CountPrefix returns the number of live keys starting with prefix.
	CountPrefix(ctx context.Context, prefix string) (int64, error)
	// Close releases backend resources.
	Close() error
}

func bucketKey(key string, bucket int64) string {
	return fmt.Sprintf("%s:%d", key, bucket)
}

// MemoryCache is the single-node Cache. A background sweeper drops
// expired entries so idle keys do not accumulate.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry

	now  func() time.Time
	done chan struct{}
	once sync.Once
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryCache creates an in-process cache sweeping every sweepEvery.
func NewMemoryCache(sweepEvery time.Duration) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if sweepEvery > 0 {
		go c.sweepLoop(sweepEvery)
	}
	return c
}

func (c *MemoryCache) IncrBucket(_ context.Context, key string, bucket int64, ttl time.Duration) (int64, error) {
	k := bucketKey(key, bucket)
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.live(k)
	if e == nil {
		e = &memoryEntry{expiresAt: c.now().Add(ttl)}
		c.entries[k] = e
	}
	e.count++
	return e.count, nil
}

func (c *MemoryCache) GetBucket(_ context.Context, key string, bucket int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.live(bucketKey(key, bucket)); e != nil {
		return e.count, nil
	}
	return 0, nil
}

func (c *MemoryCache) SetNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live(key) != nil {
		return false, nil
	}
	c.entries[key] = &memoryEntry{count: 1, expiresAt: c.now().Add(ttl)}
	return true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &memoryEntry{count: 1, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live(key) != nil, nil
}

func (c *MemoryCache) TTL(_ context.Context, key string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.live(key)
	if e == nil {
		return 0, nil
	}
	return e.expiresAt.Sub(c.now()), nil
}

func (c *MemoryCache) CountPrefix(_ context.Context, prefix string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var n int64
	for k, e := range c.entries {
		if now.Before(e.expiresAt) && strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n, nil
}

// Close stops the sweeper.
func (c *MemoryCache) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// live returns the entry for k, evicting it inline when expired.
// Callers must hold c.mu.
func (c *MemoryCache) live(k string) *memoryEntry {
	e, ok := c.entries[k]
	if !ok {
		return nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, k)
		return nil
	}
	return e
}

func (c *MemoryCache) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *MemoryCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// size reports live entry count, for tests.
func (c *MemoryCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
