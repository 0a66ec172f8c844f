// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

// Package cache provides the bounded, expiring key set used to suppress
// redelivered broker messages.
package cache

import (
	"container/list"
	"sync"
	"time"
)

const (
	defaultCapacity = 10000
	defaultTTL      = 5 * time.Minute
)

type dedupEntry struct {
	key       string
	expiresAt time.Time
}

// DedupCache is a thread-safe set of recently processed keys with
// least-recently-used eviction and a per-entry TTL.
//
// Check and record are separate so a caller can mark a key only after the
// work succeeded; a failed attempt stays eligible for redelivery.
type DedupCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration

	// order front is most recently marked.
	order *list.List
	items map[string]*list.Element

	hits   int64
	misses int64

	now func() time.Time
}

// NewDedupCache creates a cache holding at most capacity keys for ttl each.
func NewDedupCache(capacity int, ttl time.Duration) *DedupCache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &DedupCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
		now:      time.Now,
	}
}

// Seen reports whether key was marked and has not expired.
func (c *DedupCache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return false
	}
	if c.now().After(el.Value.(*dedupEntry).expiresAt) {
		c.remove(el)
		c.misses++
		return false
	}
	c.hits++
	return true
}

// Mark records key as processed, refreshing its TTL if already present.
func (c *DedupCache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		el.Value.(*dedupEntry).expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	c.items[key] = c.order.PushFront(&dedupEntry{key: key, expiresAt: expiresAt})
	for len(c.items) > c.capacity {
		c.remove(c.order.Back())
	}
}

// Len returns the number of keys held, including expired ones not yet
// removed.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// CleanupExpired removes every expired key and returns how many were
// removed.
func (c *DedupCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*dedupEntry).expiresAt) {
			c.remove(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Stats returns hit/miss counts and the current size.
func (c *DedupCache) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.items)
}

// remove unlinks el. Caller holds mu.
func (c *DedupCache) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*dedupEntry).key)
}
