// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests move time forward without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache(capacity int, ttl time.Duration) (*DedupCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewDedupCache(capacity, ttl)
	c.now = clock.Now
	return c, clock
}

func TestDedupCache_SeenAndMark(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)

	if c.Seen("msg-1") {
		t.Error("unmarked key reported as seen")
	}
	c.Mark("msg-1")
	if !c.Seen("msg-1") {
		t.Error("marked key not reported as seen")
	}
	hits, misses, size := c.Stats()
	if hits != 1 || misses != 1 || size != 1 {
		t.Errorf("Stats() = %d/%d/%d, want 1/1/1", hits, misses, size)
	}
}

func TestDedupCache_Expiry(t *testing.T) {
	c, clock := newTestCache(10, time.Minute)
	c.Mark("a")
	c.Mark("b")

	clock.Advance(30 * time.Second)
	c.Mark("b") // refresh

	clock.Advance(45 * time.Second)
	if c.Seen("a") {
		t.Error("expired key still seen")
	}
	if !c.Seen("b") {
		t.Error("refreshed key expired early")
	}

	clock.Advance(time.Minute)
	if removed := c.CleanupExpired(); removed != 1 {
		t.Errorf("CleanupExpired() = %d, want 1", removed)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestDedupCache_EvictsLeastRecent(t *testing.T) {
	c, _ := newTestCache(3, time.Hour)
	c.Mark("a")
	c.Mark("b")
	c.Mark("c")
	c.Mark("a") // a is now most recent
	c.Mark("d") // evicts b

	if c.Seen("b") {
		t.Error("least recently marked key should be evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if !c.Seen(k) {
			t.Errorf("key %s should be retained", k)
		}
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
}

func TestDedupCache_Defaults(t *testing.T) {
	c := NewDedupCache(0, 0)
	if c.capacity != defaultCapacity || c.ttl != defaultTTL {
		t.Errorf("defaults = %d/%v", c.capacity, c.ttl)
	}
}

func TestDedupCache_ConcurrentMark(t *testing.T) {
	c := NewDedupCache(1000, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", j)
				if !c.Seen(key) {
					c.Mark(key)
				}
			}
		}()
	}
	wg.Wait()

	if got := c.Len(); got != 100 {
		t.Errorf("Len() = %d, want 100", got)
	}
}
