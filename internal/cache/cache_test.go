// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package cache

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestCacheFreshnessBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		after time.Duration
		fresh bool
	}{
		{"immediately", 0, true},
		{"just before ttl", 30*time.Second - time.Millisecond, true},
		{"exactly ttl", 30 * time.Second, true},
		{"just after ttl", 30*time.Second + time.Millisecond, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clock := &fakeClock{now: time.Unix(0, 0)}
			c := New[int64, string](30*time.Second, clock)
			c.Set(1, "v")

			clock.Advance(tt.after)
			_, ok := c.Get(1)
			if ok != tt.fresh {
				t.Errorf("Get after %v: ok = %v, want %v", tt.after, ok, tt.fresh)
			}
		})
	}
}

func TestCacheUpdateKeepsAge(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	c := New[string, int](10*time.Second, clock)
	c.Set("k", 1)

	clock.Advance(9 * time.Second)
	if !c.Update("k", 2) {
		t.Fatal("Update should find the key")
	}
	if c.Update("missing", 1) {
		t.Error("Update should not insert")
	}

	clock.Advance(2 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Error("Update must not refresh the entry age")
	}
}

func TestCacheStatsAndCleanup(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	c := New[string, int](time.Second, clock)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Get("a")
	c.Get("zzz")
	if hr := c.HitRate(); hr != 50 {
		t.Errorf("HitRate = %v, want 50", hr)
	}

	clock.Advance(2 * time.Second)
	if n := c.Cleanup(); n != 2 {
		t.Errorf("Cleanup removed %d, want 2", n)
	}
	s := c.GetStats()
	if s.Keys != 0 || s.Evictions != 2 {
		t.Errorf("stats = %+v", s)
	}

	c.Set("c", 3)
	c.Delete("c")
	if c.GetStats().Evictions != 3 {
		t.Errorf("Delete should count an eviction")
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	t.Parallel()

	c := New[int, int](time.Minute, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Set(j%10, n)
				c.Get(j % 10)
			}
		}(i)
	}
	wg.Wait()

	if c.GetStats().Keys != 10 {
		t.Errorf("Keys = %d, want 10", c.GetStats().Keys)
	}
}
