// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

type counters struct {
	acquired atomic.Int32
	lost     atomic.Int32
}

func (c *counters) callbacks() Callbacks {
	return Callbacks{
		OnAcquired: func() { c.acquired.Add(1) },
		OnLost:     func() { c.lost.Add(1) },
	}
}

func testLockConfig() RedisConfig {
	return RedisConfig{Key: "test:lock", TTL: time.Second, RenewInterval: 10 * time.Millisecond}
}

// startLocker runs l in the background. The returned stop cancels Run and
// waits for it to return.
func startLocker(t *testing.T, l Locker, cb Callbacks) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx, cb)
		close(done)
	}()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return stop
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRedisLockIsExclusive(t *testing.T) {
	t.Parallel()
	_, client := newRedis(t)
	logger := zerolog.Nop()

	a, err := NewRedis(client, testLockConfig(), &logger)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewRedis(client, testLockConfig(), &logger)

	var ca, cb counters
	stopA := startLocker(t, a, ca.callbacks())
	eventually(t, a.Held, "a never acquired")

	startLocker(t, b, cb.callbacks())
	time.Sleep(50 * time.Millisecond)
	if b.Held() || cb.acquired.Load() != 0 {
		t.Fatal("b acquired a held lock")
	}

	stopA()
	if err := a.Release(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, b.Held, "b never acquired after release")
	if ca.acquired.Load() != 1 || cb.acquired.Load() != 1 {
		t.Errorf("acquired a=%d b=%d", ca.acquired.Load(), cb.acquired.Load())
	}
}

func TestRedisLockRenewsAndDetectsLoss(t *testing.T) {
	t.Parallel()
	mr, client := newRedis(t)
	logger := zerolog.Nop()

	l, _ := NewRedis(client, testLockConfig(), &logger)
	var c counters
	startLocker(t, l, c.callbacks())
	eventually(t, l.Held, "never acquired")

	time.Sleep(50 * time.Millisecond)
	if ttl := mr.TTL("test:lock"); ttl <= 0 || ttl > time.Second {
		t.Errorf("ttl = %v, want renewed lease", ttl)
	}

	// Someone else takes the key after our lease lapsed.
	mr.FastForward(2 * time.Second)
	if err := mr.Set("test:lock", "other"); err != nil {
		t.Fatal(err)
	}

	eventually(t, func() bool { return c.lost.Load() >= 1 && !l.Held() }, "loss not reported")

	// Releasing must not delete the other owner's key.
	if err := l.Release(context.Background()); err != nil {
		t.Fatal(err)
	}
	if v, _ := mr.Get("test:lock"); v != "other" {
		t.Errorf("key = %q, want other owner's token", v)
	}
}

func TestNewRedisValidatesTiming(t *testing.T) {
	t.Parallel()
	_, client := newRedis(t)
	logger := zerolog.Nop()

	tests := []RedisConfig{
		{TTL: 0, RenewInterval: time.Second},
		{TTL: time.Second, RenewInterval: 0},
		{TTL: time.Second, RenewInterval: time.Second},
	}
	for _, cfg := range tests {
		if _, err := NewRedis(client, cfg, &logger); err == nil {
			t.Errorf("config %+v accepted", cfg)
		}
	}
}

func TestLocalLocker(t *testing.T) {
	t.Parallel()
	l := NewLocal()
	var c counters
	stop := startLocker(t, l, c.callbacks())
	eventually(t, l.Held, "local never acquired")

	stop()
	if err := l.Release(context.Background()); err != nil {
		t.Fatal(err)
	}
	if l.Held() {
		t.Error("held after release")
	}
	if c.acquired.Load() != 1 || c.lost.Load() != 0 {
		t.Errorf("acquired=%d lost=%d", c.acquired.Load(), c.lost.Load())
	}
}

func TestRedisLockReclaimsOwnLeaseAfterRenewError(t *testing.T) {
	t.Parallel()
	mr, client := newRedis(t)
	logger := zerolog.Nop()
	ctx := context.Background()
	cfg := RedisConfig{Key: "test:lock", TTL: time.Minute, RenewInterval: time.Second}

	l, _ := NewRedis(client, cfg, &logger)
	other, _ := NewRedis(client, cfg, &logger)
	var c, co counters

	l.tick(ctx, c.callbacks())
	if !l.Held() {
		t.Fatal("never acquired")
	}

	mr.SetError("ERR injected failure")
	l.tick(ctx, c.callbacks())
	if l.Held() || c.lost.Load() != 1 {
		t.Fatalf("held=%v lost=%d after failed renewal", l.Held(), c.lost.Load())
	}
	mr.SetError("")

	// The lease is still ours in Redis, so the next attempt takes it back
	// instead of waiting a full TTL; nobody else can.
	other.tick(ctx, co.callbacks())
	l.tick(ctx, c.callbacks())
	if !l.Held() || c.acquired.Load() != 2 {
		t.Errorf("held=%v acquired=%d, want reclaimed lease", l.Held(), c.acquired.Load())
	}
	if other.Held() || co.acquired.Load() != 0 {
		t.Error("another node took a live lease")
	}
	if ttl := mr.TTL("test:lock"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl = %v, want refreshed lease", ttl)
	}
}
