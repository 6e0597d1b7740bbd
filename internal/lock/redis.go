// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/metrics"
)

// Release and renew act only while KEYS[1] still holds our token. Acquire
// also succeeds when the key already holds our token, which happens after a
// renewal failed on a transient error while the lease was still live.
const (
	acquireScript = `
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
  return 1
end
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`
	releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`
	renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`
)

// RedisConfig names the lease and its timing. RenewInterval must be well
// below TTL so a live holder never lets the lease lapse.
type RedisConfig struct {
	Key           string
	TTL           time.Duration
	RenewInterval time.Duration
}

// Redis is a Locker backed by a single Redis key set with SET NX PX.
type Redis struct {
	client  redis.Cmdable
	cfg     RedisConfig
	token   string
	acquire *redis.Script
	release *redis.Script
	renew   *redis.Script
	logger  zerolog.Logger

	mu   sync.Mutex
	held bool
}

// NewRedis creates a Redis locker with a fresh random token.
func NewRedis(client redis.Cmdable, cfg RedisConfig, logger *zerolog.Logger) (*Redis, error) {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}
	if cfg.RenewInterval <= 0 || cfg.RenewInterval >= cfg.TTL {
		return nil, fmt.Errorf("lock renew interval %s must be positive and below ttl %s", cfg.RenewInterval, cfg.TTL)
	}
	return &Redis{
		client:  client,
		cfg:     cfg,
		token:   uuid.NewString(),
		acquire: redis.NewScript(acquireScript),
		release: redis.NewScript(releaseScript),
		renew:   redis.NewScript(renewScript),
		logger:  logger.With().Str("component", "lock").Str("key", cfg.Key).Logger(),
	}, nil
}

// Held reports whether this locker believes it holds the lease.
func (l *Redis) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *Redis) setHeld(v bool) (changed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	changed = l.held != v
	l.held = v
	return changed
}

// Run tries to acquire the lease every RenewInterval and renews it while
// held. It returns nil when ctx ends; the lease is left to expire unless
// Release is called.
func (l *Redis) Run(ctx context.Context, cb Callbacks) error {
	ticker := time.NewTicker(l.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		l.tick(ctx, cb)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (l *Redis) tick(ctx context.Context, cb Callbacks) {
	if l.Held() {
		n, err := l.renew.Run(ctx, l.client, []string{l.cfg.Key}, l.token, l.cfg.TTL.Milliseconds()).Int()
		if err == nil && n == 1 {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if l.setHeld(false) {
			l.logger.Warn().Err(err).Msg("schedule lock lost")
			cb.lost()
		}
		return
	}

	n, err := l.acquire.Run(ctx, l.client, []string{l.cfg.Key}, l.token, l.cfg.TTL.Milliseconds()).Int()
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Debug().Err(err).Msg("schedule lock acquire failed")
		}
		return
	}
	if n == 1 && l.setHeld(true) {
		l.logger.Info().Dur("ttl", l.cfg.TTL).Msg("schedule lock acquired")
		cb.acquired()
	}
}

// Release deletes the lease if this locker still owns it.
func (l *Redis) Release(ctx context.Context) error {
	wasHeld := l.setHeld(false)
	if err := l.release.Run(ctx, l.client, []string{l.cfg.Key}, l.token).Err(); err != nil {
		return fmt.Errorf("release schedule lock: %w", err)
	}
	if wasHeld {
		metrics.RecordLockHeld(false)
		l.logger.Info().Msg("schedule lock released")
	}
	return nil
}
