// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

// Package webhooks delivers Slack-compatible notifications for processed
// events. Delivery is fire-and-forget from the pipeline's point of view: a
// bounded queue feeds a fixed number of workers, each destination is rate
// limited and each host sits behind its own circuit breaker.
package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/pulseline/internal/breaker"
	"github.com/tomtom215/pulseline/internal/config"
	"github.com/tomtom215/pulseline/internal/errorsink"
	"github.com/tomtom215/pulseline/internal/eventlog"
	"github.com/tomtom215/pulseline/internal/metrics"
)

// Breaker settings per destination host.
const (
	hostBreakerFailures = 5
	hostBreakerTimeout  = 30 * time.Second
)

// Dispatcher queues and delivers webhook messages.
type Dispatcher struct {
	cfg    config.WebhooksConfig
	client *http.Client
	sink   errorsink.Sink
	logger zerolog.Logger
	queue  chan Message

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// NewDispatcher creates a dispatcher. Call Run to start delivering.
func NewDispatcher(cfg config.WebhooksConfig, sink errorsink.Sink, logger *zerolog.Logger, opts ...Option) *Dispatcher {
	if sink == nil {
		sink = errorsink.Nop
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	d := &Dispatcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		sink:     sink,
		logger:   logger.With().Str("component", "webhooks").Logger(),
		queue:    make(chan Message, cfg.QueueSize),
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue schedules msg without blocking. It returns false when the message
// was rejected (bad URL) or dropped (queue full).
func (d *Dispatcher) Enqueue(msg Message) bool {
	if _, err := ValidateURL(msg.URL); err != nil {
		metrics.WebhookDeliveries.WithLabelValues("rejected").Inc()
		d.logger.Warn().Err(err).Int64("team_id", msg.TeamID).Msg("webhook rejected")
		return false
	}
	select {
	case d.queue <- msg:
		return true
	default:
		metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
		d.logger.Warn().Int64("team_id", msg.TeamID).Msg("webhook queue full, message dropped")
		return false
	}
}

// Pending is the number of queued, undelivered messages.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Run delivers queued messages until ctx ends. Messages still queued when
// ctx ends are discarded.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-d.queue:
					_ = d.Deliver(ctx, msg)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Deliver sends msg now, honoring the destination's rate limit and host
// breaker. Failures are reported to the error sink and returned.
func (d *Dispatcher) Deliver(ctx context.Context, msg Message) error {
	u, err := ValidateURL(msg.URL)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("rejected").Inc()
		return err
	}

	if err := d.limiter(msg.URL).Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit wait: %w", err)
	}

	_, err = d.breaker(u.Host).Execute(func() (struct{}, error) {
		return struct{}{}, d.post(ctx, msg)
	})
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("error").Inc()
		d.sink.Capture(ctx, err, map[string]string{
			"source":     "webhook",
			"host":       u.Host,
			"team_id":    strconv.FormatInt(msg.TeamID, 10),
			"event_uuid": msg.EventUUID,
		})
		return err
	}
	metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
	return nil
}

func (d *Dispatcher) post(ctx context.Context, msg Message) error {
	body, err := eventlog.Encode(Payload{Text: msg.Text})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		if after := resp.Header.Get("Retry-After"); after != "" {
			return fmt.Errorf("%w: retry after %ss", ErrRateLimited, after)
		}
		return ErrRateLimited
	default:
		return fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, snippet)
	}
}

func (d *Dispatcher) limiter(dest string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[dest]
	if !ok {
		l = rate.NewLimiter(rate.Limit(d.cfg.RatePerSec), d.cfg.Burst)
		d.limiters[dest] = l
	}
	return l
}

func (d *Dispatcher) breaker(host string) *gobreaker.CircuitBreaker[struct{}] {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[host]
	if !ok {
		cb = breaker.New[struct{}](breaker.Config{
			Name:        "webhook:" + host,
			MaxFailures: hostBreakerFailures,
			Timeout:     hostBreakerTimeout,
		}, &d.logger)
		d.breakers[host] = cb
	}
	return cb
}
