// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

// Package consumer feeds broker messages into the worker pool and stops
// reading when the pool falls behind.
//
// The consumer is paused while the pool has more than concurrency² pending
// work units. The check is level-triggered: it runs after every dispatch and
// after every completion, so intake resumes as soon as the backlog drains
// back to the threshold.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/metrics"
	"github.com/tomtom215/pulseline/internal/workerpool"
)

// Processor handles one message. A nil error acks the message; any other
// error nacks it for redelivery unless it is marked Permanent.
type Processor func(ctx context.Context, msg *message.Message) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering. The message is acked and
// the error logged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// BackpressureConsumer reads one topic and runs each message on a pool.
type BackpressureConsumer struct {
	sub       message.Subscriber
	topic     string
	pool      *workerpool.Pool
	process   Processor
	threshold int
	logger    zerolog.Logger

	paused atomic.Bool
}

// New creates a consumer. The pause threshold is the square of the pool's
// concurrency.
func New(sub message.Subscriber, topic string, pool *workerpool.Pool, process Processor, logger *zerolog.Logger) *BackpressureConsumer {
	c := pool.Concurrency()
	return &BackpressureConsumer{
		sub:       sub,
		topic:     topic,
		pool:      pool,
		process:   process,
		threshold: c * c,
		logger:    logger.With().Str("component", "consumer").Str("topic", topic).Logger(),
	}
}

// Paused reports whether intake is currently stopped.
func (c *BackpressureConsumer) Paused() bool { return c.paused.Load() }

// Threshold is the pending depth above which intake pauses.
func (c *BackpressureConsumer) Threshold() int { return c.threshold }

func (c *BackpressureConsumer) setPaused(p bool) {
	if c.paused.Swap(p) == p {
		return
	}
	if p {
		metrics.ConsumerPauses.Inc()
		c.logger.Info().Int("pending", c.pool.Pending()).Int("threshold", c.threshold).Msg("consumer paused")
		return
	}
	c.logger.Info().Int("pending", c.pool.Pending()).Msg("consumer resumed")
}

// Run subscribes and dispatches until ctx ends or the subscription closes.
// Work already on the pool keeps running; the pool owner drains it with
// workerpool.Pool.Close.
func (c *BackpressureConsumer) Run(ctx context.Context) error {
	msgs, err := c.sub.Subscribe(ctx, c.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.topic, err)
	}
	c.logger.Info().Int("threshold", c.threshold).Msg("consumer started")

	for {
		if c.pool.Pending() > c.threshold {
			c.setPaused(true)
			select {
			case <-ctx.Done():
				return nil
			case <-c.pool.Settled():
				continue
			}
		}
		c.setPaused(false)

		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Info().Msg("subscription closed")
				return nil
			}
			if err := c.dispatch(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// dispatch detaches the work from ctx so messages already handed to the pool
// finish during shutdown instead of being abandoned half-processed.
func (c *BackpressureConsumer) dispatch(ctx context.Context, msg *message.Message) error {
	_, err := c.pool.Submit(context.WithoutCancel(ctx), func(ctx context.Context) error {
		err := c.process(ctx, msg)
		switch {
		case err == nil:
			msg.Ack()
		case IsPermanent(err):
			c.logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("dropping unprocessable message")
			msg.Ack()
		default:
			c.logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("processing failed, message nacked")
			msg.Nack()
		}
		return err
	})
	if err != nil {
		msg.Nack()
		return fmt.Errorf("dispatch message: %w", err)
	}
	return nil
}
