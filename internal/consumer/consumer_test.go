// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/workerpool"
)

// chanSubscriber hands out a pre-filled channel and never waits for acks,
// so the consumer alone decides how fast messages are taken.
type chanSubscriber struct {
	ch chan *message.Message
}

func (s *chanSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return s.ch, nil
}

func (s *chanSubscriber) Close() error { return nil }

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestConsumerPausesAboveThreshold(t *testing.T) {
	t.Parallel()
	logger := zerolog.Nop()
	pool := workerpool.New("consumer-pause", 2)

	sub := &chanSubscriber{ch: make(chan *message.Message, 20)}
	for i := 0; i < 20; i++ {
		sub.ch <- message.NewMessage(watermill.NewUUID(), nil)
	}

	release := make(chan struct{})
	var processed atomic.Int32
	c := New(sub, "ingest", pool, func(context.Context, *message.Message) error {
		<-release
		processed.Add(1)
		return nil
	}, &logger)
	if c.Threshold() != 4 {
		t.Fatalf("threshold = %d, want 4", c.Threshold())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	eventually(t, c.Paused, "consumer never paused")
	if got := pool.Pending(); got != 5 {
		t.Errorf("pending at pause = %d, want threshold+1 = 5", got)
	}
	if left := len(sub.ch); left != 15 {
		t.Errorf("messages taken = %d, want 5", 20-left)
	}

	close(release)
	eventually(t, func() bool { return processed.Load() == 20 }, "not all messages processed")
	eventually(t, func() bool { return !c.Paused() }, "consumer never resumed")

	cancel()
	<-done
}

func TestConsumerAcksAndNacks(t *testing.T) {
	t.Parallel()
	logger := zerolog.Nop()
	pool := workerpool.New("consumer-ack", 1)

	sub := &chanSubscriber{ch: make(chan *message.Message, 3)}
	ok := message.NewMessage("ok", nil)
	bad := message.NewMessage("bad", nil)
	poison := message.NewMessage("poison", nil)
	for _, m := range []*message.Message{ok, bad, poison} {
		sub.ch <- m
	}

	c := New(sub, "ingest", pool, func(_ context.Context, m *message.Message) error {
		switch m.UUID {
		case "bad":
			return errors.New("transient")
		case "poison":
			return Permanent(errors.New("cannot decode"))
		}
		return nil
	}, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	wait := func(ch <-chan struct{}, name string) {
		t.Helper()
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("%s not settled", name)
		}
	}
	wait(ok.Acked(), "ok")
	wait(bad.Nacked(), "bad")
	wait(poison.Acked(), "poison")
}

func TestConsumerWithGoChannel(t *testing.T) {
	t.Parallel()
	logger := zerolog.Nop()
	wmLogger := watermill.NopLogger{}
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 10}, wmLogger)
	defer ps.Close()

	pool := workerpool.New("consumer-gochannel", 2)
	var mu sync.Mutex
	var got []string
	c := New(ps, "ingest", pool, func(_ context.Context, m *message.Message) error {
		mu.Lock()
		got = append(got, string(m.Payload))
		mu.Unlock()
		return nil
	}, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	// gochannel drops messages published before a subscriber exists.
	time.Sleep(20 * time.Millisecond)
	for _, p := range []string{"a", "b", "c"} {
		if err := ps.Publish("ingest", message.NewMessage(watermill.NewUUID(), []byte(p))); err != nil {
			t.Fatal(err)
		}
	}
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, "messages not consumed")
}

func TestPermanent(t *testing.T) {
	t.Parallel()
	base := errors.New("x")
	if !IsPermanent(Permanent(base)) || !errors.Is(Permanent(base), base) {
		t.Error("Permanent must wrap and be detectable")
	}
	if IsPermanent(base) || Permanent(nil) != nil {
		t.Error("plain errors are not permanent")
	}
}
