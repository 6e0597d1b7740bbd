// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package eventlog

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/breaker"
	"github.com/tomtom215/pulseline/internal/config"
	"github.com/tomtom215/pulseline/internal/logging"
	"github.com/tomtom215/pulseline/internal/models"
)

func newPubSub(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64, Persistent: true}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

func TestPublisherKeysMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ps := newPubSub(t)
	logger := zerolog.Nop()
	pub := NewPublisher(ps, breaker.Config{MaxFailures: 3, Timeout: time.Second}, &logger)

	msgs, err := ps.Subscribe(ctx, "events")
	if err != nil {
		t.Fatal(err)
	}

	ev := &models.PluginEvent{UUID: "0190c5b0-0000-7000-8000-000000000001", TeamID: 2, Event: "pageview"}
	if err := pub.Publish(ctx, "events", ev.UUID, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.UUID != ev.UUID {
			t.Errorf("message UUID = %q, want %q", msg.UUID, ev.UUID)
		}
		if got := msg.Metadata.Get(natsgo.MsgIdHdr); got != ev.UUID {
			t.Errorf("Nats-Msg-Id = %q", got)
		}
		decoded, err := Decode[models.PluginEvent](msg.Payload)
		if err != nil {
			t.Fatal(err)
		}
		if decoded.Event != "pageview" || decoded.TeamID != 2 {
			t.Errorf("decoded = %+v", decoded)
		}
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	if err := pub.Close(); err != nil {
		t.Fatal(err)
	}
	if err := pub.Publish(ctx, "events", "k", ev); !errors.Is(err, ErrPublisherClosed) {
		t.Errorf("err after close = %v", err)
	}
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(string, ...*message.Message) error {
	f.calls++
	return errors.New("broker down")
}

func (f *failingPublisher) Close() error { return nil }

func TestPublisherBreakerOpens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fp := &failingPublisher{}
	logger := zerolog.Nop()
	pub := NewPublisher(fp, breaker.Config{MaxFailures: 2, Timeout: time.Hour}, &logger)

	for i := 0; i < 5; i++ {
		if err := pub.Publish(ctx, "events", "k", map[string]int{"i": i}); err == nil {
			t.Fatal("expected error")
		}
	}
	if fp.calls != 2 {
		t.Errorf("underlying publish calls = %d, want 2 before the breaker opened", fp.calls)
	}
}

func TestSinkWritesEventsAndRecordings(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := OpenEventStore(ctx, "")
	if err != nil {
		t.Fatalf("OpenEventStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ps := newPubSub(t)
	logger := zerolog.Nop()
	pub := NewPublisher(ps, breaker.Config{Timeout: time.Second}, &logger)
	sink := NewSink(ps, store, SinkConfig{
		EventsTopic:           "events",
		SessionRecordingTopic: "recordings",
		BatchSize:             2,
		FlushInterval:         20 * time.Millisecond,
	}, &logger)

	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx) }()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	uuids := []string{
		"0190c5b0-0000-7000-8000-000000000001",
		"0190c5b0-0000-7000-8000-000000000002",
		"0190c5b0-0000-7000-8000-000000000003",
	}
	for _, id := range uuids {
		ev := &models.PluginEvent{UUID: id, TeamID: 9, DistinctID: "d", Event: "e", Timestamp: now, Now: now,
			Properties: map[string]any{"a": 1}}
		if err := pub.Publish(ctx, "events", id, ev); err != nil {
			t.Fatal(err)
		}
	}
	// Redelivery of the first event must not duplicate it.
	dup := &models.PluginEvent{UUID: uuids[0], TeamID: 9, DistinctID: "d", Event: "e", Timestamp: now, Now: now}
	if err := pub.Publish(ctx, "events", "dup-"+uuids[0], dup); err != nil {
		t.Fatal(err)
	}
	rec := &models.SessionRecordingEvent{UUID: "0190c5b0-0000-7000-8000-0000000000aa", TeamID: 9, SessionID: "s1", Timestamp: now, SnapshotData: "{}"}
	if err := pub.Publish(ctx, "recordings", rec.UUID, rec); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := store.CountEvents(ctx, 9)
		if err != nil {
			t.Fatal(err)
		}
		r, err := store.CountRecordings(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if n == 3 && r == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("events=%d recordings=%d, want 3 and 1", n, r)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sink did not stop")
	}
}

type fakeStreams struct {
	exists  bool
	created int
	updated int
}

func (f *fakeStreams) Stream(context.Context, string) (jetstream.Stream, error) {
	if f.exists {
		return nil, nil
	}
	return nil, jetstream.ErrStreamNotFound
}

func (f *fakeStreams) CreateStream(context.Context, jetstream.StreamConfig) (jetstream.Stream, error) {
	f.created++
	f.exists = true
	return nil, nil
}

func (f *fakeStreams) UpdateStream(context.Context, jetstream.StreamConfig) (jetstream.Stream, error) {
	f.updated++
	return nil, nil
}

func TestProvisionStreamIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := StreamConfig(config.NATSConfig{
		StreamName: "PULSELINE", EventsTopic: "events", SessionRecordingTopic: "rec", IngestTopic: "ingest",
		DuplicateWindow: time.Minute,
	})
	if len(cfg.Subjects) != 3 || cfg.Duplicates != time.Minute {
		t.Errorf("stream config = %+v", cfg)
	}

	js := &fakeStreams{}
	for i := 0; i < 2; i++ {
		if err := ProvisionStream(ctx, js, cfg); err != nil {
			t.Fatal(err)
		}
	}
	if js.created != 1 || js.updated != 1 {
		t.Errorf("created=%d updated=%d, want 1 and 1", js.created, js.updated)
	}
}

func TestWatermillLogger(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	zl := logging.NewTestLogger(&buf)
	l := NewWatermillLogger(&zl).With(watermill.LogFields{"topic": "events"})
	l.Error("publish failed", errors.New("nope"), watermill.LogFields{"attempt": 2})

	out := buf.String()
	for _, want := range []string{"publish failed", "nope", `"topic":"events"`, `"attempt":2`} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %s", want, out)
		}
	}
}
