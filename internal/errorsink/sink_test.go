// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package errorsink

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/pulseline/internal/config"
	"github.com/tomtom215/pulseline/internal/logging"
	"github.com/tomtom215/pulseline/internal/metrics"
)

func TestLogSinkCapture(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewTestLogger(&buf)
	sink := NewLogSink(&logger)

	before := testutil.ToFloat64(metrics.ErrorsCaptured.WithLabelValues("scheduled_task"))
	ctx := logging.ContextWithRequestID(context.Background(), "req-1")
	sink.Capture(ctx, errors.New("task exploded"), map[string]string{
		"source": "scheduled_task",
		"task":   "runEveryMinute",
	})

	out := buf.String()
	for _, want := range []string{"task exploded", "runEveryMinute", "req-1"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
	if d := testutil.ToFloat64(metrics.ErrorsCaptured.WithLabelValues("scheduled_task")) - before; d != 1 {
		t.Errorf("captured delta = %v, want 1", d)
	}

	buf.Reset()
	sink.Capture(ctx, nil, nil)
	if buf.Len() != 0 {
		t.Error("nil errors must not be logged")
	}
}

type recordingSink struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingSink) Capture(_ context.Context, err error, _ map[string]string) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

type panickingSink struct{}

func (panickingSink) Capture(context.Context, error, map[string]string) {
	panic("sink is broken")
}

func TestMultiFansOut(t *testing.T) {
	t.Parallel()
	a, b := &recordingSink{}, &recordingSink{}
	m := Multi{a, nil, panickingSink{}, b}

	m.Capture(context.Background(), errors.New("x"), nil)

	if len(a.errs) != 1 || len(b.errs) != 1 {
		t.Errorf("a=%d b=%d, want 1 each", len(a.errs), len(b.errs))
	}
	Nop.Capture(context.Background(), errors.New("ignored"), nil)
}

func TestSentrySinkTagsEvent(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var events []*sentry.Event
	sink, err := NewSentrySink(config.SentryConfig{Environment: "test", SampleRate: 1}, func(o *sentry.ClientOptions) {
		o.BeforeSend = func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
			return nil
		}
	})
	if err != nil {
		t.Fatalf("NewSentrySink: %v", err)
	}

	ctx := logging.WithEventUUID(context.Background(), "0190c5b0-0000-7000-8000-000000000001")
	sink.Capture(ctx, errors.New("plugin failed"), map[string]string{"source": "plugin", "team_id": "7"})
	sink.Capture(ctx, nil, nil)
	sink.Flush(0)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Tags["source"] != "plugin" || ev.Tags["team_id"] != "7" {
		t.Errorf("tags = %v", ev.Tags)
	}
	if ev.Tags["event_uuid"] == "" {
		t.Error("event_uuid tag missing")
	}
	if ev.Environment != "test" {
		t.Errorf("environment = %q", ev.Environment)
	}
}
