// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/pulseline/internal/metrics"
)

func TestRunWarnsWithoutCancelling(t *testing.T) {
	t.Parallel()
	stage := "watchdog_slow_test"
	before := testutil.ToFloat64(metrics.WatchdogWarnings.WithLabelValues(stage))

	err := Run(context.Background(), stage, 5*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("stage was cancelled: %v", err)
	}
	if got := testutil.ToFloat64(metrics.WatchdogWarnings.WithLabelValues(stage)) - before; got != 1 {
		t.Errorf("warnings = %v, want 1", got)
	}
}

func TestRunFastStage(t *testing.T) {
	t.Parallel()
	stage := "watchdog_fast_test"
	boom := errors.New("boom")

	err := Run(context.Background(), stage, time.Second, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if got := testutil.ToFloat64(metrics.WatchdogWarnings.WithLabelValues(stage)); got != 0 {
		t.Errorf("warnings = %v, want 0", got)
	}
}
