// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

// Package watchdog reports slow pipeline stages. It never cancels the stage
// it watches.
package watchdog

import (
	"context"
	"time"

	"github.com/tomtom215/pulseline/internal/logging"
	"github.com/tomtom215/pulseline/internal/metrics"
)

// Run calls fn and logs a warning once if it is still running after
// threshold. The stage duration is always observed.
func Run(ctx context.Context, stage string, threshold time.Duration, fn func(ctx context.Context) error) error {
	start := time.Now()
	if threshold > 0 {
		timer := time.AfterFunc(threshold, func() {
			metrics.WatchdogWarnings.WithLabelValues(stage).Inc()
			logging.Ctx(ctx).Warn().
				Str("stage", stage).
				Dur("threshold", threshold).
				Msg("stage is taking longer than expected")
		})
		defer timer.Stop()
	}

	err := fn(ctx)
	metrics.RecordStage(stage, time.Since(start))
	return err
}
