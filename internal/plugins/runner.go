// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package plugins

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/errorsink"
	"github.com/tomtom215/pulseline/internal/metrics"
	"github.com/tomtom215/pulseline/internal/models"
)

// Runner applies a team's plugins to events. A failing plugin is reported
// and skipped; it never fails the event.
type Runner struct {
	registry *Registry
	sink     errorsink.Sink
	logger   zerolog.Logger
}

// NewRunner creates a runner over registry. A nil sink discards plugin
// errors.
func NewRunner(registry *Registry, sink errorsink.Sink, logger *zerolog.Logger) *Runner {
	if sink == nil {
		sink = errorsink.Nop
	}
	return &Runner{
		registry: registry,
		sink:     sink,
		logger:   logger.With().Str("component", "plugins").Logger(),
	}
}

func (r *Runner) report(ctx context.Context, err error, hook string, c *Config) {
	r.sink.Capture(ctx, err, map[string]string{
		"source":           "plugin",
		"hook":             hook,
		"plugin":           c.Name,
		"plugin_config_id": strconv.FormatInt(c.ID, 10),
		"team_id":          strconv.FormatInt(c.TeamID, 10),
	})
}

// ProcessEvent runs every ProcessEvent hook in order. It returns nil when a
// plugin drops the event. A plugin that errors leaves the event as it was
// before that plugin ran.
func (r *Runner) ProcessEvent(ctx context.Context, event *models.PluginEvent) *models.PluginEvent {
	current := event
	for _, c := range r.registry.ForTeam(event.TeamID) {
		fn := c.Capabilities.ProcessEvent
		if fn == nil {
			continue
		}

		var out *models.PluginEvent
		err := safely("processEvent", func() error {
			var err error
			out, err = fn(ctx, current.Clone())
			return err
		})
		metrics.RecordPluginInvocation("process_event", err)
		if err != nil {
			r.report(ctx, err, "processEvent", c)
			continue
		}
		if out == nil {
			r.logger.Debug().
				Str("plugin", c.Name).
				Str("event_uuid", event.UUID).
				Msg("event dropped by plugin")
			return nil
		}
		current = out
	}
	return current
}

// HasOnEvent reports whether any of the team's plugins observe events.
func (r *Runner) HasOnEvent(teamID int64) bool {
	for _, c := range r.registry.ForTeam(teamID) {
		if c.Capabilities.OnEvent != nil {
			return true
		}
	}
	return false
}

// OnEvent delivers a processed event to every OnEvent hook of its team.
func (r *Runner) OnEvent(ctx context.Context, event *models.PluginEvent) {
	for _, c := range r.registry.ForTeam(event.TeamID) {
		fn := c.Capabilities.OnEvent
		if fn == nil {
			continue
		}
		err := safely("onEvent", func() error { return fn(ctx, event.Clone()) })
		metrics.RecordPluginInvocation("on_event", err)
		if err != nil {
			r.report(ctx, err, "onEvent", c)
		}
	}
}
