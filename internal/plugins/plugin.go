// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

// Package plugins holds tenant-supplied event hooks and scheduled tasks.
//
// A plugin is a set of optional capabilities rather than an interface with
// many no-op methods. Normalize fills in whichever of ProcessEvent and
// ProcessEventBatch is missing from the other, so callers can rely on both.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tomtom215/pulseline/internal/models"
)

// Scheduled task names.
const (
	TaskRunEveryMinute = "runEveryMinute"
	TaskRunEveryHour   = "runEveryHour"
	TaskRunEveryDay    = "runEveryDay"
)

// ProcessEventFunc transforms one event. Returning nil drops it.
type ProcessEventFunc func(ctx context.Context, event *models.PluginEvent) (*models.PluginEvent, error)

// ProcessEventBatchFunc transforms many events. Events missing from the
// result are dropped.
type ProcessEventBatchFunc func(ctx context.Context, events []*models.PluginEvent) ([]*models.PluginEvent, error)

// OnEventFunc observes a fully processed event.
type OnEventFunc func(ctx context.Context, event *models.PluginEvent) error

// TaskFunc is a scheduled task body.
type TaskFunc func(ctx context.Context) error

// JobFunc runs a named plugin job with its payload.
type JobFunc func(ctx context.Context, args json.RawMessage) error

// Capabilities is everything a plugin may provide. Any field may be nil.
type Capabilities struct {
	ProcessEvent      ProcessEventFunc
	ProcessEventBatch ProcessEventBatchFunc
	OnEvent           OnEventFunc
	ScheduledTasks    map[string]TaskFunc
	Jobs              map[string]JobFunc
}

// Normalize returns a copy in which ProcessEvent and ProcessEventBatch are
// either both set or both nil.
func (c Capabilities) Normalize() Capabilities {
	switch {
	case c.ProcessEvent == nil && c.ProcessEventBatch != nil:
		batch := c.ProcessEventBatch
		c.ProcessEvent = func(ctx context.Context, event *models.PluginEvent) (*models.PluginEvent, error) {
			out, err := batch(ctx, []*models.PluginEvent{event})
			if err != nil {
				return nil, err
			}
			if len(out) == 0 {
				return nil, nil
			}
			return out[0], nil
		}

	case c.ProcessEventBatch == nil && c.ProcessEvent != nil:
		single := c.ProcessEvent
		c.ProcessEventBatch = func(ctx context.Context, events []*models.PluginEvent) ([]*models.PluginEvent, error) {
			out := make([]*models.PluginEvent, 0, len(events))
			for _, e := range events {
				processed, err := single(ctx, e)
				if err != nil {
					return nil, err
				}
				if processed != nil {
					out = append(out, processed)
				}
			}
			return out, nil
		}
	}
	return c
}

// HasTask reports whether the plugin schedules name.
func (c Capabilities) HasTask(name string) bool {
	_, ok := c.ScheduledTasks[name]
	return ok
}

// safely runs fn, turning a panic in tenant code into an error.
func safely(hook string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin %s panicked: %v", hook, r)
		}
	}()
	return fn()
}
