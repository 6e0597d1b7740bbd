// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownPluginConfig is returned for an unregistered config ID.
	ErrUnknownPluginConfig = errors.New("unknown plugin config")
	// ErrUnknownTask is returned when a plugin does not provide a task or job.
	ErrUnknownTask = errors.New("plugin does not provide task")
	// ErrDuplicatePluginConfig is returned when registering an ID twice.
	ErrDuplicatePluginConfig = errors.New("plugin config already registered")
)

// Config is one plugin installed for a team.
type Config struct {
	ID           int64
	TeamID       int64
	Name         string
	Order        int
	Capabilities Capabilities
}

// Registry maps plugin config IDs to installed plugins. It is the schedule
// source for the coordinator.
type Registry struct {
	mu      sync.RWMutex
	configs map[int64]*Config
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{configs: make(map[int64]*Config)}
}

// Register installs cfg after normalizing its capabilities.
func (r *Registry) Register(cfg Config) error {
	cfg.Capabilities = cfg.Capabilities.Normalize()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.configs[cfg.ID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicatePluginConfig, cfg.ID)
	}
	r.configs[cfg.ID] = &cfg
	return nil
}

func (r *Registry) Unregister(id int64) {
	r.mu.Lock()
	delete(r.configs, id)
	r.mu.Unlock()
}

// Get returns the plugin config with id.
func (r *Registry) Get(id int64) (*Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.configs[id]
	return c, ok
}

// ForTeam returns the team's plugins in execution order.
func (r *Registry) ForTeam(teamID int64) []*Config {
	r.mu.RLock()
	var out []*Config
	for _, c := range r.configs {
		if c.TeamID == teamID {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Schedule returns, for every scheduled task name, the plugin configs that
// provide it, sorted by ID.
func (r *Registry) Schedule(context.Context) (map[string][]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schedule := make(map[string][]int64)
	for id, c := range r.configs {
		for name := range c.Capabilities.ScheduledTasks {
			schedule[name] = append(schedule[name], id)
		}
	}
	for _, ids := range schedule {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return schedule, nil
}

// RunTask runs a scheduled task of one plugin config.
func (r *Registry) RunTask(ctx context.Context, taskName string, pluginConfigID int64) error {
	c, ok := r.Get(pluginConfigID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPluginConfig, pluginConfigID)
	}
	task, ok := c.Capabilities.ScheduledTasks[taskName]
	if !ok {
		return fmt.Errorf("%w %q: %s", ErrUnknownTask, taskName, c.Name)
	}
	return safely(taskName, func() error { return task(ctx) })
}

// RunJob runs a named job of one plugin config.
func (r *Registry) RunJob(ctx context.Context, pluginConfigID int64, jobName string, args json.RawMessage) error {
	c, ok := r.Get(pluginConfigID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPluginConfig, pluginConfigID)
	}
	job, ok := c.Capabilities.Jobs[jobName]
	if !ok {
		if task, isTask := c.Capabilities.ScheduledTasks[jobName]; isTask {
			return safely(jobName, func() error { return task(ctx) })
		}
		return fmt.Errorf("%w %q: %s", ErrUnknownTask, jobName, c.Name)
	}
	return safely(jobName, func() error { return job(ctx, args) })
}
