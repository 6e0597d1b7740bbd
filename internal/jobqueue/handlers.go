// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	gojson "github.com/goccy/go-json"

	"github.com/tomtom215/pulseline/internal/models"
	"github.com/tomtom215/pulseline/internal/webhooks"
)

// Registry routes consumed jobs to handlers by job type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty job handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Handle registers h for jobType, replacing any previous handler.
func (r *Registry) Handle(jobType string, h Handler) {
	r.mu.Lock()
	r.handlers[jobType] = h
	r.mu.Unlock()
}

// Dispatch runs the handler registered for job.Type.
func (r *Registry) Dispatch(ctx context.Context, job *models.EnqueuedJob) error {
	r.mu.RLock()
	h, ok := r.handlers[job.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJobType, job.Type)
	}
	return h(ctx, job)
}

// PluginJobRunner runs a named job of an installed plugin.
type PluginJobRunner interface {
	RunJob(ctx context.Context, pluginConfigID int64, jobName string, args json.RawMessage) error
}

// PluginJobHandler runs plugin_job jobs.
func PluginJobHandler(runner PluginJobRunner) Handler {
	return func(ctx context.Context, job *models.EnqueuedJob) error {
		var p models.PluginJobPayload
		if err := gojson.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decode plugin job payload: %w", err)
		}
		if p.TaskName == "" {
			return fmt.Errorf("plugin job %s has no task name", job.ID)
		}
		return runner.RunJob(ctx, job.PluginConfigID, p.TaskName, p.Args)
	}
}

// TeamFetcher returns a team, or nil when it does not exist.
type TeamFetcher interface {
	FetchTeam(ctx context.Context, teamID int64) (*models.Team, error)
}

// WebhookDeliverer sends one webhook synchronously.
type WebhookDeliverer interface {
	Deliver(ctx context.Context, msg webhooks.Message) error
}

// FirstTeamEventHandler announces a team's first event on its Slack webhook.
// Teams without a webhook are skipped.
func FirstTeamEventHandler(teams TeamFetcher, deliverer WebhookDeliverer) Handler {
	return func(ctx context.Context, job *models.EnqueuedJob) error {
		var p models.FirstTeamEventPayload
		if err := gojson.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decode first event payload: %w", err)
		}
		team, err := teams.FetchTeam(ctx, p.TeamID)
		if err != nil {
			return fmt.Errorf("fetch team %d: %w", p.TeamID, err)
		}
		if team == nil || team.SlackIncomingWebhook == "" {
			return nil
		}
		return deliverer.Deliver(ctx, webhooks.Message{
			URL:    team.SlackIncomingWebhook,
			Text:   webhooks.FirstEventText(team.Name, team.ID),
			TeamID: team.ID,
		})
	}
}
