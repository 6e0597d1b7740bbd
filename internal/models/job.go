// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package models

import (
	"encoding/json"
	"time"
)

// Job types understood by the built-in handlers.
const (
	JobTypePluginJob              = "plugin_job"
	JobTypeFirstTeamEventIngested = "first_team_event_ingested"
)

// EnqueuedJob is a unit of background work. Payload is opaque to the queue.
type EnqueuedJob struct {
	ID                    string          `json:"id"`
	Type                  string          `json:"type"`
	Payload               json.RawMessage `json:"payload,omitempty"`
	RunAt                 time.Time       `json:"run_at"`
	PluginConfigID        int64           `json:"plugin_config_id"`
	PluginConfigTeam      int64           `json:"plugin_config_team"`
	RetriesPerformedSoFar int             `json:"retries_performed_so_far"`
}

// Due reports whether the job may run at now.
func (j *EnqueuedJob) Due(now time.Time) bool {
	return !j.RunAt.After(now)
}

// PluginJobPayload names a plugin task to run from a plugin_job.
type PluginJobPayload struct {
	TaskName string          `json:"task_name"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// FirstTeamEventPayload is the payload of a first_team_event_ingested job.
type FirstTeamEventPayload struct {
	TeamID    int64  `json:"team_id"`
	EventName string `json:"event_name"`
}
