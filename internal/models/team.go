// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package models

import (
	"slices"

	"github.com/google/uuid"
)

// Team is the cached projection of a tenant used during ingestion.
// The three vocabularies are append-only sets stored as slices.
type Team struct {
	ID                       int64     `json:"id"`
	OrganizationID           uuid.UUID `json:"organization_id"`
	Name                     string    `json:"name"`
	APIToken                 string    `json:"api_token"`
	IngestedEvent            bool      `json:"ingested_event"`
	EventNames               []string  `json:"event_names"`
	EventProperties          []string  `json:"event_properties"`
	EventPropertiesNumerical []string  `json:"event_properties_numerical"`
	AnonymizeIPs             bool      `json:"anonymize_ips"`
	SlackIncomingWebhook     string    `json:"slack_incoming_webhook,omitempty"`
	SessionRecordingOptIn    bool      `json:"session_recording_opt_in"`
}

// Clone deep-copies the vocabulary slices.
func (t *Team) Clone() *Team {
	if t == nil {
		return nil
	}
	c := *t
	c.EventNames = slices.Clone(t.EventNames)
	c.EventProperties = slices.Clone(t.EventProperties)
	c.EventPropertiesNumerical = slices.Clone(t.EventPropertiesNumerical)
	return &c
}

// TeamVocabulary is the set of fields written back after ingestion observes
// new names. All of them are persisted together.
type TeamVocabulary struct {
	IngestedEvent            bool
	EventNames               []string
	EventProperties          []string
	EventPropertiesNumerical []string
}

// Vocabulary returns the persisted vocabulary fields of t.
func (t *Team) Vocabulary() TeamVocabulary {
	return TeamVocabulary{
		IngestedEvent:            t.IngestedEvent,
		EventNames:               slices.Clone(t.EventNames),
		EventProperties:          slices.Clone(t.EventProperties),
		EventPropertiesNumerical: slices.Clone(t.EventPropertiesNumerical),
	}
}
