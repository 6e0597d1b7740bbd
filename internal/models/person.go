// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

// Package models holds the records shared between ingestion, identity
// resolution, storage and the job queue.
package models

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Person is a resolved identity owning one or more distinct IDs in a team.
type Person struct {
	ID           int64          `json:"id"`
	TeamID       int64          `json:"team_id"`
	UUID         uuid.UUID      `json:"uuid"`
	CreatedAt    time.Time      `json:"created_at"`
	Properties   map[string]any `json:"properties"`
	IsIdentified bool           `json:"is_identified"`
}

// Clone returns a copy whose property map can be mutated freely.
func (p *Person) Clone() *Person {
	if p == nil {
		return nil
	}
	c := *p
	c.Properties = maps.Clone(p.Properties)
	if c.Properties == nil {
		c.Properties = map[string]any{}
	}
	return &c
}

// PersonDistinctID links a tenant-scoped distinct ID to exactly one person.
// (TeamID, DistinctID) is unique in storage.
type PersonDistinctID struct {
	ID         int64  `json:"id"`
	TeamID     int64  `json:"team_id"`
	PersonID   int64  `json:"person_id"`
	DistinctID string `json:"distinct_id"`
}

// Membership ties a person to an identity-linked group such as a static
// cohort. Rows follow the person through merges.
type Membership struct {
	TeamID   int64  `json:"team_id"`
	PersonID int64  `json:"person_id"`
	GroupKey string `json:"group_key"`
}
