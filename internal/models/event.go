// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package models

import (
	"maps"
	"time"
)

// Reserved event names with special handling during ingestion.
const (
	EventCreateAlias = "$create_alias"
	EventIdentify    = "$identify"
	EventSnapshot    = "$snapshot"
)

// RawEvent is the client payload after HTTP decoding. Timestamp and Offset
// are optional; Properties may carry $set, $set_once, $increment and $elements.
type RawEvent struct {
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  string         `json:"timestamp,omitempty"`
	Offset     *int64         `json:"offset,omitempty"`
	Set        map[string]any `json:"$set,omitempty"`
	SetOnce    map[string]any `json:"$set_once,omitempty"`
}

// IngestMessage is what the ingestion consumer reads from the broker.
type IngestMessage struct {
	DistinctID string     `json:"distinct_id"`
	IP         string     `json:"ip"`
	SiteURL    string     `json:"site_url"`
	Data       RawEvent   `json:"data"`
	TeamID     int64      `json:"team_id"`
	Now        time.Time  `json:"now"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	UUID       string     `json:"uuid"`
}

// PluginEvent is the event as seen by plugins and the durable log.
type PluginEvent struct {
	UUID       string         `json:"uuid"`
	TeamID     int64          `json:"team_id"`
	DistinctID string         `json:"distinct_id"`
	IP         string         `json:"ip,omitempty"`
	SiteURL    string         `json:"site_url,omitempty"`
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
	Timestamp  time.Time      `json:"timestamp"`
	Elements   []Element      `json:"elements,omitempty"`
	Now        time.Time      `json:"now"`
	SentAt     *time.Time     `json:"sent_at,omitempty"`
}

// Clone copies the property map and elements so plugins cannot alias the
// caller's data.
func (e *PluginEvent) Clone() *PluginEvent {
	if e == nil {
		return nil
	}
	c := *e
	c.Properties = maps.Clone(e.Properties)
	if e.Elements != nil {
		c.Elements = make([]Element, len(e.Elements))
		copy(c.Elements, e.Elements)
	}
	return &c
}

// Element is one normalized node of an autocapture elements chain.
type Element struct {
	Text       string            `json:"text,omitempty"`
	TagName    string            `json:"tag_name,omitempty"`
	Href       string            `json:"href,omitempty"`
	AttrID     string            `json:"attr_id,omitempty"`
	AttrClass  []string          `json:"attr_class,omitempty"`
	NthChild   int               `json:"nth_child,omitempty"`
	NthOfType  int               `json:"nth_of_type,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Order      int               `json:"order"`
}

// SessionRecordingEvent is one $snapshot chunk.
type SessionRecordingEvent struct {
	UUID         string    `json:"uuid"`
	TeamID       int64     `json:"team_id"`
	DistinctID   string    `json:"distinct_id"`
	SessionID    string    `json:"session_id"`
	Timestamp    time.Time `json:"timestamp"`
	SnapshotData string    `json:"snapshot_data"`
}
