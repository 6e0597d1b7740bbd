// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package webhooks

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/tomtom215/pulseline/internal/models"
)

var (
	// ErrInvalidURL is returned for destinations that are not http(s) URLs.
	ErrInvalidURL = errors.New("invalid webhook URL")
	// ErrRateLimited is returned when the destination answers 429.
	ErrRateLimited = errors.New("webhook destination rate limited")
	// ErrUnexpectedStatus is returned for any other non-2xx answer.
	ErrUnexpectedStatus = errors.New("webhook destination returned unexpected status")
)

// maxTextLen is the Slack section text limit.
const maxTextLen = 3000

// Payload is the Slack-compatible incoming webhook body.
type Payload struct {
	Text string `json:"text"`
}

// Message is one webhook delivery.
type Message struct {
	URL       string
	Text      string
	TeamID    int64
	EventUUID string
}

// ValidateURL accepts absolute http and https URLs with a host.
func ValidateURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

// EventText renders the plain-text announcement for a processed event.
func EventText(e *models.PluginEvent) string {
	text := fmt.Sprintf("[Event] %s triggered by %s", e.Event, e.DistinctID)
	if e.SiteURL != "" {
		text += " on " + e.SiteURL
	}
	return truncate(text)
}

// FirstEventText announces a team's first ingested event.
func FirstEventText(teamName string, teamID int64) string {
	if teamName == "" {
		teamName = fmt.Sprintf("team %d", teamID)
	}
	return truncate(fmt.Sprintf("%s ingested its first event", teamName))
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxTextLen {
		return s
	}
	return string(r[:maxTextLen])
}
