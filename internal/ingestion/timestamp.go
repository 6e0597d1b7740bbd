// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package ingestion

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/models"
)

// Layouts tried in order. Layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses RFC3339 timestamps, ISO timestamps without a zone
// and bare dates.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
}

// Client formats outside ISO 8601. A timestamp that only parses with one
// of these cannot be trusted for skew correction.
var lenientLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006/01/02 15:04:05",
}

// parseLenient tries the ISO layouts, then lenientLayouts.
func parseLenient(s string) (time.Time, error) {
	if t, err := ParseTimestamp(s); err == nil {
		return t, nil
	}
	s = strings.TrimSpace(s)
	for _, layout := range lenientLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
}

// HandleTimestamp resolves when an event happened.
//
// With both timestamp and sentAt the client clock skew is removed:
// now + (timestamp - sentAt). Otherwise an offset in milliseconds is
// subtracted from now, a lone timestamp is parsed as is, and with nothing
// at all the event happened now. Zoneless timestamps are read as UTC, the
// same zone sentAt is compared in.
func HandleTimestamp(data *models.RawEvent, now time.Time, sentAt *time.Time, logger *zerolog.Logger) (time.Time, error) {
	if data.Timestamp != "" && sentAt != nil {
		ts, err := ParseTimestamp(data.Timestamp)
		if err == nil {
			return now.Add(ts.Sub(sentAt.UTC())).UTC(), nil
		}
		logger.Warn().Err(err).Str("timestamp", data.Timestamp).Msg("cannot correct skew, parsing timestamp as is")
		return parseLenient(data.Timestamp)
	}

	if data.Offset != nil {
		return now.Add(-time.Duration(*data.Offset) * time.Millisecond).UTC(), nil
	}

	if data.Timestamp != "" {
		return parseLenient(data.Timestamp)
	}

	return now.UTC(), nil
}
