// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package ingestion

import "errors"

var (
	// ErrInvalidUUID is returned when the event UUID does not parse.
	ErrInvalidUUID = errors.New("event uuid is not a valid UUID")

	// ErrInvalidTimestamp is returned when no usable timestamp can be
	// derived from the event.
	ErrInvalidTimestamp = errors.New("event timestamp is not parseable")

	// ErrMissingAlias is returned for a $create_alias event without the
	// alias property.
	ErrMissingAlias = errors.New("$create_alias event has no alias property")
)
