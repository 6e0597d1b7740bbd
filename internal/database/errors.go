// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package database

import "errors"

var (
	// ErrNotFound is returned when a person, team or edge does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict signals a uniqueness violation, typically a concurrent
	// writer claiming the same distinct ID first.
	ErrConflict = errors.New("already exists")

	// ErrHasDependents is returned when deleting a person that still owns
	// distinct IDs or memberships.
	ErrHasDependents = errors.New("record still referenced")
)

// IsConflict reports whether err is a uniqueness conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
