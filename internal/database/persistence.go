// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

// Package database provides relational persistence for persons, distinct
// IDs, memberships and teams.
//
// Two implementations exist: PostgresStore (pgx) for deployments and
// MemoryStore for tests and single-process development. Both enforce
// uniqueness of (team_id, distinct_id) and report violations as ErrConflict,
// which the identity resolver treats as "re-read and retry".
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/pulseline/internal/models"
)

// PersonStore covers the identity graph.
type PersonStore interface {
	// FetchPerson returns the person owning distinctID or ErrNotFound.
	FetchPerson(ctx context.Context, teamID int64, distinctID string) (*models.Person, error)
	FetchPersonByID(ctx context.Context, teamID, personID int64) (*models.Person, error)

	// CreatePerson inserts p and attaches every distinct ID. If any distinct
	// ID is already owned, nothing is written and ErrConflict is returned.
	CreatePerson(ctx context.Context, p *models.Person, distinctIDs ...string) (*models.Person, error)
	UpdatePerson(ctx context.Context, p *models.Person) (*models.Person, error)

	// DeletePerson is a no-op for a missing person. It fails with
	// ErrHasDependents while distinct IDs or memberships still reference it.
	DeletePerson(ctx context.Context, teamID, personID int64) error

	AddDistinctID(ctx context.Context, p *models.Person, distinctID string) error
	// MoveDistinctID re-points one edge to target. Moving an edge that
	// already points at target is a no-op.
	MoveDistinctID(ctx context.Context, teamID int64, distinctID string, target *models.Person) error
	ListDistinctIDs(ctx context.Context, teamID, personID int64) ([]string, error)

	// IncrementPersonProperties atomically adds each delta to the numeric
	// property (missing or non-numeric counts as 0) and returns new values.
	IncrementPersonProperties(ctx context.Context, teamID, personID int64, deltas map[string]float64) (map[string]float64, error)

	ReassignMemberships(ctx context.Context, teamID, fromPersonID, toPersonID int64) error
	AddMembership(ctx context.Context, m models.Membership) error
	ListMemberships(ctx context.Context, teamID, personID int64) ([]models.Membership, error)
}

// TeamStore covers tenant records.
type TeamStore interface {
	FetchTeam(ctx context.Context, teamID int64) (*models.Team, error)
	CreateTeam(ctx context.Context, t *models.Team) (*models.Team, error)
	// UpdateTeamVocabulary unions the given vocabularies into the stored
	// ones, so racing writers never drop each other's names.
	UpdateTeamVocabulary(ctx context.Context, teamID int64, v models.TeamVocabulary) error
	// MarkTeamIngested sets IngestedEvent and reports whether this call
	// flipped it. Across every writer exactly one call returns true.
	MarkTeamIngested(ctx context.Context, teamID int64) (bool, error)
}

// Persistence is everything ingestion needs from relational storage.
type Persistence interface {
	PersonStore
	TeamStore
	Ping(ctx context.Context) error
}

// Transactor is implemented by stores that can run fn atomically.
type Transactor interface {
	WithTx(ctx context.Context, fn func(tx Persistence) error) error
}

// MoveDistinctIDs re-points every edge owned by from to to, one edge at a
// time. Edges that vanished concurrently are skipped, so a partially
// completed move can simply be run again.
func MoveDistinctIDs(ctx context.Context, s PersonStore, from, to *models.Person) error {
	ids, err := s.ListDistinctIDs(ctx, from.TeamID, from.ID)
	if err != nil {
		return fmt.Errorf("list distinct ids of person %d: %w", from.ID, err)
	}
	for _, d := range ids {
		if err := s.MoveDistinctID(ctx, from.TeamID, d, to); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("move distinct id %q to person %d: %w", d, to.ID, err)
		}
	}
	return nil
}
