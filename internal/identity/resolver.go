// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

// Package identity resolves distinct IDs to persons.
//
// There is no lock over the identity graph. Concurrent writers race on the
// (team_id, distinct_id) uniqueness constraint and the loser re-reads and
// retries once through Retry. A second conflict is returned to the caller.
//
// Merges run as a resumable sequence: persist the survivor, move edges one
// at a time, reassign memberships, delete the merged-away person. Each step
// is idempotent, so re-running an interrupted merge completes it. With
// Config.TransactionalMerge and a store implementing database.Transactor the
// sequence runs in a single transaction instead.
package identity

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/database"
	"github.com/tomtom215/pulseline/internal/metrics"
	"github.com/tomtom215/pulseline/internal/models"
)

// ErrEmptyDistinctID is returned when an alias names an empty distinct ID.
var ErrEmptyDistinctID = errors.New("distinct id is empty")

// raceAttempts is the first try plus one retry.
const raceAttempts = 2

// Config tunes the resolver.
type Config struct {
	TransactionalMerge bool
}

// Resolver owns person creation, aliasing and merging.
type Resolver struct {
	store  database.Persistence
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger
}

// NewResolver creates a resolver over store.
func NewResolver(store database.Persistence, cfg Config, logger *zerolog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "identity").Logger(),
	}
}

// fetchOptional returns nil without error when distinctID has no person.
func fetchOptional(ctx context.Context, store database.PersonStore, teamID int64, distinctID string) (*models.Person, error) {
	p, err := store.FetchPerson(ctx, teamID, distinctID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch person %q: %w", distinctID, err)
	}
	return p, nil
}

func (r *Resolver) newPerson(teamID int64, identified bool) *models.Person {
	return &models.Person{
		TeamID:       teamID,
		UUID:         uuid.New(),
		CreatedAt:    r.now(),
		Properties:   map[string]any{},
		IsIdentified: identified,
	}
}

type fetched struct {
	person  *models.Person
	created bool
}

// fetchOrCreate returns the person owning distinctID, creating it when
// absent. A conflicting concurrent create is absorbed by re-reading.
func (r *Resolver) fetchOrCreate(ctx context.Context, op string, teamID int64, distinctID string, identified bool) (fetched, error) {
	return Retry(ctx, op, raceAttempts, func(ctx context.Context) Result[fetched] {
		p, err := fetchOptional(ctx, r.store, teamID, distinctID)
		if err != nil {
			return Failed[fetched](err)
		}
		if p != nil {
			return Ok(fetched{person: p})
		}

		p, err = r.store.CreatePerson(ctx, r.newPerson(teamID, identified), distinctID)
		if err != nil {
			return From(fetched{}, err)
		}
		metrics.PersonsCreated.Inc()
		return Ok(fetched{person: p, created: true})
	})
}

// EnsurePerson returns the person owning distinctID, creating an anonymous
// one if needed.
func (r *Resolver) EnsurePerson(ctx context.Context, teamID int64, distinctID string) (*models.Person, error) {
	f, err := r.fetchOrCreate(ctx, "ensure_person", teamID, distinctID, false)
	if err != nil {
		return nil, err
	}
	return f.person, nil
}

// SetIsIdentified marks the person owning distinctID as identified, creating
// it if absent.
func (r *Resolver) SetIsIdentified(ctx context.Context, teamID int64, distinctID string) error {
	f, err := r.fetchOrCreate(ctx, "set_is_identified", teamID, distinctID, true)
	if err != nil {
		return err
	}
	if f.created || f.person.IsIdentified {
		return nil
	}

	p := f.person.Clone()
	p.IsIdentified = true
	if _, err := r.store.UpdatePerson(ctx, p); err != nil {
		return fmt.Errorf("mark person %d identified: %w", p.ID, err)
	}
	return nil
}

// UpdatePersonProperties applies $set_once, $set and $increment to the
// person owning distinctID. Precedence is setOnce < existing < set.
// Increments are applied atomically by the store and folded into the result.
func (r *Resolver) UpdatePersonProperties(ctx context.Context, teamID int64, distinctID string, set, setOnce, increment map[string]any) (*models.Person, error) {
	f, err := r.fetchOrCreate(ctx, "update_properties", teamID, distinctID, false)
	if err != nil {
		return nil, err
	}
	person := f.person.Clone()

	merged := make(map[string]any, len(setOnce)+len(person.Properties)+len(set))
	maps.Copy(merged, setOnce)
	maps.Copy(merged, person.Properties)
	maps.Copy(merged, set)

	deltas := r.numericDeltas(teamID, distinctID, increment)
	changed := !reflect.DeepEqual(merged, person.Properties)

	if !changed && len(deltas) == 0 {
		return person, nil
	}

	if len(deltas) > 0 {
		values, err := r.store.IncrementPersonProperties(ctx, teamID, person.ID, deltas)
		if err != nil {
			return nil, fmt.Errorf("increment properties of person %d: %w", person.ID, err)
		}
		for k, v := range values {
			merged[k] = v
		}
	}

	person.Properties = merged
	if !changed {
		// Increments are already durable.
		return person, nil
	}

	updated, err := r.store.UpdatePerson(ctx, person)
	if err != nil {
		return nil, fmt.Errorf("update properties of person %d: %w", person.ID, err)
	}
	return updated, nil
}

func (r *Resolver) numericDeltas(teamID int64, distinctID string, increment map[string]any) map[string]float64 {
	if len(increment) == 0 {
		return nil
	}
	deltas := make(map[string]float64, len(increment))
	for k, v := range increment {
		n, ok := models.NumericValue(v)
		if !ok {
			r.logger.Warn().
				Int64("team_id", teamID).
				Str("distinct_id", distinctID).
				Str("property", k).
				Msgf("ignoring non-numeric $increment value of type %T", v)
			continue
		}
		deltas[k] = n
	}
	return deltas
}

// Alias links previousDistinctID and distinctID. When both already belong to
// different persons, the person owning distinctID survives the merge. With
// retryIfFailed a conflicting concurrent write is retried once.
func (r *Resolver) Alias(ctx context.Context, previousDistinctID, distinctID string, teamID int64, retryIfFailed bool) error {
	if previousDistinctID == "" || distinctID == "" {
		return ErrEmptyDistinctID
	}
	if previousDistinctID == distinctID {
		_, err := r.EnsurePerson(ctx, teamID, distinctID)
		return err
	}

	attempts := 1
	if retryIfFailed {
		attempts = raceAttempts
	}

	_, err := Retry(ctx, "alias", attempts, func(ctx context.Context) Result[struct{}] {
		return From(struct{}{}, r.aliasOnce(ctx, previousDistinctID, distinctID, teamID))
	})
	return err
}

func (r *Resolver) aliasOnce(ctx context.Context, previousDistinctID, distinctID string, teamID int64) error {
	oldPerson, err := fetchOptional(ctx, r.store, teamID, previousDistinctID)
	if err != nil {
		return err
	}
	newPerson, err := fetchOptional(ctx, r.store, teamID, distinctID)
	if err != nil {
		return err
	}

	switch {
	case oldPerson != nil && newPerson == nil:
		return r.attach(ctx, oldPerson, distinctID)

	case oldPerson == nil && newPerson != nil:
		return r.attach(ctx, newPerson, previousDistinctID)

	case oldPerson == nil && newPerson == nil:
		if _, err := r.store.CreatePerson(ctx, r.newPerson(teamID, false), distinctID, previousDistinctID); err != nil {
			return fmt.Errorf("create person for alias: %w", err)
		}
		metrics.PersonsCreated.Inc()
		return nil

	case oldPerson.ID == newPerson.ID:
		return nil

	default:
		return r.MergePeople(ctx, newPerson, []*models.Person{oldPerson})
	}
}

// attach adds distinctID to p. A person deleted by a concurrent merge is
// reported as a conflict so the caller re-reads.
func (r *Resolver) attach(ctx context.Context, p *models.Person, distinctID string) error {
	err := r.store.AddDistinctID(ctx, p, distinctID)
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%w: person %d vanished while attaching %q", database.ErrConflict, p.ID, distinctID)
	}
	if err != nil {
		return fmt.Errorf("attach %q to person %d: %w", distinctID, p.ID, err)
	}
	return nil
}
