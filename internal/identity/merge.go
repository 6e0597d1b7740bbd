// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/pulseline/internal/database"
	"github.com/tomtom215/pulseline/internal/metrics"
	"github.com/tomtom215/pulseline/internal/models"
)

// MergePeople folds peopleToMerge into mergeInto. The survivor's properties
// win, the earliest CreatedAt is kept and the survivor is persisted once
// before any edge moves.
func (r *Resolver) MergePeople(ctx context.Context, mergeInto *models.Person, peopleToMerge []*models.Person) error {
	if len(peopleToMerge) == 0 {
		return nil
	}

	if r.cfg.TransactionalMerge {
		if tx, ok := r.store.(database.Transactor); ok {
			return tx.WithTx(ctx, func(store database.Persistence) error {
				return r.merge(ctx, store, mergeInto, peopleToMerge)
			})
		}
		r.logger.Warn().Msg("transactional merge requested but store has no transactions; merging step by step")
	}
	return r.merge(ctx, r.store, mergeInto, peopleToMerge)
}

func (r *Resolver) merge(ctx context.Context, store database.PersonStore, mergeInto *models.Person, peopleToMerge []*models.Person) error {
	survivor := mergeInto.Clone()

	props := make(map[string]any)
	createdAt := survivor.CreatedAt
	identified := survivor.IsIdentified
	for _, other := range peopleToMerge {
		for k, v := range other.Properties {
			props[k] = v
		}
		if other.CreatedAt.Before(createdAt) {
			createdAt = other.CreatedAt
		}
		identified = identified || other.IsIdentified
	}
	for k, v := range survivor.Properties {
		props[k] = v
	}
	survivor.Properties = props
	survivor.CreatedAt = createdAt
	survivor.IsIdentified = identified

	updated, err := store.UpdatePerson(ctx, survivor)
	if err != nil {
		return fmt.Errorf("persist merge survivor %d: %w", survivor.ID, err)
	}

	for _, other := range peopleToMerge {
		if other.ID == updated.ID {
			continue
		}
		if err := r.absorb(ctx, store, other, updated); err != nil {
			return err
		}
		metrics.PersonsMerged.Inc()
		r.logger.Debug().
			Int64("team_id", updated.TeamID).
			Int64("survivor_id", updated.ID).
			Int64("merged_id", other.ID).
			Msg("merged person")
	}
	return nil
}

// absorb moves every edge and membership of other to survivor and deletes
// other. A distinct ID attached to other mid-merge leaves it with a
// dependent, in which case the move is repeated once.
func (r *Resolver) absorb(ctx context.Context, store database.PersonStore, other, survivor *models.Person) error {
	for attempt := 0; attempt < raceAttempts; attempt++ {
		if err := database.MoveDistinctIDs(ctx, store, other, survivor); err != nil {
			return err
		}
		if err := store.ReassignMemberships(ctx, other.TeamID, other.ID, survivor.ID); err != nil {
			return fmt.Errorf("reassign memberships of person %d: %w", other.ID, err)
		}

		err := store.DeletePerson(ctx, other.TeamID, other.ID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, database.ErrHasDependents) {
			return fmt.Errorf("delete merged person %d: %w", other.ID, err)
		}
	}
	return fmt.Errorf("delete merged person %d: %w", other.ID, database.ErrHasDependents)
}
