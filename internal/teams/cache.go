// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

// Package teams caches team configuration and vocabularies for ingestion.
//
// Teams are fetched lazily and held for a freshness window (30 seconds by
// default). Ingestion appends newly observed event names and property keys
// to the cached copy and persists the vocabulary once per call when
// something changed.
package teams

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/cache"
	"github.com/tomtom215/pulseline/internal/database"
	"github.com/tomtom215/pulseline/internal/metrics"
	"github.com/tomtom215/pulseline/internal/models"
)

// DefaultTTL is the freshness window for cached teams.
const DefaultTTL = 30 * time.Second

// ErrTeamNotFound is returned when ingesting for a team that does not exist.
var ErrTeamNotFound = errors.New("team not found")

const lockStripes = 64

// MetadataCache is safe for concurrent use by ingestion workers.
type MetadataCache struct {
	store  database.TeamStore
	teams  *cache.Cache[int64, *models.Team]
	locks  [lockStripes]sync.Mutex
	logger zerolog.Logger
}

// NewMetadataCache creates a cache over store. ttl <= 0 means DefaultTTL and
// a nil clock means the wall clock.
func NewMetadataCache(store database.TeamStore, ttl time.Duration, clock cache.Clock, logger *zerolog.Logger) *MetadataCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MetadataCache{
		store:  store,
		teams:  cache.New[int64, *models.Team](ttl, clock),
		logger: logger.With().Str("component", "team-cache").Logger(),
	}
}

func (c *MetadataCache) lockFor(teamID int64) *sync.Mutex {
	idx := teamID % lockStripes
	if idx < 0 {
		idx = -idx
	}
	return &c.locks[idx]
}

// FetchTeam returns a copy of the team, re-reading storage when the cached
// value is older than the freshness window. A missing team yields (nil, nil)
// and is remembered for the same window.
func (c *MetadataCache) FetchTeam(ctx context.Context, teamID int64) (*models.Team, error) {
	t, err := c.fetch(ctx, teamID)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// fetch returns the cached pointer itself; callers must hold the team lock
// before mutating it.
func (c *MetadataCache) fetch(ctx context.Context, teamID int64) (*models.Team, error) {
	if t, ok := c.teams.Get(teamID); ok {
		metrics.TeamCacheLookups.WithLabelValues("hit").Inc()
		return t, nil
	}
	metrics.TeamCacheLookups.WithLabelValues("miss").Inc()

	t, err := c.store.FetchTeam(ctx, teamID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("fetch team %d: %w", teamID, err)
	}
	if errors.Is(err, database.ErrNotFound) {
		t = nil
	}
	c.teams.Set(teamID, t)
	return t, nil
}

// Invalidate forgets a team so the next fetch reads storage.
func (c *MetadataCache) Invalidate(teamID int64) {
	c.teams.Delete(teamID)
}

// UpdateEventNamesAndProperties records the event name and property keys in
// the team vocabulary. firstEvent is true only for the call whose store
// write flipped IngestedEvent, which happens once per team even when several
// instances hold stale copies.
func (c *MetadataCache) UpdateEventNamesAndProperties(ctx context.Context, teamID int64, event string, properties map[string]any) (firstEvent bool, err error) {
	mu := c.lockFor(teamID)
	mu.Lock()
	defer mu.Unlock()

	cached, err := c.fetch(ctx, teamID)
	if err != nil {
		return false, err
	}
	if cached == nil {
		return false, fmt.Errorf("%w: %d", ErrTeamNotFound, teamID)
	}

	team := cached.Clone()
	dirty := false
	changed := false

	if !team.IngestedEvent {
		flipped, err := c.store.MarkTeamIngested(ctx, teamID)
		if err != nil {
			return false, fmt.Errorf("mark team %d ingested: %w", teamID, err)
		}
		team.IngestedEvent = true
		firstEvent = flipped
		changed = true
	}

	if event != "" && !slices.Contains(team.EventNames, event) {
		team.EventNames = append(team.EventNames, event)
		dirty = true
	}

	// Sorted so the persisted order is deterministic for a given event.
	keys := make([]string, 0, len(properties))
	for k := range properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if !slices.Contains(team.EventProperties, key) {
			team.EventProperties = append(team.EventProperties, key)
			dirty = true
		}
		if _, numeric := models.NumericValue(properties[key]); numeric && !slices.Contains(team.EventPropertiesNumerical, key) {
			team.EventPropertiesNumerical = append(team.EventPropertiesNumerical, key)
			dirty = true
		}
	}

	if !dirty && !changed {
		return false, nil
	}

	if dirty {
		if err := c.store.UpdateTeamVocabulary(ctx, teamID, team.Vocabulary()); err != nil {
			return false, fmt.Errorf("persist team %d vocabulary: %w", teamID, err)
		}
		metrics.TeamVocabularyWrites.Inc()
	}

	if !c.teams.Update(teamID, team) {
		c.teams.Set(teamID, team)
	}

	if firstEvent {
		c.logger.Info().Int64("team_id", teamID).Str("event", event).Msg("first event ingested for team")
	}
	return firstEvent, nil
}
