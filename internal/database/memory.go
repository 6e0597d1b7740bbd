// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package database

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/pulseline/internal/models"
)

type distinctKey struct {
	teamID     int64
	distinctID string
}

// MemoryStore is an in-process Persistence with the same uniqueness and
// referential rules as the Postgres schema.
type MemoryStore struct {
	mu          sync.RWMutex
	nextID      int64
	persons     map[int64]*models.Person
	distinctIDs map[distinctKey]int64
	edgeOrder   map[distinctKey]int64
	memberships map[models.Membership]struct{}
	teams       map[int64]*models.Team
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		persons:     make(map[int64]*models.Person),
		distinctIDs: make(map[distinctKey]int64),
		edgeOrder:   make(map[distinctKey]int64),
		memberships: make(map[models.Membership]struct{}),
		teams:       make(map[int64]*models.Team),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) FetchPerson(_ context.Context, teamID int64, distinctID string) (*models.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pid, ok := s.distinctIDs[distinctKey{teamID, distinctID}]
	if !ok {
		return nil, ErrNotFound
	}
	p, ok := s.persons[pid]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) FetchPersonByID(_ context.Context, teamID, personID int64) (*models.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.persons[personID]
	if !ok || p.TeamID != teamID {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) CreatePerson(_ context.Context, p *models.Person, distinctIDs ...string) (*models.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range distinctIDs {
		if _, taken := s.distinctIDs[distinctKey{p.TeamID, d}]; taken {
			return nil, fmt.Errorf("%w: distinct id %q", ErrConflict, d)
		}
	}

	stored := p.Clone()
	stored.ID = s.id()
	if stored.UUID == uuid.Nil {
		stored.UUID = uuid.New()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.persons[stored.ID] = stored

	for _, d := range distinctIDs {
		k := distinctKey{p.TeamID, d}
		s.distinctIDs[k] = stored.ID
		s.edgeOrder[k] = s.id()
	}
	return stored.Clone(), nil
}

func (s *MemoryStore) UpdatePerson(_ context.Context, p *models.Person) (*models.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.persons[p.ID]
	if !ok || cur.TeamID != p.TeamID {
		return nil, ErrNotFound
	}
	updated := p.Clone()
	updated.UUID = cur.UUID
	s.persons[p.ID] = updated
	return updated.Clone(), nil
}

func (s *MemoryStore) DeletePerson(_ context.Context, teamID, personID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.persons[personID]
	if !ok || p.TeamID != teamID {
		return nil
	}
	for k, pid := range s.distinctIDs {
		if pid == personID {
			return fmt.Errorf("%w: person %d still owns distinct id %q", ErrHasDependents, personID, k.distinctID)
		}
	}
	for m := range s.memberships {
		if m.PersonID == personID {
			return fmt.Errorf("%w: person %d still has memberships", ErrHasDependents, personID)
		}
	}
	delete(s.persons, personID)
	return nil
}

func (s *MemoryStore) AddDistinctID(_ context.Context, p *models.Person, distinctID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := distinctKey{p.TeamID, distinctID}
	if _, taken := s.distinctIDs[k]; taken {
		return fmt.Errorf("%w: distinct id %q", ErrConflict, distinctID)
	}
	if _, ok := s.persons[p.ID]; !ok {
		return ErrNotFound
	}
	s.distinctIDs[k] = p.ID
	s.edgeOrder[k] = s.id()
	return nil
}

func (s *MemoryStore) MoveDistinctID(_ context.Context, teamID int64, distinctID string, target *models.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := distinctKey{teamID, distinctID}
	if _, ok := s.distinctIDs[k]; !ok {
		return ErrNotFound
	}
	if _, ok := s.persons[target.ID]; !ok {
		return ErrNotFound
	}
	s.distinctIDs[k] = target.ID
	return nil
}

func (s *MemoryStore) ListDistinctIDs(_ context.Context, teamID, personID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []distinctKey
	for k, pid := range s.distinctIDs {
		if k.teamID == teamID && pid == personID {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b distinctKey) int {
		return int(s.edgeOrder[a] - s.edgeOrder[b])
	})

	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.distinctID
	}
	return out, nil
}

func (s *MemoryStore) IncrementPersonProperties(_ context.Context, teamID, personID int64, deltas map[string]float64) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.persons[personID]
	if !ok || p.TeamID != teamID {
		return nil, ErrNotFound
	}
	if p.Properties == nil {
		p.Properties = map[string]any{}
	}

	out := make(map[string]float64, len(deltas))
	for key, delta := range deltas {
		cur, _ := models.NumericValue(p.Properties[key])
		p.Properties[key] = cur + delta
		out[key] = cur + delta
	}
	return out, nil
}

func (s *MemoryStore) ReassignMemberships(_ context.Context, teamID, fromPersonID, toPersonID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for m := range s.memberships {
		if m.TeamID == teamID && m.PersonID == fromPersonID {
			delete(s.memberships, m)
			m.PersonID = toPersonID
			s.memberships[m] = struct{}{}
		}
	}
	return nil
}

func (s *MemoryStore) AddMembership(_ context.Context, m models.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.persons[m.PersonID]; !ok {
		return ErrNotFound
	}
	s.memberships[m] = struct{}{}
	return nil
}

func (s *MemoryStore) ListMemberships(_ context.Context, teamID, personID int64) ([]models.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Membership
	for m := range s.memberships {
		if m.TeamID == teamID && m.PersonID == personID {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b models.Membership) int {
		if a.GroupKey < b.GroupKey {
			return -1
		}
		if a.GroupKey > b.GroupKey {
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *MemoryStore) FetchTeam(_ context.Context, teamID int64) (*models.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.teams[teamID]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) CreateTeam(_ context.Context, t *models.Team) (*models.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := t.Clone()
	if stored.ID == 0 {
		stored.ID = s.id()
	} else if _, exists := s.teams[stored.ID]; exists {
		return nil, fmt.Errorf("%w: team %d", ErrConflict, stored.ID)
	}
	if stored.OrganizationID == uuid.Nil {
		stored.OrganizationID = uuid.New()
	}
	s.teams[stored.ID] = stored
	return stored.Clone(), nil
}

func (s *MemoryStore) UpdateTeamVocabulary(_ context.Context, teamID int64, v models.TeamVocabulary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teams[teamID]
	if !ok {
		return ErrNotFound
	}
	t.IngestedEvent = t.IngestedEvent || v.IngestedEvent
	t.EventNames = union(t.EventNames, v.EventNames)
	t.EventProperties = union(t.EventProperties, v.EventProperties)
	t.EventPropertiesNumerical = union(t.EventPropertiesNumerical, v.EventPropertiesNumerical)
	return nil
}

func (s *MemoryStore) MarkTeamIngested(_ context.Context, teamID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teams[teamID]
	if !ok {
		return false, ErrNotFound
	}
	if t.IngestedEvent {
		return false, nil
	}
	t.IngestedEvent = true
	return true, nil
}

// union appends the members of add missing from base, keeping first-seen order.
func union(base, add []string) []string {
	out := slices.Clone(base)
	for _, s := range add {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
