// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package teams

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/database"
	"github.com/tomtom215/pulseline/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// countingStore counts reads and writes against a MemoryStore.
type countingStore struct {
	*database.MemoryStore
	fetches atomic.Int32
	writes  atomic.Int32
	rename  atomic.Pointer[string]
}

func (s *countingStore) FetchTeam(ctx context.Context, id int64) (*models.Team, error) {
	s.fetches.Add(1)
	t, err := s.MemoryStore.FetchTeam(ctx, id)
	if err == nil {
		if name := s.rename.Load(); name != nil {
			t.Name = *name
		}
	}
	return t, err
}

func (s *countingStore) UpdateTeamVocabulary(ctx context.Context, id int64, v models.TeamVocabulary) error {
	s.writes.Add(1)
	return s.MemoryStore.UpdateTeamVocabulary(ctx, id, v)
}

func newFixture(t *testing.T) (*MetadataCache, *countingStore, *fakeClock, int64) {
	t.Helper()
	store := &countingStore{MemoryStore: database.NewMemoryStore()}
	team, err := store.CreateTeam(context.Background(), &models.Team{Name: "acme"})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	logger := zerolog.Nop()
	return NewMetadataCache(store, DefaultTTL, clock, &logger), store, clock, team.ID
}

func TestFetchTeamFreshnessWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, store, clock, id := newFixture(t)

	if _, err := c.FetchTeam(ctx, id); err != nil {
		t.Fatalf("FetchTeam: %v", err)
	}

	// Rename behind the cache so a re-fetch is observable.
	renamed := "renamed"
	store.rename.Store(&renamed)

	clock.Advance(29_999 * time.Millisecond)
	team, err := c.FetchTeam(ctx, id)
	if err != nil {
		t.Fatalf("FetchTeam: %v", err)
	}
	if team.Name != "acme" {
		t.Errorf("at 29.999s Name = %q, want cached %q", team.Name, "acme")
	}
	if n := store.fetches.Load(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}

	clock.Advance(2 * time.Millisecond)
	team, err = c.FetchTeam(ctx, id)
	if err != nil {
		t.Fatalf("FetchTeam: %v", err)
	}
	if team.Name != "renamed" {
		t.Errorf("at 30.001s Name = %q, want %q", team.Name, "renamed")
	}

	if _, err := c.FetchTeam(ctx, id); err != nil {
		t.Fatalf("FetchTeam: %v", err)
	}
	if n := store.fetches.Load(); n != 2 {
		t.Errorf("fetches = %d, want exactly one re-fetch", n)
	}
}

func TestFetchTeamMissingIsCached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, store, _, _ := newFixture(t)

	for i := 0; i < 3; i++ {
		team, err := c.FetchTeam(ctx, 999)
		if err != nil {
			t.Fatalf("FetchTeam: %v", err)
		}
		if team != nil {
			t.Fatalf("expected nil team, got %+v", team)
		}
	}
	if n := store.fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}

	if _, err := c.UpdateEventNamesAndProperties(ctx, 999, "x", nil); !errors.Is(err, ErrTeamNotFound) {
		t.Errorf("err = %v, want ErrTeamNotFound", err)
	}
}

func TestUpdateEventNamesAndProperties(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, store, _, id := newFixture(t)

	first, err := c.UpdateEventNamesAndProperties(ctx, id, "pageview", map[string]any{
		"price":  9.5,
		"count":  int64(3),
		"ok":     true,
		"label":  "x",
		"amount": "12",
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !first {
		t.Error("first call should report the first event")
	}
	if n := store.writes.Load(); n != 1 {
		t.Errorf("writes = %d, want 1", n)
	}

	team, _ := c.FetchTeam(ctx, id)
	if !team.IngestedEvent {
		t.Error("IngestedEvent not set")
	}
	if !slices.Equal(team.EventNames, []string{"pageview"}) {
		t.Errorf("EventNames = %v", team.EventNames)
	}
	if len(team.EventProperties) != 5 {
		t.Errorf("EventProperties = %v", team.EventProperties)
	}
	slices.Sort(team.EventPropertiesNumerical)
	if !slices.Equal(team.EventPropertiesNumerical, []string{"count", "price"}) {
		t.Errorf("EventPropertiesNumerical = %v", team.EventPropertiesNumerical)
	}

	// Nothing new: no write, not first.
	first, err = c.UpdateEventNamesAndProperties(ctx, id, "pageview", map[string]any{"price": 1.0})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if first {
		t.Error("second call must not report first event")
	}
	if n := store.writes.Load(); n != 1 {
		t.Errorf("writes = %d, want 1 (clean update persisted)", n)
	}

	stored, _ := store.MemoryStore.FetchTeam(ctx, id)
	if !stored.IngestedEvent || !slices.Contains(stored.EventNames, "pageview") {
		t.Errorf("vocabulary not persisted: %+v", stored)
	}
}

func TestFirstEventReportedOnceUnderConcurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, _, id := newFixture(t)

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			first, err := c.UpdateEventNamesAndProperties(ctx, id, "e", map[string]any{"k": n})
			if err != nil {
				t.Errorf("Update: %v", err)
				return
			}
			if first {
				firsts.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if n := firsts.Load(); n != 1 {
		t.Errorf("first event reported %d times, want 1", n)
	}
}

func TestFetchTeamReturnsCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, _, id := newFixture(t)

	team, _ := c.FetchTeam(ctx, id)
	team.EventNames = append(team.EventNames, "leaked")

	again, _ := c.FetchTeam(ctx, id)
	if slices.Contains(again.EventNames, "leaked") {
		t.Error("mutating a fetched team leaked into the cache")
	}
}

func TestFirstEventSettledByStoreAcrossInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &countingStore{MemoryStore: database.NewMemoryStore()}
	team, err := store.CreateTeam(ctx, &models.Team{Name: "acme"})
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	logger := zerolog.Nop()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	a := NewMetadataCache(store, DefaultTTL, clock, &logger)
	b := NewMetadataCache(store, DefaultTTL, clock, &logger)

	// Both instances cache the team before either ingests.
	for _, c := range []*MetadataCache{a, b} {
		if _, err := c.FetchTeam(ctx, team.ID); err != nil {
			t.Fatalf("FetchTeam: %v", err)
		}
	}

	firstA, err := a.UpdateEventNamesAndProperties(ctx, team.ID, "pageview", nil)
	if err != nil {
		t.Fatalf("Update a: %v", err)
	}
	firstB, err := b.UpdateEventNamesAndProperties(ctx, team.ID, "signup", nil)
	if err != nil {
		t.Fatalf("Update b: %v", err)
	}
	if !firstA || firstB {
		t.Errorf("first event a=%v b=%v, want only a", firstA, firstB)
	}

	stored, _ := store.MemoryStore.FetchTeam(ctx, team.ID)
	if !stored.IngestedEvent || !slices.Contains(stored.EventNames, "signup") {
		t.Errorf("stored team = %+v", stored)
	}
}
