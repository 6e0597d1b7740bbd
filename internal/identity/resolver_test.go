// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package identity

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/database"
	"github.com/tomtom215/pulseline/internal/models"
)

const team = int64(1)

func newResolver(t *testing.T, store database.Persistence) *Resolver {
	t.Helper()
	logger := zerolog.Nop()
	return NewResolver(store, Config{}, &logger)
}

func TestRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("conflict then success", func(t *testing.T) {
		t.Parallel()
		calls := 0
		v, err := Retry(ctx, "test", 2, func(context.Context) Result[int] {
			calls++
			if calls == 1 {
				return Result[int]{Conflict: database.ErrConflict}
			}
			return Ok(42)
		})
		if err != nil || v != 42 || calls != 2 {
			t.Errorf("v=%d err=%v calls=%d", v, err, calls)
		}
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		calls := 0
		_, err := Retry(ctx, "test", 5, func(context.Context) Result[int] {
			calls++
			return Failed[int](boom)
		})
		if !errors.Is(err, boom) || calls != 1 {
			t.Errorf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("second conflict propagates", func(t *testing.T) {
		t.Parallel()
		calls := 0
		_, err := Retry(ctx, "test", 2, func(context.Context) Result[int] {
			calls++
			return From(0, database.ErrConflict)
		})
		if !errors.Is(err, ErrRetriesExhausted) || !errors.Is(err, database.ErrConflict) {
			t.Errorf("err = %v", err)
		}
		if calls != 2 {
			t.Errorf("calls = %d, want 2", calls)
		}
	})
}

func TestAliasNewNewIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := database.NewMemoryStore()
	r := newResolver(t, store)

	for i := 0; i < 2; i++ {
		if err := r.Alias(ctx, "A", "B", team, true); err != nil {
			t.Fatalf("Alias #%d: %v", i+1, err)
		}
	}

	a, err := store.FetchPerson(ctx, team, "A")
	if err != nil {
		t.Fatalf("FetchPerson A: %v", err)
	}
	b, err := store.FetchPerson(ctx, team, "B")
	if err != nil {
		t.Fatalf("FetchPerson B: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("A and B resolve to different persons %d and %d", a.ID, b.ID)
	}
	ids, _ := store.ListDistinctIDs(ctx, team, a.ID)
	if len(ids) != 2 {
		t.Errorf("distinct ids = %v, want 2", ids)
	}
}

func TestAliasAttachesToExistingPerson(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name     string
		existing string
	}{
		{"old present new absent", "anon"},
		{"old absent new present", "user"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := database.NewMemoryStore()
			r := newResolver(t, store)

			p, err := r.EnsurePerson(ctx, team, tt.existing)
			if err != nil {
				t.Fatalf("EnsurePerson: %v", err)
			}
			if err := r.Alias(ctx, "anon", "user", team, true); err != nil {
				t.Fatalf("Alias: %v", err)
			}

			for _, d := range []string{"anon", "user"} {
				got, err := store.FetchPerson(ctx, team, d)
				if err != nil {
					t.Fatalf("FetchPerson %s: %v", d, err)
				}
				if got.ID != p.ID {
					t.Errorf("%s -> person %d, want %d", d, got.ID, p.ID)
				}
			}
		})
	}
}

func TestAliasRejectsEmpty(t *testing.T) {
	t.Parallel()
	r := newResolver(t, database.NewMemoryStore())
	if err := r.Alias(context.Background(), "", "x", team, true); !errors.Is(err, ErrEmptyDistinctID) {
		t.Errorf("err = %v", err)
	}
}

func TestMergePrecedence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := database.NewMemoryStore()
	r := newResolver(t, store)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	x, err := store.CreatePerson(ctx, &models.Person{
		TeamID: team, CreatedAt: t1, Properties: map[string]any{"color": "red"},
	}, "x")
	if err != nil {
		t.Fatal(err)
	}
	y, err := store.CreatePerson(ctx, &models.Person{
		TeamID: team, CreatedAt: t0, Properties: map[string]any{"color": "blue", "size": "L"},
	}, "y", "y2")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AddMembership(ctx, models.Membership{TeamID: team, PersonID: y.ID, GroupKey: "cohort-1"}); err != nil {
		t.Fatal(err)
	}

	// Alias(previous=y, current=x): the person owning x survives.
	if err := r.Alias(ctx, "y", "x", team, true); err != nil {
		t.Fatalf("Alias: %v", err)
	}

	got, err := store.FetchPersonByID(ctx, team, x.ID)
	if err != nil {
		t.Fatalf("FetchPersonByID: %v", err)
	}
	want := map[string]any{"color": "red", "size": "L"}
	if !reflect.DeepEqual(got.Properties, want) {
		t.Errorf("Properties = %v, want %v", got.Properties, want)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, t0)
	}

	ids, _ := store.ListDistinctIDs(ctx, team, x.ID)
	slices.Sort(ids)
	if !slices.Equal(ids, []string{"x", "y", "y2"}) {
		t.Errorf("survivor ids = %v", ids)
	}
	if _, err := store.FetchPersonByID(ctx, team, y.ID); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("merged person still exists: err=%v", err)
	}
	ms, _ := store.ListMemberships(ctx, team, x.ID)
	if len(ms) != 1 || ms[0].GroupKey != "cohort-1" {
		t.Errorf("memberships = %v", ms)
	}
}

func TestMergeIsResumable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := database.NewMemoryStore()
	r := newResolver(t, store)

	x, _ := store.CreatePerson(ctx, &models.Person{TeamID: team}, "x")
	y, _ := store.CreatePerson(ctx, &models.Person{TeamID: team}, "y1", "y2")

	// Simulate a crash after the first edge moved.
	if err := store.MoveDistinctID(ctx, team, "y1", x); err != nil {
		t.Fatal(err)
	}

	if err := r.MergePeople(ctx, x, []*models.Person{y}); err != nil {
		t.Fatalf("resumed merge: %v", err)
	}
	// Running it again after completion is harmless.
	if err := r.MergePeople(ctx, x, []*models.Person{y}); err != nil {
		t.Fatalf("repeated merge: %v", err)
	}

	ids, _ := store.ListDistinctIDs(ctx, team, x.ID)
	if len(ids) != 3 {
		t.Errorf("survivor ids = %v, want 3", ids)
	}
}

func TestUpdatePersonPropertiesPrecedence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := database.NewMemoryStore()
	r := newResolver(t, store)

	if _, err := store.CreatePerson(ctx, &models.Person{TeamID: team, Properties: map[string]any{"a": 1}}, "d"); err != nil {
		t.Fatal(err)
	}

	p, err := r.UpdatePersonProperties(ctx, team, "d",
		map[string]any{"a": 3},
		map[string]any{"a": 2, "b": 2},
		nil,
	)
	if err != nil {
		t.Fatalf("UpdatePersonProperties: %v", err)
	}
	want := map[string]any{"a": 3, "b": 2}
	if !reflect.DeepEqual(p.Properties, want) {
		t.Errorf("Properties = %v, want %v", p.Properties, want)
	}

	stored, _ := store.FetchPerson(ctx, team, "d")
	if !reflect.DeepEqual(stored.Properties, want) {
		t.Errorf("stored = %v, want %v", stored.Properties, want)
	}
}

// updateCounter counts UpdatePerson calls.
type updateCounter struct {
	*database.MemoryStore
	updates atomic.Int32
}

func (u *updateCounter) UpdatePerson(ctx context.Context, p *models.Person) (*models.Person, error) {
	u.updates.Add(1)
	return u.MemoryStore.UpdatePerson(ctx, p)
}

func TestUpdatePersonPropertiesSkipsNoopWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &updateCounter{MemoryStore: database.NewMemoryStore()}
	r := newResolver(t, store)

	if _, err := store.CreatePerson(ctx, &models.Person{TeamID: team, Properties: map[string]any{"a": "x"}}, "d"); err != nil {
		t.Fatal(err)
	}

	if _, err := r.UpdatePersonProperties(ctx, team, "d", map[string]any{"a": "x"}, map[string]any{"a": "y"}, nil); err != nil {
		t.Fatal(err)
	}
	if n := store.updates.Load(); n != 0 {
		t.Errorf("updates = %d, want 0 for an unchanged merge", n)
	}
}

func TestUpdatePersonPropertiesIncrement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := database.NewMemoryStore()
	r := newResolver(t, store)

	if _, err := store.CreatePerson(ctx, &models.Person{TeamID: team, Properties: map[string]any{"count": 1.0}}, "d"); err != nil {
		t.Fatal(err)
	}

	p, err := r.UpdatePersonProperties(ctx, team, "d", nil, nil, map[string]any{
		"count":  2,
		"visits": 1.5,
		"bogus":  "not a number",
		"flag":   true,
	})
	if err != nil {
		t.Fatalf("UpdatePersonProperties: %v", err)
	}
	if p.Properties["count"] != 3.0 || p.Properties["visits"] != 1.5 {
		t.Errorf("Properties = %v", p.Properties)
	}
	if _, ok := p.Properties["bogus"]; ok {
		t.Error("non-numeric increment must be ignored")
	}
	if _, ok := p.Properties["flag"]; ok {
		t.Error("boolean increment must be ignored")
	}

	stored, _ := store.FetchPerson(ctx, team, "d")
	if stored.Properties["count"] != 3.0 {
		t.Errorf("stored count = %v", stored.Properties["count"])
	}
}

func TestSetIsIdentified(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := database.NewMemoryStore()
	r := newResolver(t, store)

	if err := r.SetIsIdentified(ctx, team, "new"); err != nil {
		t.Fatal(err)
	}
	p, _ := store.FetchPerson(ctx, team, "new")
	if !p.IsIdentified {
		t.Error("created person should be identified")
	}

	if _, err := r.EnsurePerson(ctx, team, "anon"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetIsIdentified(ctx, team, "anon"); err != nil {
		t.Fatal(err)
	}
	p, _ = store.FetchPerson(ctx, team, "anon")
	if !p.IsIdentified {
		t.Error("existing person should be marked identified")
	}
}

// racingStore lets a competitor win the first CreatePerson.
type racingStore struct {
	*database.MemoryStore
	raced atomic.Bool
}

func (s *racingStore) CreatePerson(ctx context.Context, p *models.Person, distinctIDs ...string) (*models.Person, error) {
	if s.raced.CompareAndSwap(false, true) {
		if _, err := s.MemoryStore.CreatePerson(ctx, &models.Person{TeamID: p.TeamID}, distinctIDs...); err != nil {
			return nil, err
		}
	}
	return s.MemoryStore.CreatePerson(ctx, p, distinctIDs...)
}

func TestEnsurePersonRefetchesAfterLosingRace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &racingStore{MemoryStore: database.NewMemoryStore()}
	r := newResolver(t, store)

	p, err := r.EnsurePerson(ctx, team, "d")
	if err != nil {
		t.Fatalf("EnsurePerson: %v", err)
	}
	winner, _ := store.FetchPerson(ctx, team, "d")
	if p.ID != winner.ID {
		t.Errorf("got person %d, want race winner %d", p.ID, winner.ID)
	}
}

func TestConcurrentEnsurePersonCreatesOne(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := database.NewMemoryStore()
	r := newResolver(t, store)

	ids := make([]int64, 16)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.EnsurePerson(ctx, team, "shared")
			if err != nil {
				t.Errorf("EnsurePerson: %v", err)
				return
			}
			ids[i] = p.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("resolved to multiple persons: %v", ids)
		}
	}
}

// attachRaceStore lets a competitor claim the target distinct ID just
// before the first AddDistinctID lands.
type attachRaceStore struct {
	*database.MemoryStore
	raced  atomic.Bool
	always bool
}

func (s *attachRaceStore) AddDistinctID(ctx context.Context, p *models.Person, distinctID string) error {
	if s.always {
		return database.ErrConflict
	}
	if s.raced.CompareAndSwap(false, true) {
		if _, err := s.MemoryStore.CreatePerson(ctx, &models.Person{TeamID: p.TeamID}, distinctID); err != nil {
			return err
		}
	}
	return s.MemoryStore.AddDistinctID(ctx, p, distinctID)
}

func TestAliasConflictRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name      string
		store     func() database.Persistence
		existing  string
		retry     bool
		wantErr   bool
		wantOwner string
	}{
		{
			name:      "attach race re-reads and merges",
			store:     func() database.Persistence { return &attachRaceStore{MemoryStore: database.NewMemoryStore()} },
			existing:  "anon",
			retry:     true,
			wantOwner: "user",
		},
		{
			name:     "attach race without retry fails",
			store:    func() database.Persistence { return &attachRaceStore{MemoryStore: database.NewMemoryStore()} },
			existing: "anon",
			wantErr:  true,
		},
		{
			name:     "second attach conflict propagates",
			store:    func() database.Persistence { return &attachRaceStore{MemoryStore: database.NewMemoryStore(), always: true} },
			existing: "anon",
			retry:    true,
			wantErr:  true,
		},
		{
			name:      "create race re-reads",
			store:     func() database.Persistence { return &racingStore{MemoryStore: database.NewMemoryStore()} },
			retry:     true,
			wantOwner: "user",
		},
		{
			name:    "create race without retry fails",
			store:   func() database.Persistence { return &racingStore{MemoryStore: database.NewMemoryStore()} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := tt.store()
			r := newResolver(t, store)
			if tt.existing != "" {
				if _, err := r.EnsurePerson(ctx, team, tt.existing); err != nil {
					t.Fatalf("EnsurePerson: %v", err)
				}
			}

			err := r.Alias(ctx, "anon", "user", team, tt.retry)
			if tt.wantErr {
				if !errors.Is(err, database.ErrConflict) || !errors.Is(err, ErrRetriesExhausted) {
					t.Fatalf("err = %v, want conflict and retries exhausted", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Alias: %v", err)
			}

			owner, err := store.FetchPerson(ctx, team, tt.wantOwner)
			if err != nil {
				t.Fatalf("FetchPerson %s: %v", tt.wantOwner, err)
			}
			for _, d := range []string{"anon", "user"} {
				got, err := store.FetchPerson(ctx, team, d)
				if err != nil {
					t.Fatalf("FetchPerson %s: %v", d, err)
				}
				if got.ID != owner.ID {
					t.Errorf("%s -> person %d, want %d", d, got.ID, owner.ID)
				}
			}
		})
	}
}
