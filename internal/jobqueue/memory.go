// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package jobqueue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/models"
)

// MemoryBackend keeps jobs in process memory. Jobs are lost on restart; it
// serves tests and the memory storage driver.
type MemoryBackend struct {
	*poller
	mem *memoryStore
}

// NewMemoryBackend creates an in-process backend.
func NewMemoryBackend(name string, opts Options, logger *zerolog.Logger) *MemoryBackend {
	if name == "" {
		name = "memory"
	}
	mem := &memoryStore{jobs: make(map[string]*memoryEntry)}
	return &MemoryBackend{poller: newPoller(name, mem, opts, logger), mem: mem}
}

// Len is the number of stored jobs, leased or not.
func (b *MemoryBackend) Len() int {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	return len(b.mem.jobs)
}

// Jobs returns copies of the stored jobs ordered by run time.
func (b *MemoryBackend) Jobs() []models.EnqueuedJob {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	out := make([]models.EnqueuedJob, 0, len(b.mem.jobs))
	for _, e := range b.mem.jobs {
		out = append(out, e.job)
	}
	slices.SortFunc(out, func(a, b models.EnqueuedJob) int { return a.RunAt.Compare(b.RunAt) })
	return out
}

type memoryEntry struct {
	job         models.EnqueuedJob
	leasedUntil time.Time
}

type memoryStore struct {
	mu   sync.Mutex
	jobs map[string]*memoryEntry
}

func (s *memoryStore) put(_ context.Context, job *models.EnqueuedJob) error {
	s.mu.Lock()
	s.jobs[job.ID] = &memoryEntry{job: *job}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) claim(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*models.EnqueuedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*memoryEntry
	for _, e := range s.jobs {
		if e.job.Due(now) && !e.leasedUntil.After(now) {
			due = append(due, e)
		}
	}
	slices.SortFunc(due, func(a, b *memoryEntry) int { return a.job.RunAt.Compare(b.job.RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*models.EnqueuedJob, 0, len(due))
	for _, e := range due {
		e.leasedUntil = now.Add(lease)
		job := e.job
		out = append(out, &job)
	}
	return out, nil
}

func (s *memoryStore) complete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	return nil
}
