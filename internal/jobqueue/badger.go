// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/models"
)

// Key prefixes. Waiting jobs sort by run time so a claim scan can stop at
// the first job that is not yet due.
const (
	prefixJob    = "job:"
	prefixLeased = "leased:"
)

// BadgerBackend stores jobs in an embedded BadgerDB on the local
// filesystem.
type BadgerBackend struct {
	*poller
	db *badger.DB
}

type leasedJob struct {
	Job         *models.EnqueuedJob `json:"job"`
	LeaseExpiry time.Time           `json:"lease_expiry"`
}

// OpenBadgerBackend opens (or creates) the database at path. An empty path
// keeps everything in memory.
func OpenBadgerBackend(path string, opts Options, logger *zerolog.Logger) (*BadgerBackend, error) {
	bopts := badger.DefaultOptions(path)
	if path == "" {
		bopts = bopts.WithInMemory(true)
	} else {
		bopts.SyncWrites = true
	}
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger job queue: %w", err)
	}
	return &BadgerBackend{
		poller: newPoller("badger", &badgerStore{db: db}, opts, logger),
		db:     db,
	}, nil
}

// Close closes the database. Stop the consumer first.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

type badgerStore struct {
	db *badger.DB
}

func jobKey(job *models.EnqueuedJob) []byte {
	ts := job.RunAt.UnixNano()
	if ts < 0 {
		ts = 0
	}
	return []byte(fmt.Sprintf("%s%020d:%s", prefixJob, ts, job.ID))
}

func leasedKey(id string) []byte {
	return []byte(prefixLeased + id)
}

func (s *badgerStore) put(_ context.Context, job *models.EnqueuedJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKey(job), data)
	})
}

type kv struct {
	key []byte
	val []byte
}

func scan(txn *badger.Txn, prefix string, keep func(val []byte) (bool, bool)) ([]kv, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var out []kv
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		take, more := keep(val)
		if take {
			out = append(out, kv{key: item.KeyCopy(nil), val: val})
		}
		if !more {
			break
		}
	}
	return out, nil
}

func (s *badgerStore) claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.EnqueuedJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	expiry := now.Add(lease)

	var claimed []*models.EnqueuedJob
	err := s.db.Update(func(txn *badger.Txn) error {
		claimed = claimed[:0]

		expired, err := scan(txn, prefixLeased, func(val []byte) (bool, bool) {
			var lj leasedJob
			if json.Unmarshal(val, &lj) != nil {
				return false, true
			}
			return !lj.LeaseExpiry.After(now), true
		})
		if err != nil {
			return err
		}

		room := limit
		waiting, err := scan(txn, prefixJob, func(val []byte) (bool, bool) {
			var job models.EnqueuedJob
			if json.Unmarshal(val, &job) != nil {
				return false, true
			}
			if !job.Due(now) {
				return false, false
			}
			room--
			return room >= 0, room > 0
		})
		if err != nil {
			return err
		}

		for _, e := range expired {
			if len(claimed) >= limit {
				break
			}
			var lj leasedJob
			if err := json.Unmarshal(e.val, &lj); err != nil {
				continue
			}
			if err := s.lease(txn, lj.Job, expiry); err != nil {
				return err
			}
			claimed = append(claimed, lj.Job)
		}
		for _, e := range waiting {
			if len(claimed) >= limit {
				break
			}
			var job models.EnqueuedJob
			if err := json.Unmarshal(e.val, &job); err != nil {
				continue
			}
			if err := txn.Delete(e.key); err != nil {
				return err
			}
			if err := s.lease(txn, &job, expiry); err != nil {
				return err
			}
			claimed = append(claimed, &job)
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		// Another claimer won; the next poll retries.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return claimed, nil
}

func (s *badgerStore) lease(txn *badger.Txn, job *models.EnqueuedJob, expiry time.Time) error {
	data, err := json.Marshal(leasedJob{Job: job, LeaseExpiry: expiry})
	if err != nil {
		return fmt.Errorf("marshal leased job: %w", err)
	}
	return txn.Set(leasedKey(job.ID), data)
}

func (s *badgerStore) complete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(leasedKey(id))
	})
}
