// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

// Package lock provides the cluster-wide lease that gates scheduled task
// dispatch. A Locker keeps trying to acquire the lease, renews it while
// held and reports every gain and loss through callbacks. Losing the lease
// is a state change, not an error.
package lock

import (
	"context"
	"sync"

	"github.com/tomtom215/pulseline/internal/metrics"
)

// DefaultKey is the resource name of the schedule lease.
const DefaultKey = "pulseline:schedule-lock"

// Callbacks are invoked from the Locker's Run goroutine.
type Callbacks struct {
	OnAcquired func()
	OnLost     func()
}

func (c Callbacks) acquired() {
	metrics.RecordLockHeld(true)
	if c.OnAcquired != nil {
		c.OnAcquired()
	}
}

func (c Callbacks) lost() {
	metrics.RecordLockHeld(false)
	if c.OnLost != nil {
		c.OnLost()
	}
}

// Locker acquires and renews a lease until ctx ends.
type Locker interface {
	Run(ctx context.Context, cb Callbacks) error
	Release(ctx context.Context) error
}

// Local is a Locker for single-node deployments. It holds the lease from
// the moment Run starts.
type Local struct {
	mu   sync.Mutex
	held bool
}

// NewLocal returns a single-node Locker that acquires as soon as Run starts.
func NewLocal() *Local { return &Local{} }

func (l *Local) Run(ctx context.Context, cb Callbacks) error {
	l.mu.Lock()
	l.held = true
	l.mu.Unlock()
	cb.acquired()

	<-ctx.Done()
	return nil
}

func (l *Local) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		l.held = false
		metrics.RecordLockHeld(false)
	}
	return nil
}

// Held reports whether Run currently holds the lease.
func (l *Local) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}
