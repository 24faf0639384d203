// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides named advisory locks with TTL expiry.
//
// Locks are daemon-local: they coordinate clients talking through the same
// photond instance and carry no cross-process enforcement. Expiry is lazy
// (checked on the next acquire) plus a periodic sweep.
//
// Thread Safety:
//
//	Manager is safe for concurrent use.
package lock

import (
	"log/slog"
	"sync"
	"time"
)

// sweepInterval is how often expired locks are purged regardless of traffic.
const sweepInterval = 10 * time.Second

// Lock describes a held (or recently held) named lock.
type Lock struct {
	// Name is the lock key.
	Name string `json:"name"`

	// Holder identifies the client that owns the lock.
	Holder string `json:"holder"`

	// AcquiredAt is when the holder first took the lock.
	AcquiredAt time.Time `json:"acquiredAt"`

	// ExpiresAt is when the lock stops being enforced.
	ExpiresAt time.Time `json:"expiresAt"`
}

// AcquireResult reports the outcome of an acquire attempt.
//
// A refused acquire is a normal result, not an error: the caller surfaces
// Acquired=false with the reason string to the client.
type AcquireResult struct {
	Acquired  bool      `json:"acquired"`
	Reason    string    `json:"reason,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// ReleaseResult reports the outcome of a release attempt.
type ReleaseResult struct {
	Released bool   `json:"released"`
	Reason   string `json:"reason,omitempty"`
}

// Manager owns the in-memory lock table.
type Manager struct {
	mu     sync.Mutex
	locks  map[string]*Lock
	logger *slog.Logger
	now    func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a lock manager and starts its background sweep.
//
// Inputs:
//   - logger: Destination for sweep and conflict logging. Must not be nil.
//
// Outputs:
//   - *Manager: Ready-to-use manager. Call Close when done.
func NewManager(logger *slog.Logger) *Manager {
	m := &Manager{
		locks:  make(map[string]*Lock),
		logger: logger.With(slog.String("subsystem", "lock")),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Acquire takes or renews the named lock for holder.
//
// Description:
//
//	If no live lock exists the lock is created expiring at now+ttl. If the
//	same holder already owns the lock its expiry is extended (renewal).
//	A different holder with an unexpired lock is refused.
func (m *Manager) Acquire(name, holder string, ttl time.Duration) AcquireResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing, ok := m.locks[name]
	if ok && existing.ExpiresAt.After(now) && existing.Holder != holder {
		return AcquireResult{
			Acquired: false,
			Reason:   "held by another client",
		}
	}

	if ok && existing.Holder == holder && existing.ExpiresAt.After(now) {
		// Renewal keeps the original AcquiredAt.
		existing.ExpiresAt = now.Add(ttl)
		return AcquireResult{Acquired: true, ExpiresAt: existing.ExpiresAt}
	}

	if ok && !existing.ExpiresAt.After(now) {
		m.logger.Debug("replacing expired lock",
			"name", name,
			"old_holder", existing.Holder)
	}

	l := &Lock{
		Name:       name,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	m.locks[name] = l
	return AcquireResult{Acquired: true, ExpiresAt: l.ExpiresAt}
}

// Release gives up the named lock.
//
// Description:
//
//	Releasing a lock that does not exist succeeds vacuously. Releasing a
//	lock held by a different holder is refused.
func (m *Manager) Release(name, holder string) ReleaseResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.locks[name]
	if !ok {
		return ReleaseResult{Released: true}
	}
	if existing.Holder != holder {
		return ReleaseResult{
			Released: false,
			Reason:   "held by another client",
		}
	}
	delete(m.locks, name)
	return ReleaseResult{Released: true}
}

// List returns a snapshot of all live locks.
//
// Expired entries that the sweep has not yet removed are filtered out.
func (m *Manager) List() []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]Lock, 0, len(m.locks))
	for _, l := range m.locks {
		if l.ExpiresAt.After(now) {
			out = append(out, *l)
		}
	}
	return out
}

// Close stops the background sweep. Held locks are discarded.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

// sweep deletes every lock whose expiry has passed.
func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for name, l := range m.locks {
		if !l.ExpiresAt.After(now) {
			delete(m.locks, name)
			m.logger.Debug("swept expired lock",
				"name", name,
				"holder", l.Holder)
		}
	}
}
