// Package lock implements distributed mutual exclusion with TTL leases on
// top of the state store. Atomicity comes from the store's conditional
// updates: insert-if-absent grants a free lock, compare-and-swap reclaims an
// expired one. A crashed holder is reclaimed after expiry; renewal is
// cooperative.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"execd/internal/core"
	"execd/internal/store"
	apperrors "execd/pkg/errors"
	"execd/pkg/telemetry"
)

// Manager implements core.ILockManager for one replica. HolderID identifies
// this replica across the fleet.
type Manager struct {
	kv       core.IKVStore
	holderID string
	logger   core.ILogger
	now      func() time.Time
}

// NewManager creates a lock manager bound to a holder identity
func NewManager(kv core.IKVStore, holderID string, logger core.ILogger) *Manager {
	return &Manager{
		kv:       kv,
		holderID: holderID,
		logger:   logger.WithField("component", "lock_manager"),
		now:      time.Now,
	}
}

// Acquire grants the named lock for ttl. The returned token is the
// acquisition time in nanoseconds and can be used for fencing.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (int64, bool, error) {
	key := store.LockKey(name)
	now := m.now().UTC()

	rec := core.Lock{
		Name:       name,
		HolderID:   m.holderID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return 0, false, fmt.Errorf("failed to marshal lock record: %w", err)
	}

	existing, version, err := m.kv.Get(ctx, key)
	switch {
	case errors.Is(err, apperrors.ErrKeyNotFound):
		if _, err := m.kv.Put(ctx, key, value, 0); err != nil {
			if errors.Is(err, apperrors.ErrVersionConflict) {
				// Someone inserted between our read and write
				telemetry.GetGlobalMetrics().RecordLockDenied(ctx, name)
				return 0, false, nil
			}
			return 0, false, fmt.Errorf("failed to insert lock %q: %w", name, err)
		}
		return now.UnixNano(), true, nil

	case err != nil:
		// Store trouble: treat as denied, caller may retry via redelivery
		return 0, false, fmt.Errorf("failed to read lock %q: %w", name, err)
	}

	var held core.Lock
	if err := json.Unmarshal(existing, &held); err != nil {
		return 0, false, fmt.Errorf("corrupt lock record %q: %w", name, err)
	}

	// A live lease denies everyone, the holder's own replica included:
	// goroutines within one process share the holder ID and still need
	// mutual exclusion from each other.
	if !held.Expired(now) {
		telemetry.GetGlobalMetrics().RecordLockDenied(ctx, name)
		return 0, false, nil
	}

	// Expired: replace via CAS
	if _, err := m.kv.Put(ctx, key, value, version); err != nil {
		if errors.Is(err, apperrors.ErrVersionConflict) {
			telemetry.GetGlobalMetrics().RecordLockDenied(ctx, name)
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to reclaim lock %q: %w", name, err)
	}
	return now.UnixNano(), true, nil
}

// Renew extends the lease identified by token. A holder-ID match alone is
// not enough: the same replica may have let the lease lapse and reclaimed it
// under a new token, and the old critical section must not extend the new
// lease.
func (m *Manager) Renew(ctx context.Context, name string, ttl time.Duration, token int64) error {
	key := store.LockKey(name)
	now := m.now().UTC()

	existing, version, err := m.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, apperrors.ErrKeyNotFound) {
			return apperrors.ErrLockLost
		}
		return fmt.Errorf("failed to read lock %q: %w", name, err)
	}

	var held core.Lock
	if err := json.Unmarshal(existing, &held); err != nil {
		return fmt.Errorf("corrupt lock record %q: %w", name, err)
	}
	if held.HolderID != m.holderID || held.AcquiredAt.UnixNano() != token || held.Expired(now) {
		return apperrors.ErrLockLost
	}

	held.ExpiresAt = now.Add(ttl)
	value, err := json.Marshal(held)
	if err != nil {
		return fmt.Errorf("failed to marshal lock record: %w", err)
	}
	if _, err := m.kv.Put(ctx, key, value, version); err != nil {
		if errors.Is(err, apperrors.ErrVersionConflict) {
			return apperrors.ErrLockLost
		}
		return fmt.Errorf("failed to renew lock %q: %w", name, err)
	}
	return nil
}

// Release drops the lease identified by token. No-op when the holder or the
// token does not match: a delayed release from an expired critical section
// must not free a lease that has since been re-acquired. TTL expiry covers
// the crash path.
func (m *Manager) Release(ctx context.Context, name string, token int64) error {
	key := store.LockKey(name)

	existing, version, err := m.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, apperrors.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("failed to read lock %q: %w", name, err)
	}

	var held core.Lock
	if err := json.Unmarshal(existing, &held); err != nil {
		return fmt.Errorf("corrupt lock record %q: %w", name, err)
	}
	if held.HolderID != m.holderID || held.AcquiredAt.UnixNano() != token {
		return nil
	}

	if err := m.kv.Delete(ctx, key, version); err != nil && !errors.Is(err, apperrors.ErrVersionConflict) {
		return fmt.Errorf("failed to release lock %q: %w", name, err)
	}
	return nil
}

// WithLock runs fn under the named lock, guaranteeing release on every exit
// path. Denied acquisition returns ok=false without running fn.
func (m *Manager) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(token int64) error) (ok bool, err error) {
	token, granted, err := m.Acquire(ctx, name, ttl)
	if err != nil || !granted {
		return false, err
	}
	defer func() {
		if relErr := m.Release(context.WithoutCancel(ctx), name, token); relErr != nil {
			m.logger.Warn("Lock release failed, lease will expire by TTL", "lock", name, "error", relErr)
		}
	}()
	return true, fn(token)
}

// KeepAlive renews the lease every ttl/3 until ctx is done. The returned
// channel closes if ownership is lost; long critical sections (OCO cancel
// retries) watch it.
func (m *Manager) KeepAlive(ctx context.Context, name string, ttl time.Duration, token int64) <-chan struct{} {
	lost := make(chan struct{})
	go func() {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Renew(ctx, name, ttl, token); err != nil {
					if errors.Is(err, apperrors.ErrLockLost) {
						m.logger.Warn("Lock lease lost during keepalive", "lock", name)
						close(lost)
						return
					}
					m.logger.Warn("Lock renew failed, retrying next tick", "lock", name, "error", err)
				}
			}
		}
	}()
	return lost
}
