// Package lock provides the distributed lock manager: named leases backed
// by the distributed_locks table, with TTL, ownership, and background
// renewal. Locks coordinate engine replicas that share nothing but the
// database.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratix/stratix-go/workflow/store"
)

// Key conventions layered over the raw lease primitive.

// InstanceKey names the per-instance advancement lock: exactly one engine
// advances an instance at a time.
func InstanceKey(instanceID int64) string {
	return "workflow:instance:" + strconv.FormatInt(instanceID, 10)
}

// BusinessKey prevents two concurrent instances sharing a business
// identity.
func BusinessKey(key string) string { return "business:" + key }

// MutexKey is caller-supplied exclusion across logically related
// instances.
func MutexKey(key string) string { return "mutex:" + key }

// SchedulerLeaderKey is the scheduler singleton lease.
const SchedulerLeaderKey = "scheduler:leader"

// DefaultTTL is the lease duration applied when the caller passes zero.
const DefaultTTL = 120 * time.Second

// Manager acquires, renews, and releases leases on behalf of one owner
// (typically an engine instance id). It adds no storage semantics of its
// own: mutual exclusion comes from the store's delete-then-insert
// transaction.
type Manager struct {
	store store.Locks
	owner string
	log   zerolog.Logger

	mu      sync.Mutex
	renewal map[string]chan struct{} // key -> stop channel
}

// NewManager creates a Manager whose leases are owned by owner.
func NewManager(st store.Locks, owner string, log zerolog.Logger) *Manager {
	return &Manager{
		store:   st,
		owner:   owner,
		log:     log.With().Str("component", "lock").Str("owner", owner).Logger(),
		renewal: make(map[string]chan struct{}),
	}
}

// Owner returns the owner identity leases are taken under.
func (m *Manager) Owner() string { return m.owner }

// Acquire attempts to take the lease for key. ttl <= 0 selects DefaultTTL.
// Returns false without error when another live owner holds the key.
func (m *Manager) Acquire(ctx context.Context, key string, lt store.LockType, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := m.store.AcquireLock(ctx, key, m.owner, lt, ttl)
	if err != nil {
		return false, fmt.Errorf("acquire %q: %w", key, err)
	}
	return ok, nil
}

// AcquireWithRenewal acquires the lease and, on success, starts a
// background goroutine renewing it every ttl/3 until Release is called or
// renewal fails (owner displaced after expiry).
func (m *Manager) AcquireWithRenewal(ctx context.Context, key string, lt store.LockType, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := m.Acquire(ctx, key, lt, ttl)
	if err != nil || !ok {
		return ok, err
	}

	stop := make(chan struct{})
	m.mu.Lock()
	if old, exists := m.renewal[key]; exists {
		close(old)
	}
	m.renewal[key] = stop
	m.mu.Unlock()

	go m.renewLoop(key, ttl, stop)
	return true, nil
}

func (m *Manager) renewLoop(key string, ttl time.Duration, stop chan struct{}) {
	interval := ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ok, err := m.store.RenewLock(ctx, key, m.owner, ttl)
			cancel()
			if err != nil {
				m.log.Warn().Err(err).Str("key", key).Msg("lease renewal error")
				continue
			}
			if !ok {
				// The lease expired and someone else may now hold it.
				// Stop renewing; the caller discovers the loss on its
				// next guarded write.
				m.log.Warn().Str("key", key).Msg("lease lost")
				m.stopRenewal(key)
				return
			}
		}
	}
}

// Renew extends the lease once, without a background loop.
func (m *Manager) Renew(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return m.store.RenewLock(ctx, key, m.owner, ttl)
}

// Release stops any renewal loop and deletes the lease if still owned.
func (m *Manager) Release(ctx context.Context, key string) error {
	m.stopRenewal(key)
	if _, err := m.store.ReleaseLock(ctx, key, m.owner); err != nil {
		return fmt.Errorf("release %q: %w", key, err)
	}
	return nil
}

// ReleaseAll stops every renewal loop. Called at engine shutdown; the
// leases themselves expire by TTL if the final deletes fail.
func (m *Manager) ReleaseAll(ctx context.Context) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.renewal))
	for key, stop := range m.renewal {
		close(stop)
		keys = append(keys, key)
	}
	m.renewal = make(map[string]chan struct{})
	m.mu.Unlock()

	for _, key := range keys {
		if _, err := m.store.ReleaseLock(ctx, key, m.owner); err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("release at shutdown failed")
		}
	}
}

func (m *Manager) stopRenewal(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stop, ok := m.renewal[key]; ok {
		close(stop)
		delete(m.renewal, key)
	}
}

// Held reports whether this manager currently holds a live lease on key.
func (m *Manager) Held(ctx context.Context, key string) (bool, error) {
	l, err := m.store.GetLock(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return l.Owner == m.owner && l.ExpiresAt.After(time.Now().UTC()), nil
}
