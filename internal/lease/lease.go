// Package lease provides the leader lease that gates the timeout daemon: a
// TTL-bound exclusive key, renewed on every poll, released on shutdown. A
// crashed holder's lease expires instead of wedging the fleet.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotHeld is returned by Renew when the caller no longer owns the lease.
var ErrNotHeld = errors.New("lease not held")

// Lease is an exclusive, expiring claim on a key.
type Lease interface {
	// Acquire claims key for owner if it is free or expired.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Renew extends the claim; ErrNotHeld when owner lost it.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) error
	// Release drops the claim if owner still holds it.
	Release(ctx context.Context, key, owner string) error
}

type claim struct {
	owner   string
	expires time.Time
}

// Memory is a process-local lease table. Instances sharing one Memory
// contend with each other, which is enough for single-process deployments
// and tests.
type Memory struct {
	mu     sync.Mutex
	claims map[string]claim
	now    func() time.Time
}

// NewMemory returns an empty lease table.
func NewMemory() *Memory {
	return &Memory{claims: make(map[string]claim), now: time.Now}
}

// SetNowFunc overrides the clock.
func (m *Memory) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Acquire implements Lease.
func (m *Memory) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if c, ok := m.claims[key]; ok && c.owner != owner && now.Before(c.expires) {
		return false, nil
	}
	m.claims[key] = claim{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Renew implements Lease.
func (m *Memory) Renew(_ context.Context, key, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	c, ok := m.claims[key]
	if !ok || c.owner != owner || !now.Before(c.expires) {
		return ErrNotHeld
	}
	m.claims[key] = claim{owner: owner, expires: now.Add(ttl)}
	return nil
}

// Release implements Lease.
func (m *Memory) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[key]; ok && c.owner == owner {
		delete(m.claims, key)
	}
	return nil
}
