package lock

import (
	"context"
	"sync"
	"time"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

type memoryEntry struct {
	owner   string
	expires time.Time
}

// MemoryLocker keeps leases in process. Lockers created with Share see each
// other's leases, which lets tests model two competing hosts.
type MemoryLocker struct {
	opts    options
	mu      *sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryLocker creates a locker with its own lease table.
func NewMemoryLocker(opts ...Option) *MemoryLocker {
	return &MemoryLocker{
		opts:    newOptions(opts),
		mu:      &sync.Mutex{},
		entries: make(map[string]memoryEntry),
	}
}

// Share returns a locker for a different owner backed by the same table.
func (m *MemoryLocker) Share(opts ...Option) *MemoryLocker {
	return &MemoryLocker{
		opts:    newOptions(opts),
		mu:      m.mu,
		entries: m.entries,
	}
}

// Acquire implements engine.Locker.
func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (engine.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ttl = ttlOrDefault(ttl)
	now := m.opts.now()

	m.mu.Lock()
	if cur, ok := m.entries[key]; ok && cur.owner != m.opts.owner && cur.expires.After(now) {
		m.mu.Unlock()
		return nil, engine.NewLockedError(key, cur.owner, cur.expires)
	}
	expires := now.Add(ttl)
	m.entries[key] = memoryEntry{owner: m.opts.owner, expires: expires}
	m.mu.Unlock()

	return newHeldLease(key, ttl, expires, m.opts, m.renew(key), m.release(key)), nil
}

func (m *MemoryLocker) renew(key string) func(context.Context, time.Time) error {
	return func(_ context.Context, expires time.Time) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, ok := m.entries[key]
		if !ok || cur.owner != m.opts.owner {
			return engine.NewNotFoundError("lease "+key+" is no longer held", nil)
		}
		m.entries[key] = memoryEntry{owner: cur.owner, expires: expires}
		return nil
	}
}

func (m *MemoryLocker) release(key string) func(context.Context) error {
	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.entries[key]; ok && cur.owner == m.opts.owner {
			delete(m.entries, key)
		}
		return nil
	}
}

// ForceRelease implements engine.Locker.
func (m *MemoryLocker) ForceRelease(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Holder returns the current owner of key, or "".
func (m *MemoryLocker) Holder(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[key]
	if !ok || !cur.expires.After(m.opts.now()) {
		return ""
	}
	return cur.owner
}
