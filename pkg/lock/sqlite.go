package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
	"github.com/cloudsaga/cloudsaga/pkg/stores"
)

// SQLiteLocker keeps leases in the journal database's leases table. It
// serialises runs on one host, or on several hosts sharing the file.
type SQLiteLocker struct {
	store stores.Store
	opts  options
}

// NewSQLiteLocker creates a locker over an initialised and migrated store.
func NewSQLiteLocker(store stores.Store, opts ...Option) *SQLiteLocker {
	return &SQLiteLocker{store: store, opts: newOptions(opts)}
}

// Acquire implements engine.Locker.
func (l *SQLiteLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (engine.Lease, error) {
	ttl = ttlOrDefault(ttl)
	now := l.opts.now()
	lease := &stores.Lease{
		Name:       key,
		Owner:      l.opts.owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	ok, err := l.store.TryAcquireLease(ctx, lease)
	if err != nil {
		return nil, engine.NewTransientError("failed to acquire lease", err).WithResource(key)
	}
	if !ok {
		cur, err := l.store.GetLease(ctx, key)
		if err != nil {
			return nil, engine.NewPermanentError("deployment is locked", err).
				WithCode(engine.ErrCodeLocked).WithResource(key)
		}
		return nil, engine.NewLockedError(key, cur.Owner, cur.ExpiresAt)
	}

	l.opts.logger.Debug().Str("lease", key).Str("owner", l.opts.owner).Time("expires_at", lease.ExpiresAt).Msg("Lease acquired")

	renew := func(ctx context.Context, expires time.Time) error {
		return l.store.RenewLease(ctx, key, l.opts.owner, expires)
	}
	release := func(ctx context.Context) error {
		err := l.store.ReleaseLease(ctx, key, l.opts.owner)
		if errors.Is(err, stores.ErrNotFound) {
			// expired and taken over, nothing left to release
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to release lease %s: %w", key, err)
		}
		return nil
	}
	return newHeldLease(key, ttl, lease.ExpiresAt, l.opts, renew, release), nil
}

// ForceRelease implements engine.Locker.
func (l *SQLiteLocker) ForceRelease(ctx context.Context, key string) error {
	err := l.store.DeleteLease(ctx, key)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return fmt.Errorf("failed to force release lease %s: %w", key, err)
	}
	return nil
}
