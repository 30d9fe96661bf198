// Package lock provides single-writer leases keyed by service base name.
// A run acquires the lease for its deployment before touching the cloud and
// holds it until the run or teardown finishes; a keep-alive goroutine extends
// the expiry while the lease is held so long runs do not lose it.
//
// Three backends implement engine.Locker:
//
//   - SQLiteLocker stores leases in the local journal database
//   - DynamoDBLocker stores them in a DynamoDB table shared by several hosts
//   - MemoryLocker keeps them in process, for tests and dry runs
package lock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

// DefaultTTL is the lease duration used when a caller passes zero.
const DefaultTTL = 15 * time.Minute

// options are shared by every backend.
type options struct {
	owner  string
	logger zerolog.Logger
	now    func() time.Time

	// refresh is the keep-alive period; zero means a third of the TTL.
	refresh time.Duration
}

// Option configures a Locker.
type Option func(*options)

// WithOwner overrides the generated owner id.
func WithOwner(owner string) Option {
	return func(o *options) { o.owner = owner }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRefreshInterval sets the keep-alive period. A negative value disables it.
func WithRefreshInterval(d time.Duration) Option {
	return func(o *options) { o.refresh = d }
}

func newOptions(opts []Option) options {
	o := options{logger: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.owner == "" {
		o.owner = NewOwnerID()
	}
	return o
}

// NewOwnerID returns an owner id unique to this process: hostname, pid and a
// random suffix.
func NewOwnerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.New().String()[:8])
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// heldLease implements engine.Lease for every backend. Backends supply renew
// and release callbacks.
type heldLease struct {
	key     string
	owner   string
	ttl     time.Duration
	now     func() time.Time
	logger  zerolog.Logger
	renew   func(ctx context.Context, expires time.Time) error
	release func(ctx context.Context) error

	mu      sync.Mutex
	expires time.Time

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	lost     chan struct{}
	lostOnce sync.Once
}

func newHeldLease(
	key string,
	ttl time.Duration,
	expires time.Time,
	o options,
	renew func(ctx context.Context, expires time.Time) error,
	release func(ctx context.Context) error,
) *heldLease {
	l := &heldLease{
		key:     key,
		owner:   o.owner,
		ttl:     ttl,
		now:     o.now,
		logger:  o.logger.With().Str("lease", key).Logger(),
		renew:   renew,
		release: release,
		expires: expires,
		done:    make(chan struct{}),
		lost:    make(chan struct{}),
	}

	interval := o.refresh
	if interval == 0 {
		interval = ttl / 3
	}
	if interval <= 0 {
		close(l.done)
		l.cancel = func() {}
		return l
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.keepAlive(ctx, interval)
	return l
}

func (l *heldLease) keepAlive(ctx context.Context, interval time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expires := l.now().Add(l.ttl)
			callCtx, cancel := context.WithTimeout(ctx, interval)
			err := l.renew(callCtx, expires)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if (engine.IsTransient(err) || engine.IsThrottled(err)) && l.now().Before(l.ExpiresAt()) {
					l.logger.Warn().Err(err).Msg("Lease refresh failed, retrying")
					continue
				}
				// Taken over, expired or the backend is gone.
				l.logger.Error().Err(err).Msg("Lease lost")
				l.markLost()
				return
			}
			l.mu.Lock()
			l.expires = expires
			l.mu.Unlock()
		}
	}
}

// Key implements engine.Lease.
func (l *heldLease) Key() string { return l.key }

// Owner implements engine.Lease.
func (l *heldLease) Owner() string { return l.owner }

// ExpiresAt implements engine.Lease.
func (l *heldLease) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expires
}

// Lost implements engine.Lease.
func (l *heldLease) Lost() <-chan struct{} { return l.lost }

func (l *heldLease) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

// Release stops the keep-alive and drops the lease. Releasing twice is a no-op.
func (l *heldLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		l.cancel()
		<-l.done
		err = l.release(ctx)
		if err == nil {
			l.logger.Debug().Msg("Lease released")
		}
	})
	return err
}
