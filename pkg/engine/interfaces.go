package engine

import (
	"context"
	"time"
)

// EventPublisher receives the ordered run timeline. Publish is called
// synchronously in timeline order.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Observer receives metric and tracing callbacks from the executor.
type Observer interface {
	// StageStarted is called before a stage runs. The returned context is used
	// for the stage's cloud calls and done is called exactly once with the
	// outcome: "adopted", "created" or "failed".
	StageStarted(ctx context.Context, runID string, stage Stage) (context.Context, func(outcome string, err error))

	// Compensated is called for every compensating delete.
	Compensated(kind Kind, err error)

	// AmbiguousMatch is called when an existence lookup matched several resources.
	AmbiguousMatch(kind Kind)

	// RunFinished is called once per run or teardown.
	RunFinished(mode string, status RunStatus, duration time.Duration)
}

// NopObserver discards every callback.
type NopObserver struct{}

func (NopObserver) StageStarted(ctx context.Context, _ string, _ Stage) (context.Context, func(string, error)) {
	return ctx, func(string, error) {}
}
func (NopObserver) Compensated(Kind, error)                      {}
func (NopObserver) AmbiguousMatch(Kind)                          {}
func (NopObserver) RunFinished(string, RunStatus, time.Duration) {}

// Locker grants single-writer leases keyed by service base name.
type Locker interface {
	// Acquire takes the lease or fails with a LOCKED error when another owner holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)

	// ForceRelease drops a lease regardless of owner.
	ForceRelease(ctx context.Context, key string) error
}

// Lease is a held lock.
type Lease interface {
	Key() string
	Owner() string
	ExpiresAt() time.Time

	// Lost is closed once the lease can no longer be kept, after a refresh
	// fails or the expiry passes without one. Runs must stop when it closes.
	Lost() <-chan struct{}

	// Release drops the lease if it is still held by this owner.
	Release(ctx context.Context) error
}

// NewLockedError reports a lease held by another owner.
func NewLockedError(key, holder string, expires time.Time) *EngineError {
	return NewPermanentError(
		"deployment is locked by "+holder+" until "+expires.UTC().Format(time.RFC3339), nil,
	).WithCode(ErrCodeLocked).WithResource(key)
}
