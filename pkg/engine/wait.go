package engine

import (
	"context"
	"fmt"
	"time"
)

// Condition is a state a provider can wait for.
type Condition string

const (
	// ConditionAvailable means the resource is usable by dependents.
	ConditionAvailable Condition = "available"

	// ConditionDeleted means the resource is gone.
	ConditionDeleted Condition = "deleted"
)

// WaitOptions configures a provider wait.
type WaitOptions struct {
	Interval time.Duration `json:"interval" yaml:"interval"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultWaitOptions returns a 10s poll with a 10 minute ceiling.
func DefaultWaitOptions() WaitOptions {
	return WaitOptions{Interval: 10 * time.Second, Timeout: 10 * time.Minute}
}

// CheckFunc reports whether the awaited condition holds. Retryable and
// NOT_FOUND errors count as "not yet"; any other error stops the wait.
type CheckFunc func(ctx context.Context) (bool, error)

// Wait polls check every interval until it returns true, maxWait elapses or
// ctx is done. Exceeding maxWait yields a TIMEOUT error.
func Wait(ctx context.Context, check CheckFunc, interval, maxWait time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		ok, err := check(ctx)
		switch {
		case err == nil && ok:
			return nil
		case err != nil && !IsRetryable(err) && !IsNotFound(err):
			return err
		case err != nil:
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return fromContext(ctx.Err(), "")
		case <-deadline.C:
			return NewTimeoutError(fmt.Sprintf("condition not met within %s", maxWait), lastErr)
		case <-ticker.C:
		}
	}
}

// WaitFor adapts WaitOptions to Wait.
func WaitFor(ctx context.Context, check CheckFunc, opts WaitOptions) error {
	d := DefaultWaitOptions()
	if opts.Interval <= 0 {
		opts.Interval = d.Interval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = d.Timeout
	}
	return Wait(ctx, check, opts.Interval, opts.Timeout)
}
