package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the in-place retry of a single cloud call.
type RetryPolicy struct {
	MaxAttempts     uint          `json:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval"`
	MaxElapsed      time.Duration `json:"max_elapsed" yaml:"max_elapsed"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     6,
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		MaxElapsed:      5 * time.Minute,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = d.MaxElapsed
	}
	return p
}

// RetryNotify is called before each sleep with the failed attempt's error.
type RetryNotify func(err error, attempt uint, next time.Duration)

// Retry calls op until it succeeds, returns an error that retryable rejects,
// or the policy is exhausted. The last error is returned unchanged.
func Retry(
	ctx context.Context,
	p RetryPolicy,
	retryable func(error) bool,
	notify RetryNotify,
	op func(ctx context.Context) error,
) error {
	p = p.withDefaults()
	if retryable == nil {
		retryable = IsRetryable
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	var attempt uint
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			if notify != nil {
				notify(err, attempt, next)
			}
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return err
}

// RetryTagging is the retry predicate for tag calls: freshly created
// resources are often not yet visible to the tagging API.
func RetryTagging(err error) bool {
	return IsRetryable(err) || IsNotFound(err)
}
