package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestEngineError_Predicates(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		notFound  bool
		exists    bool
		timeout   bool
	}{
		{name: "transient", err: NewTransientError("DependencyViolation", nil), retryable: true},
		{name: "throttled", err: NewThrottledError("RequestLimitExceeded", nil), retryable: true},
		{name: "conflict", err: NewConflictError("IncorrectState", nil), retryable: true},
		{name: "not found", err: NewNotFoundError("InvalidVpcID.NotFound", nil), notFound: true},
		{name: "already exists", err: NewAlreadyExistsError("InvalidGroup.Duplicate", nil), exists: true},
		{name: "timeout", err: NewTimeoutError("wait exceeded", nil), timeout: true},
		{name: "wrapped not found", err: fmt.Errorf("describe: %w", NewNotFoundError("gone", nil)), notFound: true},
		{name: "plain error", err: errors.New("plain")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if IsRetryable(tt.err) != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", IsRetryable(tt.err), tt.retryable)
			}
			if IsNotFound(tt.err) != tt.notFound {
				t.Errorf("IsNotFound = %v, want %v", IsNotFound(tt.err), tt.notFound)
			}
			if IsAlreadyExists(tt.err) != tt.exists {
				t.Errorf("IsAlreadyExists = %v, want %v", IsAlreadyExists(tt.err), tt.exists)
			}
			if IsTimeout(tt.err) != tt.timeout {
				t.Errorf("IsTimeout = %v, want %v", IsTimeout(tt.err), tt.timeout)
			}
		})
	}
}

func TestEngineError_IsSentinel(t *testing.T) {
	err := NewNotFoundError("subnet-1 not found", nil).WithResource("subnet")
	if !errors.Is(err, ErrNotFound) {
		t.Error("Expected errors.Is to match ErrNotFound")
	}
	if errors.Is(err, ErrAlreadyExists) {
		t.Error("Did not expect match with ErrAlreadyExists")
	}
}

func TestEngineError_Error(t *testing.T) {
	err := NewPermanentError("create failed", errors.New("quota")).
		WithResource("instance").WithOperation("create")
	want := "[permanent] create failed (resource=instance, operation=create): quota"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}

func TestAnnotate(t *testing.T) {
	err := annotate(errors.New("socket closed"), "vpc", "create")
	if ErrorCode(err) != ErrCodeProviderFailed {
		t.Errorf("Expected provider failure code, got %s", ErrorCode(err))
	}

	err = annotate(context.Canceled, "vpc", "exists")
	if !IsCancelled(err) {
		t.Errorf("Expected cancelled, got %v", err)
	}

	orig := NewTransientError("busy", nil)
	err = annotate(orig, "subnet", "delete")
	if orig.Resource != "subnet" || orig.Operation != "delete" {
		t.Errorf("Expected context filled in, got %+v", orig)
	}
}
