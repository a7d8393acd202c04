package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		err   *EngineError
		check func(error) bool
		name  string
	}{
		{NewValidationError("bad", nil), IsValidation, "validation"},
		{NewConflictError("held", nil), IsConflict, "conflict"},
		{NewTransientError("throttled", nil), IsTransient, "transient"},
		{NewPermanentError("gone", nil), IsPermanent, "permanent"},
		{NewHealthDegradedError("unhealthy", nil), IsHealthDegraded, "health_degraded"},
		{NewRollbackFailedError("stuck", nil), IsRollbackFailed, "rollback_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("%s check failed for its own class", tt.name)
			}
			for _, other := range tests {
				if other.name != tt.name && other.check(tt.err) {
					t.Errorf("%s matched %s check", tt.name, other.name)
				}
			}
		})
	}
}

func TestOnlyTransientIsRetryable(t *testing.T) {
	if !IsRetryable(NewTransientError("throttled", nil)) {
		t.Error("transient errors should be retryable")
	}
	for _, err := range []error{
		NewValidationError("bad", nil),
		NewConflictError("held", nil),
		NewPermanentError("gone", nil),
		NewHealthDegradedError("unhealthy", nil),
		NewRollbackFailedError("stuck", nil),
		errors.New("unclassified"),
	} {
		if IsRetryable(err) {
			t.Errorf("%v should not be retryable", err)
		}
	}
}

func TestClassificationSeesThroughWrapping(t *testing.T) {
	inner := NewTransientError("throttled", nil).WithCode(ErrCodeTimeout)
	wrapped := fmt.Errorf("stage apply: %w", inner)

	if !IsTransient(wrapped) {
		t.Error("classification should unwrap")
	}

	var engErr *EngineError
	if !errors.As(wrapped, &engErr) {
		t.Fatal("errors.As should find the engine error")
	}
	if engErr.Code != ErrCodeTimeout {
		t.Errorf("unexpected code %s", engErr.Code)
	}
}

func TestErrorContextBuilders(t *testing.T) {
	err := NewPermanentError("provider call failed", errors.New("boom")).
		WithCode(ErrCodeHandlerFailed).
		WithTarget("i-0abc").
		WithOperation("resize").
		WithStage(50).
		WithDetail("instance_type", "m5.large")

	if err.Code != ErrCodeHandlerFailed || err.Target != "i-0abc" ||
		err.Operation != "resize" || err.Stage != 50 {
		t.Errorf("builder fields not set: %+v", err)
	}
	if err.Details["instance_type"] != "m5.large" {
		t.Errorf("detail not set: %v", err.Details)
	}

	msg := err.Error()
	for _, want := range []string{"permanent", "i-0abc", "resize", "boom"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q missing %q", msg, want)
		}
	}

	if !errors.Is(err.Unwrap(), err.Err) {
		t.Error("unwrap should return the cause")
	}
}

func TestErrorIsMatchesClassAndCode(t *testing.T) {
	a := NewConflictError("queue is full", nil).WithCode(ErrCodeQueueFull)
	b := NewConflictError("different message", nil).WithCode(ErrCodeQueueFull)
	c := NewConflictError("queue is full", nil).WithCode(ErrCodeLockHeld)

	if !errors.Is(a, b) {
		t.Error("same class and code should match")
	}
	if errors.Is(a, c) {
		t.Error("different code should not match")
	}
}
