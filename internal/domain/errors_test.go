package domain

import (
	"errors"
	"testing"
)

func TestLimiterErrorMessageIncludesJobAndModelWhenPresent(t *testing.T) {
	err := NewExhaustedError("job-1", "claude-haiku")
	want := "capacity-exhausted: job job-1 (last model claude-haiku): no model available within its wait budget"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestLimiterErrorUnwrapsWrappedCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewBackendError("register", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
}

func TestNewJobThrownErrorUsesErrorMessageWhenCauseIsError(t *testing.T) {
	cause := errors.New("rate limited upstream")
	err := NewJobThrownError("job-2", "model-x", cause)
	if err.Kind != KindJobThrown || err.Message != "rate limited upstream" {
		t.Fatalf("unexpected error: %+v", err)
	}
}

func TestNewJobThrownErrorFormatsNonErrorCause(t *testing.T) {
	err := NewJobThrownError("job-3", "model-x", "panic: out of memory")
	if err.Message != "panic: out of memory" {
		t.Fatalf("Message = %q, want the stringified cause", err.Message)
	}
	if err.Err != nil {
		t.Fatalf("a non-error cause must not populate Err")
	}
}
