package stage

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"tagged retryable", Retryablef("transient fault"), Retryable},
		{"tagged fatal", Fatalf("bad input"), Fatal},
		{"wrapped retryable", fmt.Errorf("outer: %w", Retryablef("inner")), Retryable},
		{"wrapped fatal", fmt.Errorf("outer: %w", Fatalf("inner")), Fatal},
		{"deadline exceeded", context.DeadlineExceeded, Retryable},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), Retryable},
		{"untagged error", errors.New("something broke"), Fatal},
		{"cancellation", context.Canceled, Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Retryablef("x")) {
		t.Error("IsRetryable(Retryablef) = false, want true")
	}
	if IsRetryable(Fatalf("x")) {
		t.Error("IsRetryable(Fatalf) = true, want false")
	}
}

func TestFailure_ErrorAndUnwrap(t *testing.T) {
	inner := errors.New("disk full")
	f := &Failure{Kind: Retryable, Err: inner}

	if got := f.Error(); got != "retryable: disk full" {
		t.Errorf("Error() = %q, want %q", got, "retryable: disk full")
	}
	if !errors.Is(f, inner) {
		t.Error("errors.Is(f, inner) = false, want true")
	}
}
