// Package stage defines the uniform adapter contract around each external
// transformation in the pipeline, and the two-tag failure taxonomy every
// adapter error is normalized into.
package stage

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind is the two-valued classification of adapter errors.
type FailureKind string

const (
	// Retryable marks a transient external fault worth retrying.
	Retryable FailureKind = "retryable"
	// Fatal marks a non-recoverable fault, e.g. malformed input.
	Fatal FailureKind = "fatal"
)

// Failure is a classified adapter error.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retryablef formats a retryable failure.
func Retryablef(format string, args ...interface{}) error {
	return &Failure{Kind: Retryable, Err: fmt.Errorf(format, args...)}
}

// Fatalf formats a fatal failure.
func Fatalf(format string, args ...interface{}) error {
	return &Failure{Kind: Fatal, Err: fmt.Errorf(format, args...)}
}

// Classify returns the failure kind of err. Timeouts are retryable;
// anything not already tagged is fatal, so adapters fail safe rather than
// loop on unknown faults.
func Classify(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	return Fatal
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return Classify(err) == Retryable
}
