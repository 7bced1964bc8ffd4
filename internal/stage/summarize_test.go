package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFocusClause(t *testing.T) {
	if got := focusClause(nil); got != "" {
		t.Errorf("focusClause(nil) = %q, want empty", got)
	}

	got := focusClause([]string{"antibiotic choice", "fluid resuscitation"})
	if !strings.Contains(got, "antibiotic choice, fluid resuscitation") {
		t.Errorf("focusClause() = %q, want the joined areas", got)
	}
}

func TestTermsClause(t *testing.T) {
	if got := termsClause(nil); got != "" {
		t.Errorf("termsClause(nil) = %q, want empty", got)
	}

	got := termsClause(map[string]string{"qSOFA": "quick Sequential Organ Failure Assessment"})
	if !strings.Contains(got, "qSOFA = quick Sequential Organ Failure Assessment") {
		t.Errorf("termsClause() = %q, want the term pair", got)
	}
}

func TestIsQuotaError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("googleapi: Error 429: rate limited"), true},
		{errors.New("quota exceeded for project"), true},
		{errors.New("RESOURCE_EXHAUSTED"), true},
		{errors.New("invalid argument"), false},
	}

	for _, tt := range tests {
		if got := isQuotaError(tt.err); got != tt.want {
			t.Errorf("isQuotaError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestClassifyModelError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"deadline", context.DeadlineExceeded, Retryable},
		{"quota", errors.New("Error 429: too many requests"), Retryable},
		{"server fault", errors.New("Error 503: UNAVAILABLE"), Retryable},
		{"internal", errors.New("Error 500: internal"), Retryable},
		{"bad request", errors.New("Error 400: invalid prompt"), Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyModelError("summarize", tt.err)
			if Classify(got) != tt.want {
				t.Errorf("classifyModelError(%v) classified %q, want %q", tt.err, Classify(got), tt.want)
			}
		})
	}
}

func TestClassifyModelError_CancellationPassesThrough(t *testing.T) {
	err := classifyModelError("summarize", fmt.Errorf("call: %w", context.Canceled))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled preserved", err)
	}
	var f *Failure
	if errors.As(err, &f) {
		t.Error("cancellation should not be wrapped in a Failure")
	}
}

func TestSummarizer_Run_NoTranscriptIsFatal(t *testing.T) {
	s := NewSummarizer(newTestBlobs(t), summarizerTestConfig())

	_, err := s.Run(context.Background(), Input{SessionID: "ses-11111111"})
	if err == nil || Classify(err) != Fatal {
		t.Fatalf("Run() error = %v, want fatal", err)
	}
}

func TestSummarizer_Generate_NoKeysIsFatal(t *testing.T) {
	s := NewSummarizer(newTestBlobs(t), summarizerTestConfigNoKeys())

	_, err := s.generate(context.Background(), "prompt")
	if err == nil || Classify(err) != Fatal {
		t.Fatalf("generate() error = %v, want fatal", err)
	}
}
