package stage

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Executor runs external binaries (transcription, TTS, pdftotext) with
// context-based timeouts. It exists as an interface so adapter tests can
// substitute a fake.
type Executor interface {
	Execute(ctx context.Context, name string, args ...string) (string, error)
	ExecuteInput(ctx context.Context, stdin string, name string, args ...string) (string, error)
}

type implExecutor struct{}

// NewExecutor returns the real subprocess-backed Executor.
func NewExecutor() Executor {
	return &implExecutor{}
}

// Execute runs an external command with the given arguments.
func (e *implExecutor) Execute(ctx context.Context, name string, args ...string) (string, error) {
	return run(ctx, "", name, args...)
}

// ExecuteInput runs an external command feeding stdin to it.
func (e *implExecutor) ExecuteInput(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	return run(ctx, stdin, name, args...)
}

func run(ctx context.Context, stdin, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", fmt.Errorf("command %q failed: %w\nstderr: %s", name, err, stderrStr)
		}
		return "", fmt.Errorf("command %q failed: %w", name, err)
	}

	return stdout.String(), nil
}
