package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Executor runs external commands. Abstracted behind an interface so media
// code can be tested without ffmpeg installed.
type Executor interface {
	Execute(ctx context.Context, name string, args ...string) (string, error)
	ExecuteCombined(ctx context.Context, name string, args ...string) (string, error)
}

type implExecutor struct{}

// New creates a new Executor instance
func New() Executor {
	return &implExecutor{}
}

// Execute runs an external command and returns its stdout.
func (e *implExecutor) Execute(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", fmt.Errorf("command '%s' failed: %w\nstderr: %s", name, err, stderrStr)
		}
		return "", fmt.Errorf("command '%s' failed: %w", name, err)
	}

	return stdout.String(), nil
}

// ExecuteCombined runs an external command and returns stdout and stderr
// interleaved. ffmpeg writes filter output (silencedetect) to stderr, so the
// caller needs both streams.
func (e *implExecutor) ExecuteCombined(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("command '%s' failed: %w\noutput: %s", name, err, strings.TrimSpace(string(output)))
	}

	return string(output), nil
}
