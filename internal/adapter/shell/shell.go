// Package shell runs runtime CLI commands (docker, podman, kubectl) on
// behalf of the worker backends.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/Strob0t/squire/internal/execpool"
	"github.com/Strob0t/squire/internal/port/workerbackend"
)

// ExitError is a command that ran and exited non-zero.
type ExitError struct {
	Cmd    string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", e.Cmd, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Cmd, e.Code, msg)
}

// StderrContains reports whether err is an ExitError whose stderr contains
// any of the given substrings (case-insensitive).
func StderrContains(err error, subs ...string) bool {
	var ee *ExitError
	if !errors.As(err, &ee) {
		return false
	}
	lower := strings.ToLower(ee.Stderr)
	for _, s := range subs {
		if strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// ExecRunner runs commands through os/exec, bounded by a Pool.
type ExecRunner struct {
	pool *execpool.Pool
}

var _ workerbackend.Runner = (*ExecRunner)(nil)

// NewExecRunner creates a runner. A nil pool means unbounded.
func NewExecRunner(pool *execpool.Pool) *ExecRunner {
	return &ExecRunner{pool: pool}
}

// Run executes name with args, feeding stdin when non-nil, and returns stdout.
func (r *ExecRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	return execpool.Do(ctx, r.pool, func() ([]byte, error) {
		cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // G204: args are built internally, not from user input
		var stdout, stderr bytes.Buffer
		cmd.Stdin = stdin
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil, &ExitError{Cmd: name + " " + firstArg(args), Code: exitErr.ExitCode(), Stderr: stderr.String()}
			}
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return stdout.Bytes(), nil
	})
}

// Combined executes name with args and returns stdout and stderr interleaved.
func (r *ExecRunner) Combined(ctx context.Context, name string, args ...string) ([]byte, error) {
	return execpool.Do(ctx, r.pool, func() ([]byte, error) {
		cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // G204: args are built internally, not from user input
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		if err := cmd.Run(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil, &ExitError{Cmd: name + " " + firstArg(args), Code: exitErr.ExitCode(), Stderr: out.String()}
			}
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return out.Bytes(), nil
	})
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
