// Package workerbackend defines the port for container runtimes that execute
// task workers, plus the registry and selection logic shared by all variants.
package workerbackend

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/Strob0t/squire/internal/domain/resource"
	"github.com/Strob0t/squire/internal/domain/task"
)

// Backend starts, observes and tears down containerized task executions.
// A handle is the runtime's identifier for one execution (container ID or
// pod name); callers treat it as opaque.
type Backend interface {
	// Name returns the variant name ("docker", "kubernetes").
	Name() string

	// Start launches a worker for t and returns its handle.
	Start(ctx context.Context, t *task.Task, opts ExecOptions) (string, error)

	// Stop terminates the worker. Stopping an absent worker is not an error.
	Stop(ctx context.Context, handle string) error

	// Logs returns the worker output, or "" when the worker is gone.
	Logs(ctx context.Context, handle string) (string, error)

	// IsRunning reports whether the worker is still executing.
	IsRunning(ctx context.Context, handle string) (bool, error)

	// ExitCode returns the exit code of a finished worker. ok is false when
	// the code cannot be determined (worker gone or still running).
	ExitCode(ctx context.Context, handle string) (code int, ok bool, err error)

	// List returns every worker this backend manages.
	List(ctx context.Context) ([]TaskInfo, error)
}

// ExecOptions carries per-start settings on top of the backend's config.
type ExecOptions struct {
	Image  string
	Env    map[string]string
	Limits resource.Limits
	Labels map[string]string
}

// TaskInfo describes one worker as seen by the runtime.
type TaskInfo struct {
	Handle   string `json:"handle"`
	TaskID   string `json:"taskId"`
	Running  bool   `json:"running"`
	ExitCode *int   `json:"exitCode,omitempty"`
	State    string `json:"state"`
	Backend  string `json:"backend"`
}

// Config is the construction-time configuration handed to factories.
type Config struct {
	Binary      string // CLI binary; empty = variant default
	Image       string
	Namespace   string // kubernetes
	Context     string // kubernetes
	Secret      string // kubernetes envFrom secret
	Credentials []string
	Limits      resource.Limits
	StopTimeout time.Duration
	LogTail     int
	Runner      Runner              // nil = variant builds its own
	Getenv      func(string) string // credential lookup; nil = os.Getenv
}

// Runner executes a CLI command. Variants drive their runtime through it.
type Runner interface {
	// Run returns stdout; stderr is reported through the error.
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) (stdout []byte, err error)

	// Combined returns stdout and stderr interleaved.
	Combined(ctx context.Context, name string, args ...string) ([]byte, error)
}

// WorkerEnv returns the environment every worker receives for t, merged
// with extra (extra wins).
func WorkerEnv(t *task.Task, extra map[string]string) map[string]string {
	env := map[string]string{
		"TASK_ID":     t.ID,
		"REPO":        t.Repo,
		"PROMPT":      t.Prompt,
		"BRANCH":      t.Branch,
		"BASE_BRANCH": t.BaseBranch,
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// SortedKeys returns the keys of m in order, for deterministic CLI args.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
