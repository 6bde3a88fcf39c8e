// Package docker implements the worker backend on the docker (or podman) CLI.
// Each task runs as a detached container named squire-<task id>.
package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Strob0t/squire/internal/adapter/shell"
	"github.com/Strob0t/squire/internal/domain/resource"
	"github.com/Strob0t/squire/internal/domain/task"
	"github.com/Strob0t/squire/internal/port/workerbackend"
)

// Labels applied to every worker container.
const (
	LabelTask    = "squire.task"
	LabelManaged = "squire.managed"
)

const containerPrefix = "squire-"

func init() {
	workerbackend.Register(workerbackend.Docker, func(cfg workerbackend.Config) (workerbackend.Backend, error) {
		return New(cfg), nil
	})
}

// Backend drives the docker CLI.
type Backend struct {
	binary      string
	image       string
	credentials []string
	limits      resource.Limits
	stopTimeout time.Duration
	logTail     int
	runner      workerbackend.Runner
	getenv      func(string) string
}

var _ workerbackend.Backend = (*Backend)(nil)

// New creates a docker Backend. Zero config fields take defaults.
func New(cfg workerbackend.Config) *Backend {
	b := &Backend{
		binary:      cfg.Binary,
		image:       cfg.Image,
		credentials: cfg.Credentials,
		limits:      cfg.Limits,
		stopTimeout: cfg.StopTimeout,
		logTail:     cfg.LogTail,
		runner:      cfg.Runner,
		getenv:      os.Getenv,
	}
	if b.binary == "" {
		b.binary = "docker"
	}
	if b.stopTimeout <= 0 {
		b.stopTimeout = 10 * time.Second
	}
	if cfg.Getenv != nil {
		b.getenv = cfg.Getenv
	}
	if b.runner == nil {
		b.runner = shell.NewExecRunner(nil)
	}
	return b
}

// Name returns "docker".
func (b *Backend) Name() string { return workerbackend.Docker }

// ContainerName returns the deterministic container name for a task.
func ContainerName(taskID string) string { return containerPrefix + taskID }

// Start runs a detached worker container and returns its ID. A leftover
// container from an earlier attempt of the same task is removed first.
func (b *Backend) Start(ctx context.Context, t *task.Task, opts workerbackend.ExecOptions) (string, error) {
	args := b.runArgs(t, opts)

	out, err := b.runner.Run(ctx, nil, b.binary, args...)
	if err != nil && shell.StderrContains(err, "already in use") {
		slog.Info("removing previous worker container", "task_id", t.ID, "container", ContainerName(t.ID))
		if _, rmErr := b.runner.Run(ctx, nil, b.binary, "rm", "-f", ContainerName(t.ID)); rmErr != nil {
			return "", fmt.Errorf("docker start %s: remove previous container: %w", t.ID, rmErr)
		}
		out, err = b.runner.Run(ctx, nil, b.binary, args...)
	}
	if err != nil {
		return "", fmt.Errorf("docker start %s: %w", t.ID, err)
	}

	id := lastLine(out)
	if id == "" {
		return "", fmt.Errorf("docker start %s: empty container id", t.ID)
	}
	return id, nil
}

// runArgs builds the `docker run` invocation. Credentials are passed by name
// only (-e NAME) so their values never appear in the process table.
func (b *Backend) runArgs(t *task.Task, opts workerbackend.ExecOptions) []string {
	image := opts.Image
	if image == "" {
		image = b.image
	}
	limits := resource.Merge(b.limits, opts.Limits)

	args := []string{
		"run", "-d",
		"--name", ContainerName(t.ID),
		"--label", LabelTask + "=" + t.ID,
		"--label", LabelManaged + "=true",
	}
	for _, k := range workerbackend.SortedKeys(opts.Labels) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	args = append(args, limits.DockerFlags()...)

	env := workerbackend.WorkerEnv(t, opts.Env)
	for _, k := range workerbackend.SortedKeys(env) {
		args = append(args, "-e", k+"="+env[k])
	}
	for _, name := range b.credentials {
		if _, set := env[name]; set {
			continue
		}
		if b.getenv(name) != "" {
			args = append(args, "-e", name)
		}
	}
	return append(args, image)
}

// Stop stops the container. A missing container counts as stopped.
func (b *Backend) Stop(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	secs := strconv.Itoa(int(b.stopTimeout.Round(time.Second) / time.Second))
	_, err := b.runner.Run(ctx, nil, b.binary, "stop", "-t", secs, handle)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("docker stop %s: %w", handle, err)
	}
	return nil
}

// Logs returns the container output, or "" when the container is gone.
func (b *Backend) Logs(ctx context.Context, handle string) (string, error) {
	if handle == "" {
		return "", nil
	}
	args := []string{"logs"}
	if b.logTail > 0 {
		args = append(args, "--tail", strconv.Itoa(b.logTail))
	}
	args = append(args, handle)

	out, err := b.runner.Combined(ctx, b.binary, args...)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("docker logs %s: %w", handle, err)
	}
	return string(out), nil
}

// containerState is the subset of `docker inspect` .State we read.
type containerState struct {
	Status   string `json:"Status"`
	Running  bool   `json:"Running"`
	ExitCode int    `json:"ExitCode"`
}

// inspect returns nil state when the container does not exist.
func (b *Backend) inspect(ctx context.Context, handle string) (*containerState, error) {
	if handle == "" {
		return nil, nil
	}
	out, err := b.runner.Run(ctx, nil, b.binary, "inspect", "--format", "{{json .State}}", handle)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("docker inspect %s: %w", handle, err)
	}
	var st containerState
	if err := json.Unmarshal(bytes.TrimSpace(out), &st); err != nil {
		return nil, fmt.Errorf("docker inspect %s: decode state: %w", handle, err)
	}
	return &st, nil
}

// IsRunning reports whether the container is running (or about to).
func (b *Backend) IsRunning(ctx context.Context, handle string) (bool, error) {
	st, err := b.inspect(ctx, handle)
	if err != nil || st == nil {
		return false, err
	}
	return st.Running || st.Status == "created" || st.Status == "restarting", nil
}

// ExitCode returns the exit code of a stopped container.
func (b *Backend) ExitCode(ctx context.Context, handle string) (int, bool, error) {
	st, err := b.inspect(ctx, handle)
	if err != nil || st == nil {
		return 0, false, err
	}
	if st.Running || st.Status == "created" {
		return 0, false, nil
	}
	return st.ExitCode, true, nil
}

// psEntry is one line of `docker ps --format {{json .}}`.
type psEntry struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	State  string `json:"State"`
	Status string `json:"Status"`
	Labels string `json:"Labels"`
}

var exitedRe = regexp.MustCompile(`^Exited \((-?\d+)\)`)

// List returns every squire-managed container.
func (b *Backend) List(ctx context.Context) ([]workerbackend.TaskInfo, error) {
	out, err := b.runner.Run(ctx, nil, b.binary, "ps", "-a", "--no-trunc",
		"--filter", "label="+LabelTask, "--format", "{{json .}}")
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w", err)
	}
	return parsePS(out), nil
}

func parsePS(out []byte) []workerbackend.TaskInfo {
	infos := []workerbackend.TaskInfo{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e psEntry
		if err := json.Unmarshal(line, &e); err != nil {
			slog.Debug("skipping docker ps line", "error", err)
			continue
		}
		info := workerbackend.TaskInfo{
			Handle:  e.ID,
			TaskID:  labelValue(e.Labels, LabelTask),
			Running: e.State == "running",
			State:   e.State,
			Backend: workerbackend.Docker,
		}
		if info.TaskID == "" {
			info.TaskID = strings.TrimPrefix(e.Names, containerPrefix)
		}
		if m := exitedRe.FindStringSubmatch(e.Status); m != nil {
			if code, err := strconv.Atoi(m[1]); err == nil {
				info.ExitCode = &code
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// labelValue extracts key from docker's "k=v,k2=v2" label rendering.
func labelValue(labels, key string) string {
	for _, kv := range strings.Split(labels, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k == key {
			return v
		}
	}
	return ""
}

func isNotFound(err error) bool {
	return shell.StderrContains(err, "no such container", "no such object")
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
