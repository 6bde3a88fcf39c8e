// Package kubernetes implements the worker backend on kubectl. Each dispatch
// attempt runs as a bare Pod with restartPolicy Never; the handle is the pod
// name.
package kubernetes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Strob0t/squire/internal/adapter/shell"
	"github.com/Strob0t/squire/internal/domain/resource"
	"github.com/Strob0t/squire/internal/domain/task"
	"github.com/Strob0t/squire/internal/port/workerbackend"
)

func init() {
	workerbackend.Register(workerbackend.Kubernetes, func(cfg workerbackend.Config) (workerbackend.Backend, error) {
		return New(cfg), nil
	})
}

// Backend drives kubectl.
type Backend struct {
	binary      string
	namespace   string
	kubeContext string
	secret      string
	image       string
	credentials []string
	limits      resource.Limits
	stopTimeout time.Duration
	logTail     int
	runner      workerbackend.Runner
	getenv      func(string) string
}

var _ workerbackend.Backend = (*Backend)(nil)

// New creates a kubernetes Backend. Zero config fields take defaults.
func New(cfg workerbackend.Config) *Backend {
	b := &Backend{
		binary:      cfg.Binary,
		namespace:   cfg.Namespace,
		kubeContext: cfg.Context,
		secret:      cfg.Secret,
		image:       cfg.Image,
		credentials: cfg.Credentials,
		limits:      cfg.Limits,
		stopTimeout: cfg.StopTimeout,
		logTail:     cfg.LogTail,
		runner:      cfg.Runner,
		getenv:      os.Getenv,
	}
	if b.binary == "" {
		b.binary = "kubectl"
	}
	if b.namespace == "" {
		b.namespace = "default"
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

// Name returns "kubernetes".
func (b *Backend) Name() string { return workerbackend.Kubernetes }

// kubectl prefixes args with the namespace and context flags.
func (b *Backend) kubectl(args ...string) []string {
	out := make([]string, 0, len(args)+4)
	if b.kubeContext != "" {
		out = append(out, "--context", b.kubeContext)
	}
	out = append(out, "--namespace", b.namespace)
	return append(out, args...)
}

// Start applies a pod manifest for t and returns the pod name.
func (b *Backend) Start(ctx context.Context, t *task.Task, opts workerbackend.ExecOptions) (string, error) {
	p := b.buildPod(t, opts)
	manifest, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("kubernetes start %s: encode pod: %w", t.ID, err)
	}

	apply := func() error {
		_, err := b.runner.Run(ctx, bytes.NewReader(manifest), b.binary, b.kubectl("apply", "-f", "-")...)
		return err
	}
	err = apply()
	if err != nil && shell.StderrContains(err, "field is immutable", "forbidden: pod updates") {
		slog.Info("replacing previous worker pod", "task_id", t.ID, "pod", p.Metadata.Name)
		if delErr := b.deletePod(ctx, p.Metadata.Name, true); delErr != nil {
			return "", fmt.Errorf("kubernetes start %s: remove previous pod: %w", t.ID, delErr)
		}
		err = apply()
	}
	if err != nil {
		return "", fmt.Errorf("kubernetes start %s: %w", t.ID, err)
	}
	return p.Metadata.Name, nil
}

func (b *Backend) deletePod(ctx context.Context, name string, wait bool) error {
	_, err := b.runner.Run(ctx, nil, b.binary,
		b.kubectl("delete", "pod", name, "--ignore-not-found", "--wait="+strconv.FormatBool(wait))...)
	return err
}

// Stop deletes the pod without waiting. An absent pod is not an error.
func (b *Backend) Stop(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	if err := b.deletePod(ctx, handle, false); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("kubernetes stop %s: %w", handle, err)
	}
	return nil
}

// Logs returns the worker container log, or "" when the pod is gone or
// has not started yet.
func (b *Backend) Logs(ctx context.Context, handle string) (string, error) {
	if handle == "" {
		return "", nil
	}
	args := []string{"logs", handle, "-c", containerName}
	if b.logTail > 0 {
		args = append(args, "--tail", strconv.Itoa(b.logTail))
	}
	out, err := b.runner.Run(ctx, nil, b.binary, b.kubectl(args...)...)
	if err != nil {
		if isNotFound(err) || shell.StderrContains(err, "waiting to start", "ContainerCreating", "PodInitializing") {
			return "", nil
		}
		return "", fmt.Errorf("kubernetes logs %s: %w", handle, err)
	}
	return string(out), nil
}

// getPod returns nil when the pod does not exist.
func (b *Backend) getPod(ctx context.Context, name string) (*pod, error) {
	if name == "" {
		return nil, nil
	}
	out, err := b.runner.Run(ctx, nil, b.binary, b.kubectl("get", "pod", name, "-o", "json")...)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("kubernetes get pod %s: %w", name, err)
	}
	var p pod
	if err := json.Unmarshal(out, &p); err != nil {
		return nil, fmt.Errorf("kubernetes get pod %s: decode: %w", name, err)
	}
	return &p, nil
}

// IsRunning reports whether the pod is Pending or Running.
func (b *Backend) IsRunning(ctx context.Context, handle string) (bool, error) {
	p, err := b.getPod(ctx, handle)
	if err != nil || p == nil {
		return false, err
	}
	return isActive(p), nil
}

// ExitCode returns the worker container's exit code once the pod finished.
func (b *Backend) ExitCode(ctx context.Context, handle string) (int, bool, error) {
	p, err := b.getPod(ctx, handle)
	if err != nil || p == nil {
		return 0, false, err
	}
	if isActive(p) {
		return 0, false, nil
	}
	code, ok := exitCode(p)
	return code, ok, nil
}

// List returns every squire-managed pod in the namespace.
func (b *Backend) List(ctx context.Context) ([]workerbackend.TaskInfo, error) {
	out, err := b.runner.Run(ctx, nil, b.binary,
		b.kubectl("get", "pods", "-l", LabelManagedBy+"="+managedBy, "-o", "json")...)
	if err != nil {
		return nil, fmt.Errorf("kubernetes list pods: %w", err)
	}
	var list podList
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, fmt.Errorf("kubernetes list pods: decode: %w", err)
	}

	infos := make([]workerbackend.TaskInfo, 0, len(list.Items))
	for i := range list.Items {
		p := &list.Items[i]
		info := workerbackend.TaskInfo{
			Handle:  p.Metadata.Name,
			TaskID:  p.Metadata.Labels[LabelTask],
			Running: isActive(p),
			Backend: workerbackend.Kubernetes,
		}
		if p.Status != nil {
			info.State = strings.ToLower(p.Status.Phase)
		}
		if !info.Running {
			if code, ok := exitCode(p); ok {
				info.ExitCode = &code
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func isNotFound(err error) bool {
	return shell.StderrContains(err, "NotFound", "not found")
}
