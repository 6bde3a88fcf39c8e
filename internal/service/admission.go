package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/squire/internal/config"
	"github.com/Strob0t/squire/internal/domain"
	"github.com/Strob0t/squire/internal/domain/task"
	"github.com/Strob0t/squire/internal/port/taskstore"
)

// ErrWaitTimeout is returned by the Wait functions when no slot frees up in time.
var ErrWaitTimeout = errors.New("timed out waiting for a free slot")

// ErrInconsistentState marks a running task that has no worker handle.
var ErrInconsistentState = errors.New("inconsistent task state")

// Reasons reported on a denied Decision.
const (
	ReasonGlobalCapacity = "global capacity reached"
	ReasonRepoCapacity   = "repository capacity reached"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed     bool   `json:"allowed"`
	Running     int    `json:"running"`
	Max         int    `json:"max"`
	Repo        string `json:"repo,omitempty"`
	RepoRunning int    `json:"repoRunning,omitempty"`
	RepoMax     int    `json:"repoMax,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// RepoLimited reports whether only the per-repository ceiling denied the start.
func (d Decision) RepoLimited() bool {
	return !d.Allowed && d.Reason == ReasonRepoCapacity
}

// CapacityError is returned when a start is refused by admission control.
type CapacityError struct {
	TaskID   string
	Decision Decision
}

func (e *CapacityError) Error() string {
	d := e.Decision
	if d.Reason == ReasonRepoCapacity {
		return fmt.Sprintf("start task %s: %s (%d/%d running for %s)", e.TaskID, d.Reason, d.RepoRunning, d.RepoMax, d.Repo)
	}
	return fmt.Sprintf("start task %s: %s (%d/%d running)", e.TaskID, d.Reason, d.Running, d.Max)
}

func (e *CapacityError) Unwrap() error { return domain.ErrCapacity }

// AdmissionService decides whether another worker may start.
type AdmissionService struct {
	store  taskstore.Store
	cfg    config.Admission
	events *EventPublisher
	now    func() time.Time
}

// NewAdmissionService creates an AdmissionService.
func NewAdmissionService(store taskstore.Store, cfg config.Admission, events *EventPublisher) *AdmissionService {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Minute
	}
	if cfg.DispatchGrace < 0 {
		cfg.DispatchGrace = 0
	}
	return &AdmissionService{store: store, cfg: cfg, events: events, now: time.Now}
}

// MaxConcurrent returns the configured global ceiling.
func (a *AdmissionService) MaxConcurrent() int { return a.cfg.MaxConcurrent }

// CountRunning returns the number of running tasks.
//
// This read has a deliberate side effect: a running task without a worker
// handle is recorded as failed with "No container ID" and is not counted.
// The one exception is a task whose dispatch is in flight: Start records the
// chosen backend before the worker comes up, and such a task is counted until
// the dispatch grace elapses. A task forced to running through Update has no
// backend recorded and is healed on the first read.
func (a *AdmissionService) CountRunning(ctx context.Context) (int, error) {
	running, err := a.runningTasks(ctx)
	if err != nil {
		return 0, err
	}
	return len(running), nil
}

// CanStart checks the global ceiling. limit <= 0 uses the configured default.
func (a *AdmissionService) CanStart(ctx context.Context, limit int) (Decision, error) {
	if limit <= 0 {
		limit = a.cfg.MaxConcurrent
	}
	n, err := a.CountRunning(ctx)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Allowed: n < limit, Running: n, Max: limit}
	if !d.Allowed {
		d.Reason = ReasonGlobalCapacity
	}
	return d, nil
}

// CanStartRepo applies the per-repository ceiling (when configured) and then
// the global one.
func (a *AdmissionService) CanStartRepo(ctx context.Context, repo string) (Decision, error) {
	running, err := a.runningTasks(ctx)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Running: len(running), Max: a.cfg.MaxConcurrent, Repo: repo, RepoMax: a.cfg.MaxPerRepo}
	for i := range running {
		if running[i].Repo == repo {
			d.RepoRunning++
		}
	}

	switch {
	case d.RepoMax > 0 && d.RepoRunning >= d.RepoMax:
		d.Reason = ReasonRepoCapacity
	case d.Running >= d.Max:
		d.Reason = ReasonGlobalCapacity
	default:
		d.Allowed = true
	}
	return d, nil
}

// WaitForSlot blocks until CanStart(limit) allows a start. It polls every poll
// (<= 0 uses the configured interval) and gives up with ErrWaitTimeout after
// the configured wait timeout.
func (a *AdmissionService) WaitForSlot(ctx context.Context, limit int, poll time.Duration) error {
	return a.waitFor(ctx, poll, func(ctx context.Context) (Decision, error) {
		return a.CanStart(ctx, limit)
	})
}

// WaitForRepoSlot is WaitForSlot for CanStartRepo: it returns once both the
// per-repository and the global ceiling admit a start for repo.
func (a *AdmissionService) WaitForRepoSlot(ctx context.Context, repo string, poll time.Duration) error {
	return a.waitFor(ctx, poll, func(ctx context.Context) (Decision, error) {
		return a.CanStartRepo(ctx, repo)
	})
}

func (a *AdmissionService) waitFor(ctx context.Context, poll time.Duration, check func(context.Context) (Decision, error)) error {
	if poll <= 0 {
		poll = a.cfg.PollInterval
	}

	d, err := check(ctx)
	if err != nil {
		return err
	}
	if d.Allowed {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	slog.Info("waiting for a free slot", "reason", d.Reason, "running", d.Running, "max", d.Max,
		"repo", d.Repo, "repo_running", d.RepoRunning)
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrWaitTimeout, a.cfg.WaitTimeout)
			}
			return ctx.Err()
		case <-ticker.C:
			d, err := check(ctx)
			if err != nil {
				return err
			}
			if d.Allowed {
				return nil
			}
		}
	}
}

// runningTasks lists running tasks, healing the ones that lost their handle.
func (a *AdmissionService) runningTasks(ctx context.Context) ([]task.Task, error) {
	all, err := a.store.List(ctx, task.ListFilter{Status: task.StatusRunning})
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}

	out := all[:0]
	for i := range all {
		t := &all[i]
		if t.HasHandle() || a.InDispatchGrace(t) {
			out = append(out, *t)
			continue
		}
		healed, err := a.heal(ctx, t)
		if err != nil {
			slog.Error("self-heal failed", "task_id", t.ID, "error", err)
			out = append(out, *t)
			continue
		}
		if !healed {
			// Another writer moved it on; re-read to count it correctly.
			cur, err := a.store.Get(ctx, t.ID)
			if err == nil && cur.Status == task.StatusRunning {
				out = append(out, *cur)
			}
		}
	}
	return out, nil
}

// InDispatchGrace reports whether t was dispatched recently enough that a
// missing handle only means the worker is still coming up.
func (a *AdmissionService) InDispatchGrace(t *task.Task) bool {
	if t.StartedAt == nil || t.Backend == "" || a.cfg.DispatchGrace <= 0 {
		return false
	}
	return a.now().Sub(*t.StartedAt) < a.cfg.DispatchGrace
}

// heal records a handle-less running task as failed. It returns false when
// the record changed underneath (handle arrived, status moved, task deleted).
func (a *AdmissionService) heal(ctx context.Context, t *task.Task) (bool, error) {
	slog.Warn("running task has no worker handle, marking failed",
		"task_id", t.ID, "error", fmt.Errorf("%w: task %s", ErrInconsistentState, t.ID))

	updated, err := a.store.Mutate(ctx, t.ID, func(cur *task.Task) error {
		if cur.Status != task.StatusRunning || cur.HasHandle() {
			return errStaleTask
		}
		return task.MarkFailed(cur, a.now(), task.ErrMsgNoContainer)
	})
	if errors.Is(err, errStaleTask) || errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	a.events.StatusChanged(ctx, updated, task.StatusRunning)
	return true, nil
}

// errStaleTask aborts a Mutate whose precondition no longer holds.
var errStaleTask = errors.New("task changed concurrently")
