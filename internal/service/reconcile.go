package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	sqotel "github.com/Strob0t/squire/internal/adapter/otel"
	"github.com/Strob0t/squire/internal/domain"
	"github.com/Strob0t/squire/internal/domain/task"
	"github.com/Strob0t/squire/internal/logger"
	"github.com/Strob0t/squire/internal/port/workerbackend"
)

// DefaultWatchInterval is the reconciliation cadence when none is configured.
const DefaultWatchInterval = 10 * time.Second

// Summary reports what one reconciliation cycle did.
type Summary struct {
	Checked   int        `json:"checked"`
	Completed int        `json:"completed"`
	Failed    int        `json:"failed"`
	Healed    int        `json:"healed"`
	Started   int        `json:"started"`
	Errors    int        `json:"errors"`
	Stats     task.Stats `json:"stats"`
}

// Reconciler aligns recorded task status with what the worker backend
// reports and, when enabled, starts pending tasks as capacity frees up.
type Reconciler struct {
	tasks     *TaskService
	interval  time.Duration
	autoStart bool
	nudge     chan struct{}
}

// NewReconciler creates a Reconciler. interval <= 0 uses DefaultWatchInterval.
func NewReconciler(tasks *TaskService, interval time.Duration, autoStart bool) *Reconciler {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	return &Reconciler{
		tasks:     tasks,
		interval:  interval,
		autoStart: autoStart,
		nudge:     make(chan struct{}, 1),
	}
}

// Nudge asks a running loop to start its next cycle now. It never blocks.
func (r *Reconciler) Nudge() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Run executes a cycle immediately and then every interval until ctx is
// cancelled. Cycle errors are logged, never fatal.
func (r *Reconciler) Run(ctx context.Context) error {
	slog.Info("watch loop started", "interval", r.interval.String(), "auto_start", r.autoStart)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("watch cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("watch loop stopped")
			return nil
		case <-ticker.C:
		case <-r.nudge:
		}
	}
}

// RunOnce executes one reconciliation cycle.
func (r *Reconciler) RunOnce(ctx context.Context) (sum Summary, err error) {
	ctx, span := sqotel.StartReconcileSpan(ctx)
	started := time.Now()
	defer func() {
		sqotel.EndSpan(span, err)
		if m := r.tasks.metrics; m != nil {
			m.ReconcileDuration.Record(ctx, time.Since(started).Seconds())
		}
	}()

	backend, err := r.tasks.backends.Get()
	if err != nil {
		return sum, fmt.Errorf("reconcile: %w", err)
	}

	running, err := r.tasks.store.List(ctx, task.ListFilter{Status: task.StatusRunning})
	if err != nil {
		return sum, fmt.Errorf("reconcile: list running: %w", err)
	}
	for i := range running {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		if err := r.check(ctx, backend, &running[i], &sum); err != nil {
			sum.Errors++
			slog.Error("reconcile task failed", "task_id", running[i].ID, "handle", running[i].ContainerID, "error", err)
		}
	}

	if r.autoStart {
		r.admit(ctx, &sum)
	}

	stats, err := r.tasks.Stats(ctx)
	if err != nil {
		return sum, fmt.Errorf("reconcile: stats: %w", err)
	}
	sum.Stats = stats
	slog.Info("watch cycle",
		"pending", stats.Pending,
		"running", stats.Running,
		"completed", stats.Completed,
		"failed", stats.Failed,
		"started", sum.Started,
		"finished", sum.Completed+sum.Failed,
		"errors", sum.Errors,
	)
	return sum, nil
}

// check settles one running task whose worker is gone.
func (r *Reconciler) check(ctx context.Context, backend workerbackend.Backend, t *task.Task, sum *Summary) error {
	ctx = logger.WithTaskID(ctx, t.ID)
	sum.Checked++

	if !t.HasHandle() {
		if r.tasks.admission.InDispatchGrace(t) {
			return nil
		}
		slog.WarnContext(ctx, "running task has no worker handle",
			"error", fmt.Errorf("%w: task %s", ErrInconsistentState, t.ID))
		ok, err := r.tasks.settle(ctx, t, task.StatusFailed, task.ErrMsgNoContainer)
		if ok {
			sum.Healed++
		}
		return err
	}

	alive, err := backend.IsRunning(ctx, t.ContainerID)
	if err != nil {
		return fmt.Errorf("is running: %w", err)
	}
	if alive {
		return nil
	}

	code, known, err := backend.ExitCode(ctx, t.ContainerID)
	if err != nil {
		return fmt.Errorf("exit code: %w", err)
	}

	to, msg := task.StatusFailed, task.ErrMsgDisappeared
	switch {
	case known && code == 0:
		to, msg = task.StatusCompleted, ""
	case known:
		msg = fmt.Sprintf("Worker exited with code %d", code)
	}

	ok, err := r.tasks.settle(ctx, t, to, msg)
	if err != nil {
		return err
	}
	if ok {
		if to == task.StatusCompleted {
			sum.Completed++
		} else {
			sum.Failed++
		}
	}
	return nil
}

// admit starts pending tasks oldest first while capacity allows. A task
// blocked only by its repository ceiling is skipped; global exhaustion ends
// the pass.
func (r *Reconciler) admit(ctx context.Context, sum *Summary) {
	if r.tasks.BreakerOpen() {
		slog.Warn("worker backend circuit open, auto-start paused")
		return
	}

	pending, err := r.tasks.store.List(ctx, task.ListFilter{Status: task.StatusPending})
	if err != nil {
		sum.Errors++
		slog.Error("list pending tasks", "error", err)
		return
	}
	slices.Reverse(pending)

	for i := range pending {
		t := &pending[i]
		d, err := r.tasks.admission.CanStartRepo(ctx, t.Repo)
		if err != nil {
			sum.Errors++
			slog.Error("admission check failed", "task_id", t.ID, "error", err)
			return
		}
		if d.RepoLimited() {
			continue
		}
		if !d.Allowed {
			slog.Debug("capacity exhausted", "running", d.Running, "max", d.Max)
			return
		}

		_, err = r.tasks.Start(ctx, t.ID, StartOptions{Force: true})
		switch {
		case err == nil:
			sum.Started++
		case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
			// Started or deleted by another process since the listing.
		default:
			sum.Errors++
			slog.Error("auto-start failed", "task_id", t.ID, "error", err)
		}
	}
}
