package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	sqotel "github.com/Strob0t/squire/internal/adapter/otel"
	"github.com/Strob0t/squire/internal/domain"
	"github.com/Strob0t/squire/internal/domain/task"
	"github.com/Strob0t/squire/internal/logger"
	"github.com/Strob0t/squire/internal/port/taskstore"
	"github.com/Strob0t/squire/internal/port/workerbackend"
	"github.com/Strob0t/squire/internal/resilience"
)

// DefaultDispatchTimeout bounds one background worker start.
const DefaultDispatchTimeout = 5 * time.Minute

// BackendStartError reports a failed worker start. Its message is recorded
// as the task's error.
type BackendStartError struct {
	TaskID  string
	Backend string
	Err     error
}

func (e *BackendStartError) Error() string {
	return fmt.Sprintf("start worker for task %s on %s: %v", e.TaskID, e.Backend, e.Err)
}

func (e *BackendStartError) Unwrap() error { return e.Err }

// StartOptions tunes a single Start call.
type StartOptions struct {
	Force bool   // skip admission control
	Image string // worker image override
}

// Snapshot is the dashboard view of the store at one instant.
type Snapshot struct {
	Tasks     []task.Task `json:"tasks"`
	Stats     task.Stats  `json:"stats"`
	Timestamp time.Time   `json:"timestamp"`
}

// TaskService owns the task lifecycle: store writes, admission, background
// dispatch to the worker backend and event fan-out.
type TaskService struct {
	store     taskstore.Store
	backends  *workerbackend.Shared
	admission *AdmissionService
	events    *EventPublisher
	breaker   *resilience.Breaker
	metrics   *sqotel.Metrics
	redact    func(string) string

	dispatchTimeout time.Duration
	now             func() time.Time
	inflight        sync.WaitGroup
}

// NewTaskService creates a TaskService.
func NewTaskService(
	store taskstore.Store,
	backends *workerbackend.Shared,
	admission *AdmissionService,
	events *EventPublisher,
) *TaskService {
	return &TaskService{
		store:           store,
		backends:        backends,
		admission:       admission,
		events:          events,
		dispatchTimeout: DefaultDispatchTimeout,
		now:             time.Now,
	}
}

// SetBreaker guards backend starts with a circuit breaker.
func (s *TaskService) SetBreaker(b *resilience.Breaker) {
	s.breaker = b
}

// SetMetrics enables OpenTelemetry counters for dispatch outcomes.
func (s *TaskService) SetMetrics(m *sqotel.Metrics) {
	s.metrics = m
}

// SetRedactor masks credentials in worker output returned by Logs.
func (s *TaskService) SetRedactor(fn func(string) string) {
	s.redact = fn
}

// SetDispatchTimeout overrides DefaultDispatchTimeout.
func (s *TaskService) SetDispatchTimeout(d time.Duration) {
	if d > 0 {
		s.dispatchTimeout = d
	}
}

// Admission returns the admission controller the service starts tasks through.
func (s *TaskService) Admission() *AdmissionService { return s.admission }

// BreakerOpen reports whether backend starts are currently rejected.
func (s *TaskService) BreakerOpen() bool {
	return s.breaker != nil && s.breaker.Open()
}

// Create stores a new pending task.
func (s *TaskService) Create(ctx context.Context, req task.CreateRequest) (*task.Task, error) {
	t, err := s.store.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	slog.Info("task created", "task_id", t.ID, "repo", t.Repo, "branch", t.Branch)
	s.events.Created(ctx, t)
	return t, nil
}

// Get returns a task by ID.
func (s *TaskService) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.store.Get(ctx, id)
}

// List returns tasks newest first.
func (s *TaskService) List(ctx context.Context, f task.ListFilter) ([]task.Task, error) {
	return s.store.List(ctx, f)
}

// Update merges p into the task under its lock.
func (s *TaskService) Update(ctx context.Context, id string, p task.Patch) (*task.Task, error) {
	var from task.Status
	t, err := s.store.Mutate(ctx, id, func(cur *task.Task) error {
		from = cur.Status
		return p.Apply(cur, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.events.StatusChanged(ctx, t, from)
	return t, nil
}

// Delete removes a task, stopping its worker first when one is running.
// It reports whether a record was removed.
func (s *TaskService) Delete(ctx context.Context, id string) (bool, error) {
	t, err := s.store.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if t.Status == task.StatusRunning && t.HasHandle() {
		if b, err := s.backends.Get(); err == nil {
			if err := b.Stop(ctx, t.ContainerID); err != nil {
				slog.Warn("stop worker before delete failed", "task_id", id, "handle", t.ContainerID, "error", err)
			}
		}
	}

	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		slog.Info("task deleted", "task_id", id)
		s.events.Deleted(ctx, t)
	}
	return deleted, nil
}

// Start marks a pending or failed task running and dispatches its worker in
// the background. The returned task is the running record without a handle;
// the handle (or a failure) is written back once the backend answers.
func (s *TaskService) Start(ctx context.Context, id string, opts StartOptions) (*task.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := task.ValidateTransition(t.Status, task.StatusRunning); err != nil {
		return nil, fmt.Errorf("start task %s: %w", id, err)
	}

	if !opts.Force {
		d, err := s.admission.CanStartRepo(ctx, t.Repo)
		if err != nil {
			return nil, fmt.Errorf("start task %s: %w", id, err)
		}
		if !d.Allowed {
			return nil, &CapacityError{TaskID: id, Decision: d}
		}
	}

	if s.BreakerOpen() {
		return nil, fmt.Errorf("start task %s: %w", id, resilience.ErrCircuitOpen)
	}

	backend, err := s.backends.Get()
	if err != nil {
		return nil, fmt.Errorf("start task %s: %w", id, err)
	}

	var from task.Status
	running, err := s.store.Mutate(ctx, id, func(cur *task.Task) error {
		from = cur.Status
		if err := task.MarkRunning(cur, s.now()); err != nil {
			return err
		}
		cur.Backend = backend.Name()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("start task %s: %w", id, err)
	}
	s.events.StatusChanged(ctx, running, from)
	slog.Info("task started", "task_id", id, "attempt", running.Attempts, "backend", backend.Name())

	snapshot := *running
	exec := workerbackend.ExecOptions{Image: opts.Image}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.dispatch(context.WithoutCancel(ctx), backend, &snapshot, exec)
	}()

	return running, nil
}

// StartWhenAdmitted waits until the repository and global ceilings admit id,
// then starts it. When another process takes the slot between the wait and
// the start, it goes back to waiting. The whole call is bounded by the
// admission wait timeout.
func (s *TaskService) StartWhenAdmitted(ctx context.Context, id string, opts StartOptions) (*task.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.admission.cfg.WaitTimeout)
	defer cancel()

	for {
		if err := s.admission.WaitForRepoSlot(ctx, t.Repo, 0); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w after %s", ErrWaitTimeout, s.admission.cfg.WaitTimeout)
			}
			return nil, fmt.Errorf("start task %s: %w", id, err)
		}
		started, err := s.Start(ctx, id, opts)
		var capErr *CapacityError
		if !errors.As(err, &capErr) {
			return started, err
		}
		slog.Info("slot taken before start, waiting again", "task_id", id, "reason", capErr.Decision.Reason)
	}
}

// Wait blocks until every background dispatch has finished.
func (s *TaskService) Wait() {
	s.inflight.Wait()
}

// dispatch starts the worker and records the handle, or records the failure.
// It never returns an error: the task record is the only outcome.
func (s *TaskService) dispatch(ctx context.Context, backend workerbackend.Backend, t *task.Task, exec workerbackend.ExecOptions) {
	ctx = logger.WithTaskID(ctx, t.ID)
	ctx, cancel := context.WithTimeout(ctx, s.dispatchTimeout)
	defer cancel()

	ctx, span := sqotel.StartDispatchSpan(ctx, t.ID, t.Repo, backend.Name())
	started := s.now()

	var handle string
	start := func() error {
		var err error
		handle, err = backend.Start(ctx, t, exec)
		return err
	}
	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(start)
	} else {
		err = start()
	}
	sqotel.EndSpan(span, err)

	attrs := metric.WithAttributes(attribute.String("backend", backend.Name()))
	if s.metrics != nil {
		s.metrics.DispatchDuration.Record(ctx, s.now().Sub(started).Seconds(), attrs)
	}

	if err != nil {
		startErr := &BackendStartError{TaskID: t.ID, Backend: backend.Name(), Err: err}
		slog.ErrorContext(ctx, "worker start failed", "backend", backend.Name(), "error", err)
		if _, sErr := s.settle(ctx, t, task.StatusFailed, startErr.Error()); sErr != nil {
			slog.ErrorContext(ctx, "record start failure", "error", sErr)
		}
		return
	}

	if s.metrics != nil {
		s.metrics.TasksDispatched.Add(ctx, 1, attrs)
	}

	updated, err := s.store.Mutate(ctx, t.ID, func(cur *task.Task) error {
		if cur.Status != task.StatusRunning || cur.Attempts != t.Attempts || cur.HasHandle() {
			return errStaleTask
		}
		cur.ContainerID = handle
		cur.Backend = backend.Name()
		return nil
	})
	switch {
	case err == nil:
		slog.InfoContext(ctx, "worker started", "handle", handle, "backend", updated.Backend)
	case errors.Is(err, errStaleTask), errors.Is(err, domain.ErrNotFound):
		// The task was stopped, deleted or restarted while the worker came up.
		slog.WarnContext(ctx, "task moved on during dispatch, stopping orphan worker", "handle", handle)
		if stopErr := backend.Stop(ctx, handle); stopErr != nil {
			slog.ErrorContext(ctx, "stop orphan worker", "handle", handle, "error", stopErr)
		}
	default:
		slog.ErrorContext(ctx, "record worker handle", "handle", handle, "error", err)
	}
}

// settle moves a running task to a terminal status if it is still the same
// attempt with the same handle as t. It reports whether the write happened.
func (s *TaskService) settle(ctx context.Context, t *task.Task, to task.Status, errMsg string) (bool, error) {
	updated, err := s.store.Mutate(ctx, t.ID, func(cur *task.Task) error {
		if cur.Status != task.StatusRunning || cur.Attempts != t.Attempts || cur.ContainerID != t.ContainerID {
			return errStaleTask
		}
		return task.Transition(cur, to, s.now(), errMsg)
	})
	if errors.Is(err, errStaleTask) || errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if s.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("backend", updated.Backend))
		if to == task.StatusCompleted {
			s.metrics.TasksCompleted.Add(ctx, 1, attrs)
		} else {
			s.metrics.TasksFailed.Add(ctx, 1, attrs)
		}
	}
	slog.Info("task finished", "task_id", t.ID, "status", string(to), "error", errMsg)
	s.events.StatusChanged(ctx, updated, task.StatusRunning)
	return true, nil
}

// Stop terminates the task's worker and records the task as failed with
// "Stopped by user". Stopping a task that is not running is a no-op.
func (s *TaskService) Stop(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if t.HasHandle() {
		backend, err := s.backends.Get()
		if err != nil {
			return nil, fmt.Errorf("stop task %s: %w", id, err)
		}
		if err := backend.Stop(ctx, t.ContainerID); err != nil {
			return nil, fmt.Errorf("stop task %s: %w", id, err)
		}
	}
	if t.Status != task.StatusRunning {
		return t, nil
	}

	updated, err := s.store.Mutate(ctx, id, func(cur *task.Task) error {
		if cur.Status != task.StatusRunning {
			return errStaleTask
		}
		return task.MarkFailed(cur, s.now(), task.ErrMsgStoppedByUser)
	})
	if errors.Is(err, errStaleTask) {
		return s.store.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("task stopped", "task_id", id, "handle", t.ContainerID)
	s.events.StatusChanged(ctx, updated, task.StatusRunning)
	return updated, nil
}

// Logs returns the worker output of a task, or "" when no worker was
// recorded yet.
func (s *TaskService) Logs(ctx context.Context, id string) (string, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !t.HasHandle() {
		return "", nil
	}
	backend, err := s.backends.Get()
	if err != nil {
		return "", fmt.Errorf("logs for task %s: %w", id, err)
	}
	out, err := backend.Logs(ctx, t.ContainerID)
	if err != nil || s.redact == nil {
		return out, err
	}
	return s.redact(out), nil
}

// Workers lists every execution the backend knows about.
func (s *TaskService) Workers(ctx context.Context) ([]workerbackend.TaskInfo, error) {
	backend, err := s.backends.Get()
	if err != nil {
		return nil, err
	}
	return backend.List(ctx)
}

// Stats counts tasks per status.
func (s *TaskService) Stats(ctx context.Context) (task.Stats, error) {
	all, err := s.store.List(ctx, task.ListFilter{})
	if err != nil {
		return task.Stats{}, err
	}
	return task.Count(all), nil
}

// Snapshot returns every task with aggregate counts.
func (s *TaskService) Snapshot(ctx context.Context) (Snapshot, error) {
	all, err := s.store.List(ctx, task.ListFilter{})
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Tasks: all, Stats: task.Count(all), Timestamp: s.now().UTC()}, nil
}
