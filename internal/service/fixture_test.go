package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/squire/internal/adapter/filestore"
	"github.com/Strob0t/squire/internal/config"
	"github.com/Strob0t/squire/internal/domain/task"
	"github.com/Strob0t/squire/internal/lock"
	"github.com/Strob0t/squire/internal/port/workerbackend"
)

// fakeWorker is one execution known to fakeBackend.
type fakeWorker struct {
	taskID  string
	running bool
	code    int
	known   bool
}

// fakeBackend is an in-memory worker backend.
type fakeBackend struct {
	mu      sync.Mutex
	seq     int
	workers map[string]*fakeWorker
	stops   []string

	startErr error
	listErr  error
	logs     string
	gate     chan struct{} // when set, Start blocks until it is closed
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{workers: make(map[string]*fakeWorker)}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Start(_ context.Context, t *task.Task, _ workerbackend.ExecOptions) (string, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.seq++
	h := fmt.Sprintf("worker-%d", f.seq)
	f.workers[h] = &fakeWorker{taskID: t.ID, running: true}
	return h, nil
}

func (f *fakeBackend) Stop(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, handle)
	if w, ok := f.workers[handle]; ok && w.running {
		w.running = false
		w.code, w.known = 137, true
	}
	return nil
}

func (f *fakeBackend) Logs(_ context.Context, handle string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workers[handle]; !ok {
		return "", nil
	}
	return f.logs, nil
}

func (f *fakeBackend) IsRunning(_ context.Context, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[handle]
	return ok && w.running, nil
}

func (f *fakeBackend) ExitCode(_ context.Context, handle string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[handle]
	if !ok || w.running || !w.known {
		return 0, false, nil
	}
	return w.code, true, nil
}

func (f *fakeBackend) List(_ context.Context) ([]workerbackend.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]workerbackend.TaskInfo, 0, len(f.workers))
	for h, w := range f.workers {
		out = append(out, workerbackend.TaskInfo{Handle: h, TaskID: w.taskID, Running: w.running, Backend: "fake"})
	}
	return out, nil
}

func (f *fakeBackend) stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}

// exit finishes a worker with the given code.
func (f *fakeBackend) exit(handle string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workers[handle]; ok {
		w.running = false
		w.code, w.known = code, true
	}
}

// vanish forgets a worker entirely.
func (f *fakeBackend) vanish(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workers, handle)
}

type fixture struct {
	store     *filestore.Store
	backend   *fakeBackend
	backends  *workerbackend.Shared
	admission *AdmissionService
	tasks     *TaskService
	events    *recordingHub
}

type fixtureOption func(*config.Admission)

func withMax(n int) fixtureOption {
	return func(c *config.Admission) { c.MaxConcurrent = n }
}

func withPerRepo(n int) fixtureOption {
	return func(c *config.Admission) { c.MaxPerRepo = n }
}

func withGrace(d time.Duration) fixtureOption {
	return func(c *config.Admission) { c.DispatchGrace = d }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	locks := lock.NewManager(lock.Options{
		Timeout:      5 * time.Second,
		StaleTimeout: 30 * time.Second,
		Retry:        lock.RetryPolicy{MinInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2},
	})
	store := filestore.New(filepath.Join(t.TempDir(), "tasks"), locks)

	cfg := config.Admission{
		MaxConcurrent: 5,
		PollInterval:  10 * time.Millisecond,
		WaitTimeout:   time.Second,
		DispatchGrace: time.Minute,
	}
	for _, o := range opts {
		o(&cfg)
	}

	backend := newFakeBackend()
	hub := &recordingHub{}
	events := NewEventPublisher(hub, nil, nil)
	admission := NewAdmissionService(store, cfg, events)
	backends := workerbackend.NewShared(func() (workerbackend.Backend, error) {
		return backend, nil
	})
	tasks := NewTaskService(store, backends, admission, events)
	t.Cleanup(tasks.Wait)

	return &fixture{
		store:     store,
		backend:   backend,
		backends:  backends,
		admission: admission,
		tasks:     tasks,
		events:    hub,
	}
}

func (f *fixture) create(t *testing.T, repo string) *task.Task {
	t.Helper()
	tk, err := f.tasks.Create(context.Background(), task.CreateRequest{Repo: repo, Prompt: "fix bug"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Distinct createdAt values keep List ordering deterministic.
	time.Sleep(2 * time.Millisecond)
	return tk
}

// markRunning forces a task into running with the given handle ("" = none).
func (f *fixture) markRunning(t *testing.T, id, handle string) {
	t.Helper()
	p := task.Patch{Status: task.Ptr(task.StatusRunning)}
	if handle != "" {
		p.ContainerID = task.Ptr(handle)
	}
	if _, err := f.store.Update(context.Background(), id, p); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

// markDispatching puts id into the state Start leaves it in while the
// worker is still coming up: running on a backend, no handle yet.
func (f *fixture) markDispatching(t *testing.T, id string) {
	t.Helper()
	p := task.Patch{Status: task.Ptr(task.StatusRunning), Backend: task.Ptr("fake")}
	if _, err := f.store.Update(context.Background(), id, p); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

// startAndWait starts a task and waits for its dispatch to finish.
func (f *fixture) startAndWait(t *testing.T, id string) *task.Task {
	t.Helper()
	if _, err := f.tasks.Start(context.Background(), id, StartOptions{Force: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.tasks.Wait()
	got, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return got
}

// recordingHub records broadcast event types.
type recordingHub struct {
	mu    sync.Mutex
	types []string
}

func (h *recordingHub) BroadcastEvent(_ context.Context, eventType string, _ any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.types = append(h.types, eventType)
}

func (h *recordingHub) count(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.types {
		if e == eventType {
			n++
		}
	}
	return n
}

var errBoom = errors.New("docker daemon not reachable")
