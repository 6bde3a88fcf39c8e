package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/squire/internal/domain/task"
)

func TestCanStartEmptyStore(t *testing.T) {
	f := newFixture(t)

	d, err := f.admission.CanStart(context.Background(), 5)
	if err != nil {
		t.Fatalf("CanStart: %v", err)
	}
	if !d.Allowed || d.Running != 0 || d.Max != 5 {
		t.Fatalf("got %+v, want allowed 0/5", d)
	}
}

func TestCanStartAtCapacity(t *testing.T) {
	f := newFixture(t)
	for i := range 5 {
		tk := f.create(t, "acme/api")
		f.markRunning(t, tk.ID, "c-"+string(rune('a'+i)))
	}

	d, err := f.admission.CanStart(context.Background(), 5)
	if err != nil {
		t.Fatalf("CanStart: %v", err)
	}
	if d.Allowed || d.Running != 5 || d.Max != 5 {
		t.Fatalf("got %+v, want denied 5/5", d)
	}
	if d.Reason != ReasonGlobalCapacity {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestCanStartDefaultMax(t *testing.T) {
	f := newFixture(t, withMax(3))
	d, err := f.admission.CanStart(context.Background(), 0)
	if err != nil {
		t.Fatalf("CanStart: %v", err)
	}
	if d.Max != 3 {
		t.Fatalf("expected configured max 3, got %d", d.Max)
	}
}

func TestCountRunningSelfHeals(t *testing.T) {
	f := newFixture(t, withGrace(0))
	tk := f.create(t, "acme/api")
	f.markRunning(t, tk.ID, "")

	n, err := f.admission.CountRunning(context.Background())
	if err != nil {
		t.Fatalf("CountRunning: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 running after heal, got %d", n)
	}

	got, err := f.store.Get(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusFailed || got.Error != task.ErrMsgNoContainer {
		t.Fatalf("expected failed/%q, got %s/%q", task.ErrMsgNoContainer, got.Status, got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("expected completedAt to be set")
	}
	if f.events.count("task.status") == 0 {
		t.Error("expected a status event for the healed task")
	}
}

func TestCountRunningKeepsTasksInDispatchGrace(t *testing.T) {
	f := newFixture(t, withGrace(time.Minute))
	tk := f.create(t, "acme/api")
	f.markDispatching(t, tk.ID)

	n, err := f.admission.CountRunning(context.Background())
	if err != nil {
		t.Fatalf("CountRunning: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected in-flight dispatch to count, got %d", n)
	}
	got, _ := f.store.Get(context.Background(), tk.ID)
	if got.Status != task.StatusRunning {
		t.Fatalf("task inside grace must stay running, got %s", got.Status)
	}
}

// A task forced to running by hand was never dispatched, so the grace window
// does not protect it.
func TestCountRunningHealsUndispatchedInsideGrace(t *testing.T) {
	f := newFixture(t, withGrace(time.Hour))
	tk := f.create(t, "acme/api")
	f.markRunning(t, tk.ID, "")

	n, err := f.admission.CountRunning(context.Background())
	if err != nil {
		t.Fatalf("CountRunning: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 running, got %d", n)
	}
	got, _ := f.store.Get(context.Background(), tk.ID)
	if got.Status != task.StatusFailed || got.Error != task.ErrMsgNoContainer {
		t.Fatalf("expected failed/%q, got %s/%q", task.ErrMsgNoContainer, got.Status, got.Error)
	}
}

func TestInDispatchGrace(t *testing.T) {
	f := newFixture(t, withGrace(time.Minute))
	now := f.admission.now()
	recent := now.Add(-10 * time.Second)
	old := now.Add(-2 * time.Minute)
	tests := []struct {
		name string
		t    task.Task
		want bool
	}{
		{"dispatch in flight", task.Task{StartedAt: &recent, Backend: "docker"}, true},
		{"dispatch too old", task.Task{StartedAt: &old, Backend: "docker"}, false},
		{"forced running", task.Task{StartedAt: &recent}, false},
		{"never started", task.Task{Backend: "docker"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.admission.InDispatchGrace(&tt.t); got != tt.want {
				t.Errorf("InDispatchGrace = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanStartRepo(t *testing.T) {
	f := newFixture(t, withMax(3), withPerRepo(1))
	tk := f.create(t, "acme/api")
	f.markRunning(t, tk.ID, "c-1")
	ctx := context.Background()

	d, err := f.admission.CanStartRepo(ctx, "acme/api")
	if err != nil {
		t.Fatalf("CanStartRepo: %v", err)
	}
	if d.Allowed || !d.RepoLimited() || d.RepoRunning != 1 || d.RepoMax != 1 {
		t.Fatalf("expected repo ceiling, got %+v", d)
	}

	d, err = f.admission.CanStartRepo(ctx, "acme/web")
	if err != nil {
		t.Fatalf("CanStartRepo: %v", err)
	}
	if !d.Allowed || d.Running != 1 || d.RepoRunning != 0 {
		t.Fatalf("expected other repo allowed, got %+v", d)
	}
}

func TestCanStartRepoGlobalFirstWhenNoRepoCeiling(t *testing.T) {
	f := newFixture(t, withMax(1))
	tk := f.create(t, "acme/api")
	f.markRunning(t, tk.ID, "c-1")

	d, err := f.admission.CanStartRepo(context.Background(), "acme/web")
	if err != nil {
		t.Fatalf("CanStartRepo: %v", err)
	}
	if d.Allowed || d.RepoLimited() || d.Reason != ReasonGlobalCapacity {
		t.Fatalf("expected global denial, got %+v", d)
	}
}

func TestWaitForSlotImmediate(t *testing.T) {
	f := newFixture(t)
	if err := f.admission.WaitForSlot(context.Background(), 1, time.Hour); err != nil {
		t.Fatalf("WaitForSlot: %v", err)
	}
}

func TestWaitForSlotTimeout(t *testing.T) {
	f := newFixture(t)
	f.admission.cfg.WaitTimeout = 50 * time.Millisecond
	tk := f.create(t, "acme/api")
	f.markRunning(t, tk.ID, "c-1")

	err := f.admission.WaitForSlot(context.Background(), 1, 10*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
}

func TestWaitForSlotFrees(t *testing.T) {
	f := newFixture(t)
	tk := f.create(t, "acme/api")
	f.markRunning(t, tk.ID, "c-1")

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = f.store.Update(context.Background(), tk.ID, task.Patch{Status: task.Ptr(task.StatusCompleted)})
	}()

	if err := f.admission.WaitForSlot(context.Background(), 1, 5*time.Millisecond); err != nil {
		t.Fatalf("WaitForSlot: %v", err)
	}
}

func TestWaitForSlotCancelled(t *testing.T) {
	f := newFixture(t)
	tk := f.create(t, "acme/api")
	f.markRunning(t, tk.ID, "c-1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := f.admission.WaitForSlot(ctx, 1, 5*time.Millisecond)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWaitForRepoSlot(t *testing.T) {
	f := newFixture(t, withMax(3), withPerRepo(1))
	f.admission.cfg.WaitTimeout = 50 * time.Millisecond
	tk := f.create(t, "acme/api")
	f.markRunning(t, tk.ID, "c-1")
	ctx := context.Background()

	if err := f.admission.WaitForRepoSlot(ctx, "acme/web", time.Hour); err != nil {
		t.Fatalf("other repo should pass at once: %v", err)
	}
	// The global ceiling has room, so WaitForSlot alone would let this through.
	if err := f.admission.WaitForSlot(ctx, 0, time.Hour); err != nil {
		t.Fatalf("WaitForSlot: %v", err)
	}
	if err := f.admission.WaitForRepoSlot(ctx, "acme/api", 5*time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout for the full repo, got %v", err)
	}

	f.admission.cfg.WaitTimeout = time.Second
	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = f.store.Update(context.Background(), tk.ID, task.Patch{Status: task.Ptr(task.StatusCompleted)})
	}()
	if err := f.admission.WaitForRepoSlot(ctx, "acme/api", 5*time.Millisecond); err != nil {
		t.Fatalf("WaitForRepoSlot after the repo frees: %v", err)
	}
}
