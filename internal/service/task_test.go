package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/squire/internal/domain"
	"github.com/Strob0t/squire/internal/domain/task"
	"github.com/Strob0t/squire/internal/resilience"
)

func TestCreateDefaultsBranch(t *testing.T) {
	f := newFixture(t)
	tk := f.create(t, "acme/api")

	if tk.Status != task.StatusPending {
		t.Errorf("status = %s, want pending", tk.Status)
	}
	if tk.Branch != "squire/"+tk.ID {
		t.Errorf("branch = %q, want squire/%s", tk.Branch, tk.ID)
	}
	if f.events.count("task.created") != 1 {
		t.Error("expected one task.created event")
	}
}

func TestCreateRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.tasks.Create(context.Background(), task.CreateRequest{Repo: "not-a-repo", Prompt: "x"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestStartDispatchesWorker(t *testing.T) {
	f := newFixture(t)
	tk := f.create(t, "acme/api")

	running, err := f.tasks.Start(context.Background(), tk.ID, StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if running.Status != task.StatusRunning || running.StartedAt == nil || running.Attempts != 1 {
		t.Fatalf("unexpected running record: %+v", running)
	}

	f.tasks.Wait()
	got, err := f.tasks.Get(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ContainerID != "worker-1" || got.Backend != "fake" {
		t.Fatalf("expected handle worker-1 on fake, got %q on %q", got.ContainerID, got.Backend)
	}
	if got.Status != task.StatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
}

func TestStartBackendFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.backend.startErr = errBoom
	tk := f.create(t, "acme/api")

	got := f.startAndWait(t, tk.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, errBoom.Error()) {
		t.Errorf("error %q does not mention the backend failure", got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("expected completedAt to be set")
	}
}

func TestStartCapacityDenied(t *testing.T) {
	f := newFixture(t, withMax(1))
	first := f.create(t, "acme/api")
	second := f.create(t, "acme/api")
	f.startAndWait(t, first.ID)

	_, err := f.tasks.Start(context.Background(), second.ID, StartOptions{})
	if !errors.Is(err, domain.ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected *CapacityError, got %T", err)
	}
	if capErr.Decision.Running != 1 || capErr.Decision.Max != 1 {
		t.Errorf("unexpected decision %+v", capErr.Decision)
	}

	got, _ := f.tasks.Get(context.Background(), second.ID)
	if got.Status != task.StatusPending {
		t.Errorf("denied task must stay pending, got %s", got.Status)
	}
}

func TestStartWhenAdmittedWaitsForRepoSlot(t *testing.T) {
	f := newFixture(t, withMax(3), withPerRepo(1))
	first := f.create(t, "acme/api")
	second := f.create(t, "acme/api")
	f.markRunning(t, first.ID, "c-1")

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = f.store.Update(context.Background(), first.ID, task.Patch{Status: task.Ptr(task.StatusCompleted)})
	}()

	got, err := f.tasks.StartWhenAdmitted(context.Background(), second.ID, StartOptions{})
	if err != nil {
		t.Fatalf("StartWhenAdmitted: %v", err)
	}
	if got.Status != task.StatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
	f.tasks.Wait()
}

func TestStartWhenAdmittedTimesOut(t *testing.T) {
	f := newFixture(t, withMax(3), withPerRepo(1))
	f.admission.cfg.WaitTimeout = 50 * time.Millisecond
	first := f.create(t, "acme/api")
	second := f.create(t, "acme/api")
	f.markRunning(t, first.ID, "c-1")

	_, err := f.tasks.StartWhenAdmitted(context.Background(), second.ID, StartOptions{})
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
	got, _ := f.tasks.Get(context.Background(), second.ID)
	if got.Status != task.StatusPending {
		t.Errorf("task must stay pending, got %s", got.Status)
	}
}

func TestStartForceBypassesAdmission(t *testing.T) {
	f := newFixture(t, withMax(1))
	first := f.create(t, "acme/api")
	second := f.create(t, "acme/api")
	f.startAndWait(t, first.ID)

	got := f.startAndWait(t, second.ID)
	if got.Status != task.StatusRunning || got.ContainerID == "" {
		t.Fatalf("forced start should dispatch, got %s/%q", got.Status, got.ContainerID)
	}
}

func TestStartInvalidTransition(t *testing.T) {
	f := newFixture(t)
	tk := f.create(t, "acme/api")
	f.startAndWait(t, tk.ID)

	_, err := f.tasks.Start(context.Background(), tk.ID, StartOptions{})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestStartNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.tasks.Start(context.Background(), "deadbeef", StartOptions{})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRestartFailedTask(t *testing.T) {
	f := newFixture(t)
	f.backend.startErr = errBoom
	tk := f.create(t, "acme/api")
	f.startAndWait(t, tk.ID)

	f.backend.mu.Lock()
	f.backend.startErr = nil
	f.backend.mu.Unlock()

	got := f.startAndWait(t, tk.ID)
	if got.Status != task.StatusRunning || got.Attempts != 2 || got.Error != "" {
		t.Fatalf("expected clean second attempt, got %+v", got)
	}
}

func TestStartRejectedWhileBreakerOpen(t *testing.T) {
	f := newFixture(t)
	f.tasks.SetBreaker(resilience.NewBreaker("backend", 1, time.Hour))
	f.backend.startErr = errBoom

	tk := f.create(t, "acme/api")
	f.startAndWait(t, tk.ID)
	if !f.tasks.BreakerOpen() {
		t.Fatal("expected breaker to open after a failed start")
	}

	_, err := f.tasks.Start(context.Background(), tk.ID, StartOptions{Force: true})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestStopRunningTask(t *testing.T) {
	f := newFixture(t)
	tk := f.create(t, "acme/api")
	f.startAndWait(t, tk.ID)

	got, err := f.tasks.Stop(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got.Status != task.StatusFailed || got.Error != task.ErrMsgStoppedByUser {
		t.Fatalf("expected failed/%q, got %s/%q", task.ErrMsgStoppedByUser, got.Status, got.Error)
	}
	if !slices.Contains(f.backend.stopped(), "worker-1") {
		t.Error("expected the worker to be stopped")
	}

	// Stopping again is a no-op.
	again, err := f.tasks.Stop(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if again.Status != task.StatusFailed || again.Error != task.ErrMsgStoppedByUser {
		t.Fatalf("second stop changed the record: %+v", again)
	}
}

func TestStopPendingTaskIsNoop(t *testing.T) {
	f := newFixture(t)
	tk := f.create(t, "acme/api")

	got, err := f.tasks.Stop(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if len(f.backend.stopped()) != 0 {
		t.Error("no worker should be stopped")
	}
}

func TestStopDuringDispatchStopsOrphan(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.backend.gate = gate
	tk := f.create(t, "acme/api")

	if _, err := f.tasks.Start(context.Background(), tk.ID, StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.tasks.Stop(context.Background(), tk.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	close(gate)
	f.tasks.Wait()

	got, _ := f.tasks.Get(context.Background(), tk.ID)
	if got.Status != task.StatusFailed || got.ContainerID != "" {
		t.Fatalf("stopped task must keep its state, got %s/%q", got.Status, got.ContainerID)
	}
	if !slices.Contains(f.backend.stopped(), "worker-1") {
		t.Error("expected the late worker to be stopped")
	}
}

func TestLogs(t *testing.T) {
	f := newFixture(t)
	f.backend.logs = "cloning acme/api\n"
	tk := f.create(t, "acme/api")

	out, err := f.tasks.Logs(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if out != "" {
		t.Fatalf("expected empty logs before dispatch, got %q", out)
	}

	f.startAndWait(t, tk.ID)
	out, err = f.tasks.Logs(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if out != "cloning acme/api\n" {
		t.Fatalf("logs = %q", out)
	}
}

func TestLogsRedacted(t *testing.T) {
	f := newFixture(t)
	f.backend.logs = "token ghp_secret123\n"
	f.tasks.SetRedactor(func(s string) string { return strings.ReplaceAll(s, "ghp_secret123", "gh****") })
	tk := f.create(t, "acme/api")
	f.startAndWait(t, tk.ID)

	out, err := f.tasks.Logs(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if out != "token gh****\n" {
		t.Fatalf("logs = %q", out)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	tk := f.create(t, "acme/api")
	f.startAndWait(t, tk.ID)

	deleted, err := f.tasks.Delete(context.Background(), tk.ID)
	if err != nil || !deleted {
		t.Fatalf("first Delete = %v, %v; want true, nil", deleted, err)
	}
	if !slices.Contains(f.backend.stopped(), "worker-1") {
		t.Error("expected running worker to be stopped before delete")
	}
	if f.events.count("task.deleted") != 1 {
		t.Error("expected one task.deleted event")
	}

	deleted, err = f.tasks.Delete(context.Background(), tk.ID)
	if err != nil || deleted {
		t.Fatalf("second Delete = %v, %v; want false, nil", deleted, err)
	}
	if _, err := f.tasks.Get(context.Background(), tk.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestUpdateEmitsStatusEvent(t *testing.T) {
	f := newFixture(t)
	tk := f.create(t, "acme/api")

	got, err := f.tasks.Update(context.Background(), tk.ID, task.Patch{PRURL: task.Ptr("https://github.com/acme/api/pull/7")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.PRURL != "https://github.com/acme/api/pull/7" {
		t.Errorf("prUrl = %q", got.PRURL)
	}
	if f.events.count("task.status") != 0 {
		t.Error("field-only update must not emit a status event")
	}

	if _, err := f.tasks.Update(context.Background(), tk.ID, task.Patch{Status: task.Ptr(task.StatusRunning)}); err != nil {
		t.Fatalf("Update status: %v", err)
	}
	if f.events.count("task.status") != 1 {
		t.Error("expected one task.status event")
	}
}

func TestSnapshotAndStats(t *testing.T) {
	f := newFixture(t)
	f.create(t, "acme/api")
	running := f.create(t, "acme/web")
	f.startAndWait(t, running.ID)

	snap, err := f.tasks.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Tasks) != 2 || snap.Stats.Pending != 1 || snap.Stats.Running != 1 || snap.Stats.Total != 2 {
		t.Fatalf("unexpected snapshot %+v", snap.Stats)
	}
	if snap.Tasks[0].ID != running.ID {
		t.Error("expected newest task first")
	}

	workers, err := f.tasks.Workers(context.Background())
	if err != nil {
		t.Fatalf("Workers: %v", err)
	}
	if len(workers) != 1 || workers[0].TaskID != running.ID {
		t.Fatalf("unexpected workers %+v", workers)
	}
}
