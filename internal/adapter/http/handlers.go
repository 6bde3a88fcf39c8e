package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/squire/internal/domain/event"
	"github.com/Strob0t/squire/internal/domain/task"
	"github.com/Strob0t/squire/internal/service"
)

const maxListLimit = 1000

// Handlers holds the services the HTTP API serves from.
type Handlers struct {
	Tasks  *service.TaskService
	Events *service.EventPublisher
	Health *service.HealthService
}

// ListTasks handles GET /api/v1/tasks?status=&repo=&limit=.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.ListFilter{Status: task.Status(q.Get("status")), Repo: q.Get("repo")}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+q.Get("status"))
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Limit = min(limit, maxListLimit)

	tasks, err := h.Tasks.List(r.Context(), f)
	if err != nil {
		writeDomainError(w, err, "tasks not found")
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// CreateTask handles POST /api/v1/tasks.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.CreateRequest](w, r)
	if !ok {
		return
	}
	t, err := h.Tasks.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "creation failed")
		return
	}
	w.Header().Set("Location", "/api/v1/tasks/"+t.ID)
	writeJSON(w, http.StatusCreated, t)
}

// UpdateTask handles PATCH /api/v1/tasks/{id}.
func (h *Handlers) UpdateTask(w http.ResponseWriter, r *http.Request) {
	p, ok := readJSON[task.Patch](w, r)
	if !ok {
		return
	}
	if p.Empty() {
		writeError(w, http.StatusBadRequest, "patch changes nothing")
		return
	}
	t, err := h.Tasks.Update(r.Context(), urlParam(r, "id"), p)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// DeleteTask handles DELETE /api/v1/tasks/{id}.
func (h *Handlers) DeleteTask(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.Tasks.Delete(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartTask handles POST /api/v1/tasks/{id}/start?force=true. The worker is
// dispatched in the background, so a successful start answers 202.
func (h *Handlers) StartTask(w http.ResponseWriter, r *http.Request) {
	opts := service.StartOptions{
		Force: queryBool(r, "force"),
		Image: r.URL.Query().Get("image"),
	}
	t, err := h.Tasks.Start(r.Context(), urlParam(r, "id"), opts)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

// TaskLogs handles GET /api/v1/tasks/{id}/logs.
func (h *Handlers) TaskLogs(w http.ResponseWriter, r *http.Request) {
	out, err := h.Tasks.Logs(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}

// TaskEvents handles GET /api/v1/tasks/{id}/events?type=&after=&limit=.
func (h *Handlers) TaskEvents(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if _, err := h.Tasks.Get(r.Context(), id); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}

	var f event.Filter
	for _, typ := range strings.Split(r.URL.Query().Get("type"), ",") {
		if typ = strings.TrimSpace(typ); typ != "" {
			f.Types = append(f.Types, event.Type(typ))
		}
	}
	if v := r.URL.Query().Get("after"); v != "" {
		after, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be an RFC 3339 timestamp")
			return
		}
		f.After = &after
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Limit = min(limit, maxListLimit)

	events, err := h.Events.History(r.Context(), id, f)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	if events == nil {
		events = []event.TaskEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Capacity handles GET /api/v1/capacity?repo=.
func (h *Handlers) Capacity(w http.ResponseWriter, r *http.Request) {
	admission := h.Tasks.Admission()

	var (
		d   service.Decision
		err error
	)
	if repo := r.URL.Query().Get("repo"); repo != "" {
		d, err = admission.CanStartRepo(r.Context(), repo)
	} else {
		d, err = admission.CanStart(r.Context(), 0)
	}
	if err != nil {
		writeDomainError(w, err, "not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// CheckHealth handles GET /health. An unhealthy report answers 503.
func (h *Handlers) CheckHealth(w http.ResponseWriter, r *http.Request) {
	rep := h.Health.Check(r.Context())
	status := http.StatusOK
	if rep.Status == service.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}
