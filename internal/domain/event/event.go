// Package event defines the task lifecycle events squire emits to the status
// stream, the message queue and the optional history store.
package event

import (
	"time"

	"github.com/Strob0t/squire/internal/domain/task"
)

// Type identifies the kind of task event.
type Type string

const (
	TypeTaskCreated Type = "task.created"
	TypeTaskStatus  Type = "task.status"
	TypeTaskDeleted Type = "task.deleted"
)

// TaskEvent is one immutable entry in a task's lifecycle.
type TaskEvent struct {
	ID        int64       `json:"id,omitempty"`
	TaskID    string      `json:"taskId"`
	Repo      string      `json:"repo,omitempty"`
	Type      Type        `json:"type"`
	From      task.Status `json:"from,omitempty"`
	To        task.Status `json:"to,omitempty"`
	Handle    string      `json:"handle,omitempty"`
	Backend   string      `json:"backend,omitempty"`
	Error     string      `json:"error,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Created builds the event for a newly stored task.
func Created(t *task.Task, at time.Time) TaskEvent {
	return TaskEvent{
		TaskID:    t.ID,
		Repo:      t.Repo,
		Type:      TypeTaskCreated,
		To:        t.Status,
		CreatedAt: at,
	}
}

// StatusChanged builds the event for a transition of t away from "from".
func StatusChanged(t *task.Task, from task.Status, at time.Time) TaskEvent {
	return TaskEvent{
		TaskID:    t.ID,
		Repo:      t.Repo,
		Type:      TypeTaskStatus,
		From:      from,
		To:        t.Status,
		Handle:    t.ContainerID,
		Backend:   t.Backend,
		Error:     t.Error,
		CreatedAt: at,
	}
}

// Deleted builds the event for a removed task.
func Deleted(t *task.Task, at time.Time) TaskEvent {
	return TaskEvent{
		TaskID:    t.ID,
		Repo:      t.Repo,
		Type:      TypeTaskDeleted,
		From:      t.Status,
		CreatedAt: at,
	}
}

// Filter narrows a history query.
type Filter struct {
	Types []Type     `json:"types,omitempty"`
	After *time.Time `json:"after,omitempty"`
	Limit int        `json:"limit,omitempty"`
}

// Match reports whether ev passes the filter (Limit is not considered).
func (f Filter) Match(ev TaskEvent) bool {
	if f.After != nil && !ev.CreatedAt.After(*f.After) {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if ev.Type == t {
			return true
		}
	}
	return false
}
