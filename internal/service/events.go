package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/Strob0t/squire/internal/domain/event"
	"github.com/Strob0t/squire/internal/domain/task"
	"github.com/Strob0t/squire/internal/logger"
	"github.com/Strob0t/squire/internal/port/broadcast"
	"github.com/Strob0t/squire/internal/port/eventstore"
	"github.com/Strob0t/squire/internal/port/messagequeue"
)

// ErrHistoryDisabled is returned by History when no event store is configured.
var ErrHistoryDisabled = errors.New("task history is not configured")

// EventPublisher fans task lifecycle events out to the status stream, the
// message queue and the history store. Every sink is optional and a failing
// sink never fails the task operation that produced the event.
type EventPublisher struct {
	hub     broadcast.Broadcaster
	queue   messagequeue.Queue
	history eventstore.Store
	now     func() time.Time
}

// NewEventPublisher creates an EventPublisher. Any argument may be nil.
func NewEventPublisher(hub broadcast.Broadcaster, queue messagequeue.Queue, history eventstore.Store) *EventPublisher {
	return &EventPublisher{hub: hub, queue: queue, history: history, now: time.Now}
}

// Created announces a newly stored task.
func (p *EventPublisher) Created(ctx context.Context, t *task.Task) {
	if p == nil {
		return
	}
	ev := event.Created(t, p.now().UTC())
	p.publish(ctx, &ev, messagequeue.SubjectTaskCreated, messagequeue.TaskCreatedPayload{
		TaskID: t.ID,
		Repo:   t.Repo,
		Branch: t.Branch,
	})
}

// StatusChanged announces a status transition of t away from "from".
func (p *EventPublisher) StatusChanged(ctx context.Context, t *task.Task, from task.Status) {
	if p == nil || from == t.Status {
		return
	}
	ev := event.StatusChanged(t, from, p.now().UTC())
	p.publish(ctx, &ev, messagequeue.SubjectTaskStatus, messagequeue.TaskStatusPayload{
		TaskID:  t.ID,
		Repo:    t.Repo,
		From:    string(from),
		To:      string(t.Status),
		Handle:  t.ContainerID,
		Backend: t.Backend,
		Error:   t.Error,
	})
}

// Deleted announces a removed task and drops its history.
func (p *EventPublisher) Deleted(ctx context.Context, t *task.Task) {
	if p == nil {
		return
	}
	ev := event.Deleted(t, p.now().UTC())
	ev.RequestID = logger.RequestID(ctx)
	if p.hub != nil {
		p.hub.BroadcastEvent(ctx, string(ev.Type), ev)
	}
	p.send(ctx, messagequeue.SubjectTaskDeleted, messagequeue.TaskDeletedPayload{TaskID: t.ID})
	if p.history != nil {
		if _, err := p.history.DeleteByTask(ctx, t.ID); err != nil {
			slog.Warn("drop task history failed", "task_id", t.ID, "error", err)
		}
	}
}

// History returns the recorded events of a task.
func (p *EventPublisher) History(ctx context.Context, taskID string, f event.Filter) ([]event.TaskEvent, error) {
	if p == nil || p.history == nil {
		return nil, ErrHistoryDisabled
	}
	return p.history.LoadByTask(ctx, taskID, f)
}

func (p *EventPublisher) publish(ctx context.Context, ev *event.TaskEvent, subject string, payload any) {
	ev.RequestID = logger.RequestID(ctx)
	if p.history != nil {
		if err := p.history.Append(ctx, ev); err != nil {
			slog.Warn("append task event failed", "task_id", ev.TaskID, "type", string(ev.Type), "error", err)
		}
	}
	if p.hub != nil {
		p.hub.BroadcastEvent(ctx, string(ev.Type), ev)
	}
	p.send(ctx, subject, payload)
}

func (p *EventPublisher) send(ctx context.Context, subject string, payload any) {
	if p.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal queue payload", "subject", subject, "error", err)
		return
	}
	if err := p.queue.Publish(ctx, subject, data); err != nil {
		slog.Warn("publish task event failed", "subject", subject, "error", err)
	}
}
